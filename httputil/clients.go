package httputil

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"estate_ingest/config"
)

const (
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxPageBytes  = 8 * 1024 * 1024
	maxImageBytes = 15 * 1024 * 1024
)

type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set, for target sites
	API      *http.Client // direct, for the status API and object storage
}

func NewClients(cfg *config.ScraperConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			log.Printf("Warning: ignoring invalid PROXY_URL: %v", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &Clients{
		Scraping: &http.Client{Timeout: timeout, Transport: transport},
		API:      &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// Response is a fully read body plus the headers callers care about.
type Response struct {
	URL         *url.URL
	Body        []byte
	ContentType string
}

// Get fetches rawURL with browser-like headers and reads at most limit bytes of body.
func Get(ctx context.Context, client *http.Client, rawURL, accept string, limit int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	SetBrowserHeaders(req, accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		URL:         resp.Request.URL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func GetPage(ctx context.Context, client *http.Client, rawURL string) (*Response, error) {
	return Get(ctx, client, rawURL, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", maxPageBytes)
}

func GetImage(ctx context.Context, client *http.Client, rawURL string) (*Response, error) {
	return Get(ctx, client, rawURL, "image/avif,image/webp,image/*,*/*;q=0.8", maxImageBytes)
}

func SetBrowserHeaders(req *http.Request, accept string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
}

func UserAgent() string {
	return userAgent
}
