package scraper

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"estate_ingest/config"
	"estate_ingest/httputil"
	"estate_ingest/identity"
	"estate_ingest/models"
)

// Adapter harvests raw listings from one classified-ad site.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, baseURL string, pageCount int, onProgress func(models.Event)) ([]models.RawListing, error)
}

// Deps are the per-job collaborators handed to an adapter.
type Deps struct {
	Client *http.Client
	Retry  httputil.Retry
	Phones PhoneRevealer // nil disables phone reveal
}

func NewAdapter(siteCfg *config.SiteConfig, deps Deps) (Adapter, error) {
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	switch siteCfg.Handler {
	case "olx":
		return NewOLXAdapter(siteCfg, deps), nil
	case "krisha":
		return NewKrishaAdapter(siteCfg, deps), nil
	default:
		return nil, fmt.Errorf("site %s: unknown handler %q", siteCfg.ID, siteCfg.Handler)
	}
}

// siteBase carries what both reference adapters share: page URLs, retries,
// image download, phone reveal and the polite delay.
type siteBase struct {
	site   *config.SiteConfig
	client *http.Client
	retry  httputil.Retry
	phones PhoneRevealer
}

func newSiteBase(siteCfg *config.SiteConfig, deps Deps) siteBase {
	return siteBase{
		site:   siteCfg,
		client: deps.Client,
		retry:  deps.Retry,
		phones: deps.Phones,
	}
}

func (b *siteBase) ID() string {
	return b.site.ID
}

// PageURL returns the address of page n. Page 1 is the base URL itself.
func PageURL(baseURL string, n int) string {
	if n <= 1 {
		return baseURL
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", baseURL, sep, n)
}

// phaseFraction is the share of the adapter phase done after item of total
// on page of pages.
func phaseFraction(page, pages, item, total int) float64 {
	if pages < 1 {
		return 0
	}
	done := float64(page - 1)
	if total > 0 {
		done += float64(item) / float64(total)
	}
	return done / float64(pages)
}

func (b *siteBase) fetchPage(ctx context.Context, rawURL string) (*httputil.Response, error) {
	var resp *httputil.Response
	err := b.retry.Do(ctx, "fetch "+rawURL, func() error {
		r, err := httputil.GetPage(ctx, b.client, rawURL)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// fetchImages downloads up to max_images photos. A failed photo is reported
// and skipped.
func (b *siteBase) fetchImages(ctx context.Context, externalID string, urls []string, emit func(models.Event)) []models.RawImage {
	limit := b.site.MaxImages
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}

	var images []models.RawImage
	for i, imgURL := range urls {
		if ctx.Err() != nil {
			break
		}
		var resp *httputil.Response
		err := b.retry.Do(ctx, "image "+imgURL, func() error {
			r, err := httputil.GetImage(ctx, b.client, imgURL)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			emit(models.Event{
				Message: fmt.Sprintf("%s: failed to download photo %d for ID %s: %v", b.site.Name, i+1, externalID, err),
				Error:   true,
			})
			continue
		}
		if len(resp.Body) == 0 {
			continue
		}
		images = append(images, models.RawImage{
			Filename: imageFilename(imgURL, i+1),
			MimeType: mediaType(resp.ContentType),
			Data:     resp.Body,
		})
	}
	return images
}

// revealPhone returns nil whenever the phone cannot be obtained.
func (b *siteBase) revealPhone(ctx context.Context, link string, emit func(models.Event)) *string {
	if b.phones == nil || b.site.PhoneButton == "" || b.site.PhoneText == "" {
		return nil
	}
	phone, err := b.phones.Reveal(ctx, link, b.site)
	if err != nil {
		emit(models.Event{Message: fmt.Sprintf("%s: phone not available for %s: %v", b.site.Name, link, err)})
		return nil
	}
	return optional(phone)
}

// pause sleeps for d unless ctx ends first.
// pageGap waits the site's page delay before the next listing page. It is a
// no-op after the last page.
func (b *siteBase) pageGap(ctx context.Context, page, pageCount int) error {
	if page >= pageCount {
		return nil
	}
	return pause(ctx, b.site.PageDelay())
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// uniqueHTTP keeps absolute http(s) URLs, first occurrence wins.
func uniqueHTTP(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, u := range urls {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func imageFilename(imgURL string, n int) string {
	u, err := url.Parse(imgURL)
	if err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "/" && base != "." && path.Ext(base) != "" {
			return base
		}
	}
	return fmt.Sprintf("image_%d", n)
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

// blockText joins the text nodes under s with newlines so paragraphs survive.
func blockText(s *goquery.Selection) string {
	var parts []string
	var walk func(sel *goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				if t := identity.CleanText(c.Text()); t != "" {
					parts = append(parts, t)
				}
			case "script", "style":
			case "br":
			default:
				walk(c)
			}
		})
	}
	walk(s)
	return strings.Join(parts, "\n")
}

func optional(s string) *string {
	s = identity.CleanText(s)
	if s == "" {
		return nil
	}
	return &s
}

func strOrNil(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
