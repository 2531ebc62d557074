package scraper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/playwright-community/playwright-go"

	"estate_ingest/config"
	"estate_ingest/httputil"
)

const (
	revealNavTimeout   = 30 * time.Second
	revealClickTimeout = 5 * time.Second
)

// PhoneRevealer clicks a site's "show phone" control in a real browser and
// reads the number. One revealer serves one job.
type PhoneRevealer interface {
	Reveal(ctx context.Context, pageURL string, site *config.SiteConfig) (string, error)
	Close() error
}

// NewPhoneRevealer starts the browser backend named by kind. "off" and ""
// return a nil revealer.
func NewPhoneRevealer(kind string) (PhoneRevealer, error) {
	switch kind {
	case "", "off":
		return nil, nil
	case "playwright":
		r, err := NewPlaywrightRevealer()
		if err != nil {
			return nil, err
		}
		return r, nil
	case "chromedp":
		r, err := NewChromeRevealer()
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown phone reveal backend %q", kind)
	}
}

// PlaywrightRevealer drives headless Chromium through playwright.
type PlaywrightRevealer struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewPlaywrightRevealer() (*PlaywrightRevealer, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &PlaywrightRevealer{pw: pw, browser: browser}, nil
}

func (r *PlaywrightRevealer) Reveal(ctx context.Context, pageURL string, site *config.SiteConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	page, err := r.browser.NewPage(playwright.BrowserNewPageOptions{
		UserAgent: playwright.String(httputil.UserAgent()),
		Locale:    playwright.String("ru-RU"),
	})
	if err != nil {
		return "", fmt.Errorf("new page: %w", err)
	}
	defer page.Close()

	if _, err := page.Goto(pageURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(revealNavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	clickTimeout := playwright.Float(float64(revealClickTimeout.Milliseconds()))
	if err := page.Locator(site.PhoneButton).First().Click(playwright.LocatorClickOptions{
		Timeout: clickTimeout,
	}); err != nil {
		return "", fmt.Errorf("click %s: %w", site.PhoneButton, err)
	}

	phone := page.Locator(site.PhoneText).First()
	if err := phone.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: clickTimeout,
	}); err != nil {
		return "", fmt.Errorf("wait for %s: %w", site.PhoneText, err)
	}

	return phone.TextContent()
}

func (r *PlaywrightRevealer) Close() error {
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			log.Printf("Warning: close browser: %v", err)
		}
	}
	if r.pw != nil {
		return r.pw.Stop()
	}
	return nil
}

// ChromeRevealer drives a local Chrome through the DevTools protocol.
type ChromeRevealer struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

func NewChromeRevealer() (*ChromeRevealer, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(httputil.UserAgent()),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...interface{}) {}),
	)

	// First Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &ChromeRevealer{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

func (r *ChromeRevealer) Reveal(ctx context.Context, pageURL string, site *config.SiteConfig) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, revealNavTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var phone string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(site.PhoneButton, chromedp.ByQuery),
		chromedp.Click(site.PhoneButton, chromedp.ByQuery),
		chromedp.WaitVisible(site.PhoneText, chromedp.ByQuery),
		chromedp.Text(site.PhoneText, &phone, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("reveal phone: %w", err)
	}
	return phone, nil
}

func (r *ChromeRevealer) Close() error {
	r.cancelBrowser()
	r.cancelAlloc()
	return nil
}
