package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"estate_ingest/config"
	"estate_ingest/identity"
	"estate_ingest/models"
)

var olxIDRegex = regexp.MustCompile(`-ID([a-zA-Z0-9]+)\.html`)

// OLXAdapter reads OLX.kz search result pages and their ad pages with goquery.
type OLXAdapter struct {
	siteBase
}

func NewOLXAdapter(siteCfg *config.SiteConfig, deps Deps) *OLXAdapter {
	return &OLXAdapter{siteBase: newSiteBase(siteCfg, deps)}
}

func (a *OLXAdapter) Fetch(ctx context.Context, baseURL string, pageCount int, onProgress func(models.Event)) ([]models.RawListing, error) {
	emit := onProgress
	if emit == nil {
		emit = func(models.Event) {}
	}
	name := a.site.Name

	var listings []models.RawListing
	seen := make(map[string]bool)

	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return listings, err
		}

		pageURL := PageURL(baseURL, page)
		emit(models.Event{
			Task:     fmt.Sprintf("%s: Loading page %d of %d...", name, page, pageCount),
			Message:  fmt.Sprintf("%s: Loading page %d: %s", name, page, pageURL),
			Progress: phaseFraction(page, pageCount, 0, 0),
		})

		resp, err := a.fetchPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return listings, ctx.Err()
			}
			emit(models.Event{Message: fmt.Sprintf("%s: failed to load page %d: %v", name, page, err), Error: true})
			if err := a.pageGap(ctx, page, pageCount); err != nil {
				return listings, err
			}
			continue
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			emit(models.Event{Message: fmt.Sprintf("%s: failed to parse page %d: %v", name, page, err), Error: true})
			if err := a.pageGap(ctx, page, pageCount); err != nil {
				return listings, err
			}
			continue
		}

		links := a.detailLinks(doc, resp.URL)
		if len(links) == 0 {
			emit(models.Event{
				Message: fmt.Sprintf("%s: no listings found on page %d.", name, page),
				Error:   page == 1,
			})
			break
		}
		emit(models.Event{Message: fmt.Sprintf("%s: found %d listings on page %d.", name, len(links), page)})

		for i, link := range links {
			if err := ctx.Err(); err != nil {
				return listings, err
			}
			if seen[link] {
				continue
			}
			seen[link] = true

			emit(models.Event{
				Task:     fmt.Sprintf("%s: Page %d, listing %d/%d", name, page, i+1, len(links)),
				Progress: phaseFraction(page, pageCount, i, len(links)),
			})

			if l := a.fetchDetail(ctx, link, emit); l != nil {
				listings = append(listings, *l)
			}
			if i < len(links)-1 {
				if err := pause(ctx, a.site.DetailDelay()); err != nil {
					return listings, err
				}
			}
		}

		if err := a.pageGap(ctx, page, pageCount); err != nil {
			return listings, err
		}
	}

	emit(models.Event{Task: fmt.Sprintf("Collecting data from %s finished.", name), Progress: 1})
	return listings, nil
}

// detailLinks returns ad page links from the listing cards. Promoted cards
// pointing outside /obyavlenie/ are ignored.
func (a *OLXAdapter) detailLinks(doc *goquery.Document, pageURL *url.URL) []string {
	var links []string
	doc.Find(`div[data-cy="l-card"]`).Each(func(_ int, card *goquery.Selection) {
		href, ok := card.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		if a.site.Origin != "" && strings.HasPrefix(href, "/") {
			href = strings.TrimRight(a.site.Origin, "/") + href
		}
		link := resolveURL(pageURL, href)
		if !strings.Contains(link, "/obyavlenie/") {
			return
		}
		links = append(links, link)
	})
	return uniqueHTTP(links)
}

func (a *OLXAdapter) fetchDetail(ctx context.Context, link string, emit func(models.Event)) *models.RawListing {
	name := a.site.Name

	resp, err := a.fetchPage(ctx, link)
	if err != nil {
		emit(models.Event{Message: fmt.Sprintf("%s: failed to load %s: %v", name, link, err), Error: true})
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		emit(models.Event{Message: fmt.Sprintf("%s: failed to parse %s: %v", name, link, err), Error: true})
		return nil
	}

	l, imageURLs := parseOLXDetail(doc, link, resp.URL)
	l.Source = a.site.ID
	if l.Title == nil && l.Description == nil {
		emit(models.Event{Message: fmt.Sprintf("%s: no title or description on %s, skipped.", name, link), Error: true})
		return nil
	}

	l.SellerPhone = a.revealPhone(ctx, link, emit)
	l.Images = a.fetchImages(ctx, l.ExternalID, imageURLs, emit)

	log.Printf("%s: parsed %s (%d photos)", a.site.ID, link, len(l.Images))
	emit(models.Event{Message: fmt.Sprintf("%s: Successfully parsed: %s", name, clipText(strOrNil(l.Title), 50))})
	return l
}

// parseOLXDetail extracts the listing fields and photo URLs from an ad page.
func parseOLXDetail(doc *goquery.Document, link string, pageURL *url.URL) (*models.RawListing, []string) {
	l := &models.RawListing{Link: link}
	if m := olxIDRegex.FindStringSubmatch(link); m != nil {
		l.ExternalID = m[1]
	}

	l.Title = optional(doc.Find(`h1[data-cy="ad_title"], div[data-cy="ad_title"] h4, h1`).First().Text())
	l.Price = optional(doc.Find(`div[data-testid="ad-price-container"] h3`).First().Text())

	loc := doc.Find(`p[class*="location-"], p[class*="address-"], p[class*="TextLocation"]`).First()
	if addr := optional(loc.Text()); addr != nil {
		l.Address = addr
		l.Street = optional(strings.Split(*addr, ",")[0])
	}

	if desc := strings.TrimSpace(blockText(doc.Find(`div[data-cy="ad_description"]`).First())); desc != "" {
		l.Description = &desc
	}

	doc.Find(`ul[data-testid="advert-properties"] li p, div[data-testid="ad-parameters-container"] p`).Each(func(_ int, p *goquery.Selection) {
		key, value, ok := splitParam(paramText(p))
		if ok {
			applyOLXParam(l, key, value)
		}
	})

	var imageURLs []string
	collect := func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		if u := resolveURL(pageURL, src); u != "" {
			imageURLs = append(imageURLs, u)
		}
	}
	doc.Find("div.swiper-zoom-container img, div.photo-item img").Each(collect)
	if len(imageURLs) == 0 {
		doc.Find(`div[data-cy="adPhotos-swiper"] img`).Each(collect)
	}

	return l, uniqueHTTP(imageURLs)
}

// paramText renders "Key: Value" for a parameter paragraph whose parts sit in
// separate child elements.
func paramText(p *goquery.Selection) string {
	children := p.Children()
	if children.Length() < 2 {
		return identity.CleanText(p.Text())
	}
	var parts []string
	children.Each(func(_ int, c *goquery.Selection) {
		if t := strings.TrimSuffix(identity.CleanText(c.Text()), ":"); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, ": ")
}

func splitParam(text string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(text, ":")
	if !ok {
		return "", "", false
	}
	key = strings.ToLower(identity.CleanText(key))
	value = identity.CleanText(value)
	return key, value, key != "" && value != ""
}

func applyOLXParam(l *models.RawListing, key, value string) {
	v := value
	switch {
	case key == "жилая площадь":
		l.LivingArea = &v
	case key == "площадь кухни":
		l.KitchenArea = &v
	case key == "общая площадь" || key == "площадь":
		l.Area = &v
	case key == "этажность" || key == "этажность дома":
		l.TotalFloors = &v
	case key == "этаж":
		floor, total, found := strings.Cut(v, "/")
		l.Floor = optional(floor)
		if found {
			l.TotalFloors = optional(total)
		}
	case strings.HasPrefix(key, "год постройки"):
		l.YearBuilt = optional(yearRegex.FindString(v))
	case key == "тип дома" || key == "тип строения":
		l.Material = &v
	case key == "планировка":
		l.Layout = &v
	case key == "состояние" || key == "ремонт":
		l.Condition = &v
	case key == "категория":
		l.Category = &v
	case key == "статус":
		l.Status = &v
	case key == "балкон":
		l.Balcony = &v
	case strings.HasPrefix(key, "углов"):
		l.Corner = &v
	}
}

var yearRegex = regexp.MustCompile(`\d{4}`)

func clipText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
