package scraper

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"estate_ingest/config"
	"estate_ingest/httputil"
	"estate_ingest/identity"
	"estate_ingest/models"
)

var (
	krishaIDRegex       = regexp.MustCompile(`/a/show/(\d+)`)
	krishaDistrictRegex = regexp.MustCompile(`р-н\s([\p{L}\s-]+)`)
	krishaLivingRegex   = regexp.MustCompile(`жилая\s*[\x{2014}\x{2013}-]\s*([\d.,]+)`)
	krishaKitchenRegex  = regexp.MustCompile(`кухня\s*[\x{2014}\x{2013}-]\s*([\d.,]+)`)
)

var krishaEndMarkers = []string{"ничего не найдено", "Попробуйте изменить параметры поиска"}

// KrishaAdapter crawls Krisha.kz with colly. Detail pages are parsed through
// the goquery DOM colly exposes.
type KrishaAdapter struct {
	siteBase
	collector *colly.Collector
}

func NewKrishaAdapter(siteCfg *config.SiteConfig, deps Deps) *KrishaAdapter {
	c := colly.NewCollector(
		colly.UserAgent(httputil.UserAgent()),
		colly.AllowURLRevisit(),
	)
	if deps.Client != nil {
		if deps.Client.Transport != nil {
			c.WithTransport(deps.Client.Transport)
		}
		if deps.Client.Timeout > 0 {
			c.SetRequestTimeout(deps.Client.Timeout)
		}
	}
	return &KrishaAdapter{
		siteBase:  newSiteBase(siteCfg, deps),
		collector: c,
	}
}

func (a *KrishaAdapter) Fetch(ctx context.Context, baseURL string, pageCount int, onProgress func(models.Event)) ([]models.RawListing, error) {
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

		var links []string
		exhausted := false
		err := a.visit(ctx, pageURL, func(c *colly.Collector) {
			links = links[:0]
			exhausted = false
			c.OnHTML("div.a-card.a-storage-item", func(e *colly.HTMLElement) {
				href := strings.TrimSpace(e.ChildAttr("a.a-card__title", "href"))
				if href == "" {
					return
				}
				links = append(links, e.Request.AbsoluteURL(href))
			})
			c.OnHTML("body", func(e *colly.HTMLElement) {
				for _, marker := range krishaEndMarkers {
					if strings.Contains(e.Text, marker) {
						exhausted = true
					}
				}
			})
		})
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

		links = uniqueHTTP(links)
		if len(links) == 0 {
			msg := fmt.Sprintf("%s: no listings found on page %d.", name, page)
			if exhausted && page > 1 {
				msg = fmt.Sprintf("%s: no more results after page %d.", name, page-1)
			}
			emit(models.Event{Message: msg, Error: page == 1})
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

// visit loads rawURL on a clone of the base collector, retrying transient
// failures. register attaches the callbacks for one attempt.
func (a *KrishaAdapter) visit(ctx context.Context, rawURL string, register func(c *colly.Collector)) error {
	return a.retry.Do(ctx, "fetch "+rawURL, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := a.collector.Clone()
		c.OnRequest(func(r *colly.Request) {
			r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			r.Headers.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
		})

		var status int
		c.OnError(func(r *colly.Response, err error) {
			if r != nil {
				status = r.StatusCode
			}
		})
		register(c)

		if err := c.Visit(rawURL); err != nil {
			if status >= 400 {
				return &httputil.StatusError{URL: rawURL, Code: status}
			}
			return err
		}
		return nil
	})
}

func (a *KrishaAdapter) fetchDetail(ctx context.Context, link string, emit func(models.Event)) *models.RawListing {
	name := a.site.Name

	var l *models.RawListing
	var imageURLs []string
	err := a.visit(ctx, link, func(c *colly.Collector) {
		c.OnHTML("html", func(e *colly.HTMLElement) {
			l, imageURLs = parseKrishaDetail(e.DOM, link, e.Request.AbsoluteURL)
		})
	})
	if err != nil {
		emit(models.Event{Message: fmt.Sprintf("%s: failed to load %s: %v", name, link, err), Error: true})
		return nil
	}
	if l == nil {
		emit(models.Event{Message: fmt.Sprintf("%s: empty page %s, skipped.", name, link), Error: true})
		return nil
	}

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

// parseKrishaDetail extracts the listing fields and photo URLs from an offer
// page. abs resolves relative URLs against the page.
func parseKrishaDetail(doc *goquery.Selection, link string, abs func(string) string) (*models.RawListing, []string) {
	l := &models.RawListing{Link: link}
	if m := krishaIDRegex.FindStringSubmatch(link); m != nil {
		l.ExternalID = m[1]
	}

	l.Title = optional(doc.Find("div.offer__advert-title h1, h1.offer__advert-title, h1.a-title__text").First().Text())
	l.Price = optional(doc.Find("div.offer__price").First().Text())

	loc := doc.Find("div.offer__location").First()
	if loc.Length() > 0 {
		var parts []string
		loc.Find("span, div").Each(func(_ int, s *goquery.Selection) {
			if s.Children().Length() == 0 {
				if t := identity.CleanText(s.Text()); t != "" {
					parts = append(parts, t)
				}
			}
		})
		if len(parts) == 0 {
			parts = strings.Split(identity.CleanText(loc.Text()), ",")
		}
		addr := identity.CleanText(strings.Join(trimAll(parts), ", "))
		l.Address = optional(addr)
		split := trimAll(strings.Split(addr, ","))
		if len(split) > 1 {
			l.Street = optional(split[1])
		}
		if m := krishaDistrictRegex.FindStringSubmatch(addr); m != nil {
			l.District = optional(m[1])
		}
	}

	if desc := strings.TrimSpace(blockText(doc.Find("div.offer__description").First())); desc != "" {
		l.Description = &desc
	}

	doc.Find("div.offer__info-item").Each(func(_ int, item *goquery.Selection) {
		divs := item.ChildrenFiltered("div")
		if divs.Length() < 2 {
			return
		}
		dataName := item.AttrOr("data-name", "")
		key := strings.ToLower(identity.CleanText(divs.Eq(0).Text()))
		value := identity.CleanText(divs.Eq(1).Text())
		if value == "" {
			return
		}
		applyKrishaParam(l, dataName, key, value)
	})

	var imageURLs []string
	doc.Find("div.gallery__main img, div.gallery__preview-item img").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("data-src", "")
		if src == "" {
			src = img.AttrOr("src", "")
		}
		if src = strings.TrimSpace(src); src != "" {
			imageURLs = append(imageURLs, abs(src))
		}
	})

	return l, uniqueHTTP(imageURLs)
}

func applyKrishaParam(l *models.RawListing, dataName, key, value string) {
	v := value
	switch {
	case key == "жилая площадь":
		l.LivingArea = &v
	case key == "площадь кухни":
		l.KitchenArea = &v
	case dataName == "live.square" || dataName == "total-square" || strings.Contains(key, "площадь"):
		l.Area = &v
		if m := krishaLivingRegex.FindStringSubmatch(v); m != nil && l.LivingArea == nil {
			l.LivingArea = optional(m[1])
		}
		if m := krishaKitchenRegex.FindStringSubmatch(v); m != nil && l.KitchenArea == nil {
			l.KitchenArea = optional(m[1])
		}
	case dataName == "flat.floor" || key == "этаж":
		floor, total, found := strings.Cut(v, " из ")
		l.Floor = optional(floor)
		if found {
			l.TotalFloors = optional(total)
		}
	case dataName == "house.year" || key == "год постройки":
		l.YearBuilt = optional(yearRegex.FindString(v))
	case key == "планировка":
		l.Layout = &v
	case dataName == "flat.renovation" || key == "состояние" || key == "ремонт":
		l.Condition = &v
	case dataName == "flat.building" || key == "тип строения" || key == "материал стен" || key == "тип дома":
		l.Material = &v
	case key == "балкон":
		l.Balcony = &v
	case strings.HasPrefix(key, "углов"):
		l.Corner = &v
	}
}

func trimAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(identity.CleanText(p), ","); p != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}
