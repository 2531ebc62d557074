package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"estate_ingest/config"
	"estate_ingest/models"
)

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func serveHTML(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(body)
	}
}

// serveImages answers /img/* with a tiny JPEG, except paths containing "missing".
func serveImages(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "missing") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpegBytes)
}

func testSite(id, handler string) *config.SiteConfig {
	return &config.SiteConfig{
		ID:        id,
		Name:      id + ".test",
		Handler:   handler,
		MaxImages: 10,
		Pages:     1,
	}
}

type eventLog struct {
	events []models.Event
}

func (l *eventLog) add(ev models.Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) find(substr string) (models.Event, bool) {
	for _, ev := range l.events {
		if strings.Contains(ev.Message, substr) {
			return ev, true
		}
	}
	return models.Event{}, false
}

func (l *eventLog) errors() int {
	n := 0
	for _, ev := range l.events {
		if ev.Error {
			n++
		}
	}
	return n
}

func TestPageURL(t *testing.T) {
	cases := []struct {
		base string
		page int
		want string
	}{
		{"https://krisha.kz/prodazha/kvartiry/", 1, "https://krisha.kz/prodazha/kvartiry/"},
		{"https://krisha.kz/prodazha/kvartiry/", 2, "https://krisha.kz/prodazha/kvartiry/?page=2"},
		{"https://www.olx.kz/list/?search=1", 3, "https://www.olx.kz/list/?search=1&page=3"},
	}
	for _, c := range cases {
		if got := PageURL(c.base, c.page); got != c.want {
			t.Fatalf("PageURL(%q, %d) = %q, want %q", c.base, c.page, got, c.want)
		}
	}
}

func TestPhaseFraction(t *testing.T) {
	if got := phaseFraction(1, 2, 0, 0); got != 0 {
		t.Fatalf("start of page 1 = %v", got)
	}
	if got := phaseFraction(1, 2, 2, 4); got != 0.25 {
		t.Fatalf("half of page 1 of 2 = %v, want 0.25", got)
	}
	if got := phaseFraction(2, 2, 4, 4); got != 1 {
		t.Fatalf("end of last page = %v, want 1", got)
	}
}

func TestNewAdapter_UnknownHandler(t *testing.T) {
	if _, err := NewAdapter(testSite("x", "ftp"), Deps{}); err == nil {
		t.Fatal("expected error for unknown handler")
	}
	a, err := NewAdapter(testSite("olx", "olx"), Deps{})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	if a.ID() != "olx" {
		t.Fatalf("ID() = %s", a.ID())
	}
}

func TestImageFilename(t *testing.T) {
	if got := imageFilename("https://cdn.example.com/photos/abc.webp?w=800", 1); got != "abc.webp" {
		t.Fatalf("got %s", got)
	}
	if got := imageFilename("https://cdn.example.com/photos/abc", 3); got != "image_3" {
		t.Fatalf("got %s", got)
	}
}

// failingFirstPage answers page 1 with a 500 and later pages with empty,
// recording when each listing page was requested.
type failingFirstPage struct {
	mu    sync.Mutex
	empty []byte
	hits  []time.Time
}

func (f *failingFirstPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits = append(f.hits, time.Now())
	f.mu.Unlock()
	if p := r.URL.Query().Get("page"); p == "" || p == "1" {
		http.Error(w, "upstream down", http.StatusInternalServerError)
		return
	}
	serveHTML(f.empty)(w, r)
}

func (f *failingFirstPage) requests() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.hits...)
}

func TestAdapters_WaitPageDelayAfterFailedPage(t *testing.T) {
	const delay = 80 * time.Millisecond

	for _, handler := range []string{"olx", "krisha"} {
		t.Run(handler, func(t *testing.T) {
			pages := &failingFirstPage{empty: loadFixture(t, handler+"_empty.html")}
			srv := httptest.NewServer(pages)
			defer srv.Close()

			site := testSite(handler, handler)
			site.PageDelayMS = int(delay / time.Millisecond)
			adapter, err := NewAdapter(site, Deps{Client: srv.Client()})
			if err != nil {
				t.Fatalf("NewAdapter: %v", err)
			}

			var events eventLog
			if _, err := adapter.Fetch(context.Background(), srv.URL+"/list/", 2, events.add); err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if _, ok := events.find("failed to load page 1"); !ok {
				t.Fatalf("expected a page 1 failure event, got %+v", events.events)
			}

			hits := pages.requests()
			if len(hits) != 2 {
				t.Fatalf("expected 2 listing page requests, got %d", len(hits))
			}
			if gap := hits[1].Sub(hits[0]); gap < delay {
				t.Fatalf("page 2 requested %v after the failed page 1, want at least %v", gap, delay)
			}
		})
	}
}
