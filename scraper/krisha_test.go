package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newKrishaServer(t *testing.T) *httptest.Server {
	t.Helper()
	list := loadFixture(t, "krisha_list.html")
	empty := loadFixture(t, "krisha_empty.html")

	mux := http.NewServeMux()
	mux.HandleFunc("/prodazha/kvartiry/", func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Query().Get("page"); p != "" && p != "1" {
			serveHTML(empty)(w, r)
			return
		}
		serveHTML(list)(w, r)
	})
	mux.HandleFunc("/a/show/700111", serveHTML(loadFixture(t, "krisha_detail.html")))
	mux.HandleFunc("/a/show/700222", http.NotFound)
	mux.HandleFunc("/img/", serveImages)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKrishaAdapter_Fetch(t *testing.T) {
	srv := newKrishaServer(t)
	adapter := NewKrishaAdapter(testSite("krisha", "krisha"), Deps{Client: srv.Client()})

	var events eventLog
	listings, err := adapter.Fetch(context.Background(), srv.URL+"/prodazha/kvartiry/?das[who]=1", 2, events.add)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}

	l := listings[0]
	if l.Source != "krisha" || l.ExternalID != "700111" {
		t.Fatalf("unexpected identity %s/%s", l.Source, l.ExternalID)
	}
	if got := strOrNil(l.Title); got != "2-комнатная квартира, 54 м², 5/9 этаж" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := strOrNil(l.Price); got != "25 000 000 〒" {
		t.Fatalf("unexpected price %q", got)
	}
	if got := strOrNil(l.Address); got != "Петропавловск, Жумабаева 100, р-н Северный" {
		t.Fatalf("unexpected address %q", got)
	}
	if strOrNil(l.Street) != "Жумабаева 100" || strOrNil(l.District) != "Северный" {
		t.Fatalf("unexpected street/district %q %q", strOrNil(l.Street), strOrNil(l.District))
	}
	if strOrNil(l.Floor) != "5" || strOrNil(l.TotalFloors) != "9" {
		t.Fatalf("unexpected floor %q/%q", strOrNil(l.Floor), strOrNil(l.TotalFloors))
	}
	if strOrNil(l.LivingArea) != "30" || strOrNil(l.KitchenArea) != "9" {
		t.Fatalf("unexpected living/kitchen %q %q", strOrNil(l.LivingArea), strOrNil(l.KitchenArea))
	}
	if strOrNil(l.Material) != "панельный" || strOrNil(l.YearBuilt) != "1985" || strOrNil(l.Condition) != "свежий ремонт" {
		t.Fatalf("unexpected details %q %q %q", strOrNil(l.Material), strOrNil(l.YearBuilt), strOrNil(l.Condition))
	}
	if got := strOrNil(l.Description); got != "Продается теплая квартира.\nТорг уместен." {
		t.Fatalf("unexpected description %q", got)
	}

	// data-src wins over the thumbnail src.
	if len(l.Images) != 2 || l.Images[1].Filename != "krisha-2.jpg" {
		t.Fatalf("unexpected images %+v", l.Images)
	}

	if ev, ok := events.find("failed to load"); !ok || !ev.Error {
		t.Fatal("expected an error event for the missing offer")
	}
	if ev, ok := events.find("no more results after page 1"); !ok || ev.Error {
		t.Fatalf("expected end-of-results event, got %+v", ev)
	}
}

func TestKrishaAdapter_EmptyFirstPageWarns(t *testing.T) {
	srv := newKrishaServer(t)
	adapter := NewKrishaAdapter(testSite("krisha", "krisha"), Deps{Client: srv.Client()})

	var events eventLog
	listings, err := adapter.Fetch(context.Background(), srv.URL+"/prodazha/kvartiry/?page=5", 1, events.add)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(listings) != 0 {
		t.Fatalf("expected no listings, got %d", len(listings))
	}
	if events.errors() != 1 {
		t.Fatalf("expected exactly one error event, got %d", events.errors())
	}
}
