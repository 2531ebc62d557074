package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"estate_ingest/models"
	"estate_ingest/storage"
)

func newStore(t *testing.T) *storage.GormStore {
	t.Helper()
	store, err := storage.NewGormStore(filepath.Join(t.TempDir(), "canonical.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SeedRoles(context.Background()); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	return store
}

func str(s string) *string { return &s }

func listing(id, price string) models.RawListing {
	return models.RawListing{
		Source:      "krisha",
		ExternalID:  id,
		Link:        "https://krisha.kz/a/show/" + id,
		Title:       str("2-комнатная квартира, 54 м², 5/9 этаж"),
		Price:       str(price),
		Area:        str("54 м²"),
		Floor:       str("5"),
		TotalFloors: str("9"),
		District:    str("Алмалинский р-н"),
		SellerPhone: str("8 (701) 123-45-67"),
	}
}

type eventLog struct {
	events []models.Event
}

func (l *eventLog) report(ev models.Event) { l.events = append(l.events, ev) }

func (l *eventLog) contains(substr string) bool {
	for _, ev := range l.events {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

func mustMerge(t *testing.T, engine *MergeEngine, listings ...models.RawListing) models.Summary {
	t.Helper()
	summary, err := engine.Merge(context.Background(), listings, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return summary
}

func TestMerge_ReingestUpdatesWithOneHistoryRow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)

	first := mustMerge(t, engine, listing("123", "25 000 000 〒"))
	second := mustMerge(t, engine, listing("123", "26 000 000 〒"))

	if first != (models.Summary{Added: 1}) {
		t.Fatalf("unexpected first summary %+v", first)
	}
	if second != (models.Summary{Updated: 1}) {
		t.Fatalf("unexpected second summary %+v", second)
	}

	p, err := store.GetProperty(ctx, "krisha", "123")
	if err != nil || p == nil {
		t.Fatalf("get property: %v", err)
	}
	if p.Price == nil || *p.Price != 26000000 {
		t.Fatalf("expected price 26000000, got %v", p.Price)
	}
	if p.SellerPhone == nil || *p.SellerPhone != "+77011234567" {
		t.Fatalf("expected normalized phone, got %v", p.SellerPhone)
	}
	if p.Floor == nil || *p.Floor != 5 || p.Area == nil || *p.Area != 54 {
		t.Fatalf("unexpected numeric fields %+v", p.PropertyFields)
	}

	history, _ := store.ListHistory(ctx, p.ID)
	if len(history) != 1 {
		t.Fatalf("expected exactly one history row, got %+v", history)
	}
	h := history[0]
	if h.FieldName != "price" || *h.OldValue != "25000000" || *h.NewValue != "26000000" {
		t.Fatalf("unexpected history row %+v", h)
	}
}

func TestMerge_SameListingTwiceInOneBatch(t *testing.T) {
	store := newStore(t)
	engine := NewMergeEngine(store)

	summary := mustMerge(t, engine, listing("9", "100"), listing("9", "200"))
	if summary != (models.Summary{Added: 1, Updated: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	var count int64
	store.DB().Model(&models.Property{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one property, got %d", count)
	}
}

func TestMerge_UnparseablePriceBecomesUnknown(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)
	events := &eventLog{}

	summary, err := engine.Merge(ctx, []models.RawListing{listing("77", "N/A")}, events.report)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if summary != (models.Summary{Added: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	p, _ := store.GetProperty(ctx, "krisha", "77")
	if p == nil || p.Price != nil {
		t.Fatalf("expected stored property with null price, got %+v", p)
	}
	if !events.contains(`price "N/A"`) {
		t.Fatal("expected a warning about the price")
	}
}

func TestMerge_SkipsMissingLinkAndTitle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)

	noLink := listing("1", "100")
	noLink.Link = ""
	noTitle := listing("2", "100")
	noTitle.Title = str("   ")
	noID := listing("", "100")

	summary := mustMerge(t, engine, noLink, noTitle, noID)
	if summary != (models.Summary{Skipped: 3}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, id := range []string{"1", "2"} {
		if p, _ := store.GetProperty(ctx, "krisha", id); p != nil {
			t.Fatalf("listing %s should not be stored", id)
		}
	}
}

func TestMerge_HistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)

	mustMerge(t, engine, listing("5", "100"))
	mustMerge(t, engine, listing("5", "200"))
	mustMerge(t, engine, listing("5", "300"))

	p, _ := store.GetProperty(ctx, "krisha", "5")
	history, _ := store.ListHistory(ctx, p.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if *history[0].OldValue != "100" || *history[0].NewValue != "200" {
		t.Fatalf("first row was rewritten: %+v", history[0])
	}
	if *history[1].OldValue != "200" || *history[1].NewValue != "300" {
		t.Fatalf("unexpected second row %+v", history[1])
	}
}

func TestMerge_UnknownValuesDoNotEraseStoredOnes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)

	mustMerge(t, engine, listing("8", "100"))
	sparse := listing("8", "N/A")
	sparse.District = nil
	sparse.SellerPhone = nil
	mustMerge(t, engine, sparse)

	p, _ := store.GetProperty(ctx, "krisha", "8")
	if p.Price == nil || *p.Price != 100 {
		t.Fatalf("price was erased: %v", p.Price)
	}
	if p.District == nil || p.SellerPhone == nil {
		t.Fatalf("district or phone was erased: %+v", p.PropertyFields)
	}
	history, _ := store.ListHistory(ctx, p.ID)
	if len(history) != 0 {
		t.Fatalf("expected no history, got %+v", history)
	}
}

func TestMerge_ImagesAreReplacedAsAWhole(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(store)

	first := listing("3", "100")
	for i := 0; i < 12; i++ {
		first.Images = append(first.Images, models.RawImage{
			Filename: fmt.Sprintf("p%d.jpg", i),
			MimeType: "image/jpeg",
			Data:     []byte{byte(i), 1, 2},
		})
	}
	mustMerge(t, engine, first)

	p, _ := store.GetProperty(ctx, "krisha", "3")
	images, _ := store.ListImages(ctx, p.ID)
	if len(images) != maxImagesPerListing {
		t.Fatalf("expected image cap %d, got %d", maxImagesPerListing, len(images))
	}
	if images[0].ContentHash == "" {
		t.Fatal("expected content hash")
	}

	second := listing("3", "100")
	second.Images = []models.RawImage{{Data: []byte{9, 9}, MimeType: "image/png"}}
	mustMerge(t, engine, second)
	images, _ = store.ListImages(ctx, p.ID)
	if len(images) != 1 || images[0].Filename != "image_1.png" {
		t.Fatalf("expected single replacement image, got %+v", images)
	}

	mustMerge(t, engine, listing("3", "100"))
	images, _ = store.ListImages(ctx, p.ID)
	if len(images) != 1 {
		t.Fatalf("empty incoming set should keep images, got %d", len(images))
	}
}

func TestMerge_AttributesNewListingsToAdmin(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	admin, err := store.CreateUser(ctx, "admin", "admin@example.kz", models.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	engine := NewMergeEngine(store)

	mustMerge(t, engine, listing("4", "100"))
	mustMerge(t, engine, listing("4", "150"))

	p, _ := store.GetProperty(ctx, "krisha", "4")
	if p.AddedByUserID == nil || *p.AddedByUserID != admin.ID {
		t.Fatalf("expected added_by %d, got %v", admin.ID, p.AddedByUserID)
	}
	history, _ := store.ListHistory(ctx, p.ID)
	if len(history) != 1 || history[0].UserID == nil || *history[0].UserID != admin.ID {
		t.Fatalf("expected history attributed to admin, got %+v", history)
	}
}

// faultyStore wraps a real store and injects failures.
type faultyStore struct {
	storage.CanonicalStore
	failCreate string
	failCommit bool
	failActor  bool
}

func (s *faultyStore) Begin(ctx context.Context) (storage.CanonicalTx, error) {
	tx, err := s.CanonicalStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{CanonicalTx: tx, store: s}, nil
}

// faultyTx refuses further statements after a failed query until the
// transaction is rolled back to a savepoint, as PostgreSQL does.
type faultyTx struct {
	storage.CanonicalTx
	store   *faultyStore
	aborted bool
}

var errTxAborted = errors.New("current transaction is aborted")

func (t *faultyTx) DefaultActor(ctx context.Context) (*int64, error) {
	if t.aborted {
		return nil, errTxAborted
	}
	if t.store.failActor {
		t.aborted = true
		return nil, errors.New("relation \"roles\" does not exist")
	}
	return t.CanonicalTx.DefaultActor(ctx)
}

func (t *faultyTx) Savepoint(ctx context.Context, name string) error {
	if t.aborted {
		return errTxAborted
	}
	return t.CanonicalTx.Savepoint(ctx, name)
}

func (t *faultyTx) RollbackTo(ctx context.Context, name string) error {
	if err := t.CanonicalTx.RollbackTo(ctx, name); err != nil {
		return err
	}
	t.aborted = false
	return nil
}

func (t *faultyTx) FindProperty(ctx context.Context, source, externalID string) (*models.Property, error) {
	if t.aborted {
		return nil, errTxAborted
	}
	return t.CanonicalTx.FindProperty(ctx, source, externalID)
}

func (t *faultyTx) CreateProperty(ctx context.Context, p *models.Property) error {
	if t.aborted {
		return errTxAborted
	}
	if p.ExternalID == t.store.failCreate {
		// Write something first so the savepoint rollback has work to undo.
		if err := t.CanonicalTx.CreateProperty(ctx, p); err != nil {
			return err
		}
		return errors.New("constraint violation")
	}
	return t.CanonicalTx.CreateProperty(ctx, p)
}

func (t *faultyTx) Commit(ctx context.Context) error {
	if t.store.failCommit {
		return errors.New("disk full")
	}
	return t.CanonicalTx.Commit(ctx)
}

func TestMerge_IsolatesPerListingErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(&faultyStore{CanonicalStore: store, failCreate: "bad"})
	events := &eventLog{}

	summary, err := engine.Merge(ctx, []models.RawListing{
		listing("a", "100"), listing("bad", "100"), listing("c", "100"),
	}, events.report)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if summary != (models.Summary{Added: 2, Errors: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if p, _ := store.GetProperty(ctx, "krisha", "bad"); p != nil {
		t.Fatal("failed listing should be rolled back")
	}
	for _, id := range []string{"a", "c"} {
		if p, _ := store.GetProperty(ctx, "krisha", id); p == nil {
			t.Fatalf("listing %s should be stored", id)
		}
	}

	var sawError bool
	for _, ev := range events.events {
		if ev.Error {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error event")
	}
}

func TestMerge_FailedActorLookupKeepsBatchUsable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(&faultyStore{CanonicalStore: store, failActor: true})
	events := &eventLog{}

	summary, err := engine.Merge(ctx, []models.RawListing{
		listing("a", "100"), listing("b", "200"),
	}, events.report)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if summary != (models.Summary{Added: 2}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !events.contains("Could not look up admin user") {
		t.Fatal("expected an actor lookup error event")
	}
	p, err := store.GetProperty(ctx, "krisha", "a")
	if err != nil || p == nil {
		t.Fatalf("listing a should be stored: %v", err)
	}
	if p.AddedByUserID != nil {
		t.Fatalf("expected unattributed listing, got user %d", *p.AddedByUserID)
	}
}

func TestMerge_CommitFailureReportsAllErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	engine := NewMergeEngine(&faultyStore{CanonicalStore: store, failCommit: true})

	summary, err := engine.Merge(ctx, []models.RawListing{
		listing("a", "100"), listing("b", "100"), listing("", "100"),
	}, nil)
	if err == nil {
		t.Fatal("expected commit error")
	}
	if summary != (models.Summary{Errors: 3}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if p, _ := store.GetProperty(ctx, "krisha", "a"); p != nil {
		t.Fatal("nothing should be persisted after a failed commit")
	}
}

func TestMerge_EmptyBatch(t *testing.T) {
	engine := NewMergeEngine(newStore(t))
	summary := mustMerge(t, engine)
	if summary != (models.Summary{}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
