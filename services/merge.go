package services

import (
	"context"
	"fmt"
	"log"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"estate_ingest/identity"
	"estate_ingest/models"
	"estate_ingest/storage"
)

const maxImagesPerListing = 10

// MergeEngine turns raw listings into canonical records inside one batch transaction.
type MergeEngine struct {
	store storage.CanonicalStore
	now   func() time.Time
}

func NewMergeEngine(store storage.CanonicalStore) *MergeEngine {
	return &MergeEngine{store: store, now: time.Now}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdded
	outcomeUpdated
)

// Merge processes listings in order. Per-listing persistence failures are
// rolled back to that listing's savepoint and counted; a failed commit discards
// the whole batch and reports every listing as an error.
func (e *MergeEngine) Merge(ctx context.Context, listings []models.RawListing, report func(models.Event)) (models.Summary, error) {
	if report == nil {
		report = func(models.Event) {}
	}

	var summary models.Summary
	total := len(listings)
	if total == 0 {
		report(models.Event{Message: "No data to process.", Progress: 1})
		return summary, nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return models.Summary{Errors: total}, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	actor, err := lookupActor(ctx, tx)
	if err != nil {
		log.Printf("Warning: %v", err)
		report(models.Event{Message: fmt.Sprintf("Could not look up admin user: %v", err), Error: true})
	} else if actor == nil {
		report(models.Event{Message: "Warning: admin user not found, new listings will be unattributed."})
	}

	for i := range listings {
		if err := ctx.Err(); err != nil {
			return models.Summary{Errors: total}, fmt.Errorf("merge cancelled: %w", err)
		}

		raw := &listings[i]
		title := identity.CleanText(deref(raw.Title))
		report(models.Event{
			Task:     fmt.Sprintf("Processing %d/%d: %s...", i+1, total, clip(orNA(title), 30)),
			Message:  fmt.Sprintf("Processing %s ID: %s", raw.Source, orNA(raw.ExternalID)),
			Progress: float64(i+1) / float64(total),
		})

		res, err := e.mergeOne(ctx, tx, i, raw, actor, report)
		if err != nil {
			summary.Errors++
			log.Printf("Warning: merge %s/%s: %v", raw.Source, raw.ExternalID, err)
			report(models.Event{Message: fmt.Sprintf("Database error for %s: %v", orNA(raw.ExternalID), err), Error: true})
			continue
		}
		switch res {
		case outcomeAdded:
			summary.Added++
		case outcomeUpdated:
			summary.Updated++
		default:
			summary.Skipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		report(models.Event{
			Message: fmt.Sprintf("Critical error: could not save changes: %v. All changes in this batch were discarded.", err),
			Error:   true,
		})
		return models.Summary{Errors: total}, fmt.Errorf("commit batch: %w", err)
	}

	report(models.Event{Message: "All successful changes saved.", Progress: 1})
	return summary, nil
}

// lookupActor resolves the default actor inside its own savepoint. A failed
// lookup is rolled back and leaves the batch transaction usable.
func lookupActor(ctx context.Context, tx storage.CanonicalTx) (*int64, error) {
	const sp = "actor_lookup"
	if err := tx.Savepoint(ctx, sp); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	actor, err := tx.DefaultActor(ctx)
	if err != nil {
		if rbErr := tx.RollbackTo(ctx, sp); rbErr != nil {
			return nil, fmt.Errorf("%v (rollback: %v)", err, rbErr)
		}
		tx.Release(ctx, sp)
		return nil, err
	}
	if err := tx.Release(ctx, sp); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	return actor, nil
}

func (e *MergeEngine) mergeOne(ctx context.Context, tx storage.CanonicalTx, idx int, raw *models.RawListing, actor *int64, report func(models.Event)) (outcome, error) {
	externalID := strings.TrimSpace(raw.ExternalID)
	link := strings.TrimSpace(raw.Link)
	title := identity.CleanText(deref(raw.Title))

	if externalID == "" || link == "" {
		report(models.Event{Message: fmt.Sprintf("Warning: skipped (no external id or link): %s", clip(orNA(title), 30))})
		return outcomeSkipped, nil
	}
	if title == "" {
		report(models.Event{Message: fmt.Sprintf("Warning: skipped %s (%s): missing title.", externalID, raw.Source)})
		return outcomeSkipped, nil
	}

	fields := e.normalize(raw, report)
	images := convertImages(raw.Images)
	sp := fmt.Sprintf("listing_%d", idx)
	if err := tx.Savepoint(ctx, sp); err != nil {
		return outcomeSkipped, fmt.Errorf("savepoint: %w", err)
	}

	res, err := e.persist(ctx, tx, raw.Source, externalID, link, fields, images, actor, report)
	if err != nil {
		if rbErr := tx.RollbackTo(ctx, sp); rbErr != nil {
			return outcomeSkipped, fmt.Errorf("%v (rollback: %v)", err, rbErr)
		}
		tx.Release(ctx, sp)
		return outcomeSkipped, err
	}
	if err := tx.Release(ctx, sp); err != nil {
		return outcomeSkipped, fmt.Errorf("release savepoint: %w", err)
	}
	return res, nil
}

func (e *MergeEngine) persist(ctx context.Context, tx storage.CanonicalTx, source, externalID, link string,
	fields models.PropertyFields, images []models.PropertyImage, actor *int64, report func(models.Event)) (outcome, error) {
	now := e.now()

	existing, err := tx.FindProperty(ctx, source, externalID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("find property: %w", err)
	}

	if existing == nil {
		p := &models.Property{
			Source:         source,
			ExternalID:     externalID,
			Link:           link,
			AddedByUserID:  actor,
			LastIngestedAt: &now,
			PropertyFields: fields,
			Images:         images,
		}
		if err := tx.CreateProperty(ctx, p); err != nil {
			return outcomeSkipped, err
		}
		report(models.Event{Message: fmt.Sprintf("Added new: %s (Ext. ID: %s)", p.Title, externalID)})
		return outcomeAdded, nil
	}

	changes := applyChanges(&existing.PropertyFields, &fields)
	if existing.Link != link {
		old := existing.Link
		changes = append(changes, fieldChange{name: "link", oldValue: nonEmpty(old), newValue: &link})
		existing.Link = link
	}
	existing.LastIngestedAt = &now

	if err := tx.UpdateProperty(ctx, existing); err != nil {
		return outcomeSkipped, err
	}

	history := make([]models.PropertyHistory, 0, len(changes))
	names := make([]string, 0, len(changes)+1)
	for _, c := range changes {
		history = append(history, models.PropertyHistory{
			PropertyID: existing.ID,
			UserID:     actor,
			Timestamp:  now,
			FieldName:  c.name,
			OldValue:   c.oldValue,
			NewValue:   c.newValue,
		})
		names = append(names, c.name)
	}
	if err := tx.AppendHistory(ctx, history); err != nil {
		return outcomeSkipped, err
	}

	if len(images) > 0 {
		if err := tx.ReplaceImages(ctx, existing.ID, images); err != nil {
			return outcomeSkipped, err
		}
		report(models.Event{Message: fmt.Sprintf("Replaced photos (%d) for ID %s.", len(images), externalID)})
		names = append(names, "images")
	}

	changed := "no changes"
	if len(names) > 0 {
		changed = strings.Join(names, ", ")
	}
	report(models.Event{Message: fmt.Sprintf("Updated: %s (ID %d). Fields: %s.", existing.Title, existing.ID, changed)})
	return outcomeUpdated, nil
}

// normalize cleans text slots, coerces numeric ones and canonicalizes the phone.
// Numbers that cannot be parsed become unknown and are reported.
func (e *MergeEngine) normalize(raw *models.RawListing, report func(models.Event)) models.PropertyFields {
	f := models.PropertyFields{
		Title:       clip(identity.CleanText(deref(raw.Title)), 200),
		Address:     cleanSlot(raw.Address, 255),
		Street:      cleanSlot(raw.Street, 128),
		HouseNumber: cleanSlot(raw.HouseNumber, 32),
		District:    cleanSlot(raw.District, 64),
		Category:    cleanSlot(raw.Category, 32),
		Status:      cleanSlot(raw.Status, 32),
		Layout:      cleanSlot(raw.Layout, 100),
		Material:    cleanSlot(raw.Material, 32),
		LivingArea:  cleanSlot(raw.LivingArea, 16),
		KitchenArea: cleanSlot(raw.KitchenArea, 16),
		Balcony:     cleanSlot(raw.Balcony, 16),
		Corner:      cleanSlot(raw.Corner, 16),
		Condition:   cleanSlot(raw.Condition, 64),
		YearBuilt:   cleanSlot(raw.YearBuilt, 16),
		Description: descriptionSlot(raw.Description),
	}

	coerceFloat := func(name string, src *string) *float64 {
		if src == nil || strings.TrimSpace(*src) == "" {
			return nil
		}
		v, err := ParseFloat(*src)
		if err != nil {
			report(models.Event{Message: fmt.Sprintf("Warning: %s %q for ID %s is not a number, stored as unknown.", name, *src, orNA(raw.ExternalID))})
			return nil
		}
		return &v
	}
	coerceInt := func(name string, src *string) *int {
		if src == nil || strings.TrimSpace(*src) == "" {
			return nil
		}
		v, err := ParseInt(*src)
		if err != nil {
			report(models.Event{Message: fmt.Sprintf("Warning: %s %q for ID %s is not a number, stored as unknown.", name, *src, orNA(raw.ExternalID))})
			return nil
		}
		return &v
	}

	f.Price = coerceFloat("price", raw.Price)
	f.Area = coerceFloat("area", raw.Area)
	f.Floor = coerceInt("floor", raw.Floor)
	f.TotalFloors = coerceInt("total_floors", raw.TotalFloors)

	if raw.SellerPhone != nil {
		if phone, _ := identity.NormalizePhone(*raw.SellerPhone); phone != "" {
			f.SellerPhone = &phone
		}
	}
	return f
}

func convertImages(raw []models.RawImage) []models.PropertyImage {
	var images []models.PropertyImage
	for i, img := range raw {
		if len(images) == maxImagesPerListing {
			break
		}
		if len(img.Data) == 0 {
			continue
		}
		hash := identity.ContentHash(img.Data)
		name := img.Filename
		if name == "" {
			name = fmt.Sprintf("image_%d%s", i+1, extensionFor(img.MimeType))
		}
		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = mime.TypeByExtension(strings.ToLower(path.Ext(name)))
		}
		images = append(images, models.PropertyImage{
			Data:        img.Data,
			Filename:    clip(name, 255),
			MimeType:    clip(mimeType, 50),
			ContentHash: hash,
		})
	}
	return images
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

func cleanSlot(s *string, limit int) *string {
	if s == nil {
		return nil
	}
	v := clip(identity.CleanText(*s), limit)
	if v == "" {
		return nil
	}
	return &v
}

// descriptionSlot keeps line breaks, only trimming the ends.
func descriptionSlot(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(strings.ReplaceAll(*s, "\u00a0", " "))
	if v == "" {
		return nil
	}
	return &v
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
