package storage

import (
	"context"
	"errors"
	"fmt"

	"estate_ingest/models"
)

// DefaultRoles are seeded into an empty canonical store.
var DefaultRoles = []string{models.RoleAdmin, "Agent", "User"}

// ErrDuplicateListing is returned when a create collides with an existing
// (source, external_id) pair.
var ErrDuplicateListing = errors.New("duplicate listing for source and external id")

// CanonicalStore owns the property, image and history tables.
type CanonicalStore interface {
	// Begin opens the unit of work for one merge batch.
	Begin(ctx context.Context) (CanonicalTx, error)
	SeedRoles(ctx context.Context) error
	GetProperty(ctx context.Context, source, externalID string) (*models.Property, error)
	ListHistory(ctx context.Context, propertyID int64) ([]models.PropertyHistory, error)
	ListImages(ctx context.Context, propertyID int64) ([]models.PropertyImage, error)
	PendingImageMirrors(ctx context.Context, limit int) ([]models.PropertyImage, error)
	MarkImageMirrored(ctx context.Context, imageID int64, key string) error
	Close() error
}

// CanonicalTx is a batch transaction. Savepoints isolate single listings inside it.
type CanonicalTx interface {
	DefaultActor(ctx context.Context) (*int64, error)
	FindProperty(ctx context.Context, source, externalID string) (*models.Property, error)
	// CreateProperty inserts p and its Images, setting the generated ids.
	CreateProperty(ctx context.Context, p *models.Property) error
	// UpdateProperty writes the scalar fields and LastIngestedAt of p.
	UpdateProperty(ctx context.Context, p *models.Property) error
	AppendHistory(ctx context.Context, entries []models.PropertyHistory) error
	// ReplaceImages deletes every image of the property and inserts images.
	ReplaceImages(ctx context.Context, propertyID int64, images []models.PropertyImage) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func validSavepoint(name string) error {
	if name == "" {
		return fmt.Errorf("empty savepoint name")
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("invalid savepoint name %q", name)
		}
	}
	return nil
}
