package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"estate_ingest/models"
)

// PostgresStore is the canonical store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS roles (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(50) NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(150) NOT NULL UNIQUE,
		email VARCHAR(255),
		role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS properties (
		id BIGSERIAL PRIMARY KEY,
		source VARCHAR(32) NOT NULL,
		external_id VARCHAR(128) NOT NULL,
		link VARCHAR(512),
		added_by_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
		last_ingested_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		title VARCHAR(200) NOT NULL,
		price DOUBLE PRECISION,
		area DOUBLE PRECISION,
		floor INTEGER,
		total_floors INTEGER,
		address VARCHAR(255),
		street VARCHAR(128),
		house_number VARCHAR(32),
		district VARCHAR(64),
		category VARCHAR(32),
		status VARCHAR(32),
		layout VARCHAR(100),
		material VARCHAR(32),
		living_area VARCHAR(16),
		kitchen_area VARCHAR(16),
		balcony VARCHAR(16),
		corner VARCHAR(16),
		condition VARCHAR(64),
		year_built VARCHAR(16),
		seller_phone VARCHAR(32),
		description TEXT,
		CONSTRAINT idx_properties_source_external_id UNIQUE (source, external_id)
	);

	CREATE TABLE IF NOT EXISTS property_images (
		id BIGSERIAL PRIMARY KEY,
		property_id BIGINT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
		data BYTEA NOT NULL,
		filename VARCHAR(255),
		mime_type VARCHAR(50),
		content_hash VARCHAR(64),
		mirror_key VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS property_history (
		id BIGSERIAL PRIMARY KEY,
		property_id BIGINT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
		user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		field_name VARCHAR(100) NOT NULL,
		old_value TEXT,
		new_value TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_properties_link ON properties(link);
	CREATE INDEX IF NOT EXISTS idx_property_images_property ON property_images(property_id);
	CREATE INDEX IF NOT EXISTS idx_property_images_pending ON property_images(id) WHERE mirror_key IS NULL;
	CREATE INDEX IF NOT EXISTS idx_property_history_property ON property_history(property_id, timestamp);
	`)
	return err
}

func (s *PostgresStore) Begin(ctx context.Context) (CanonicalTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) SeedRoles(ctx context.Context) error {
	for _, name := range DefaultRoles {
		_, err := s.pool.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, source, externalID string) (*models.Property, error) {
	return pgFindProperty(ctx, s.pool, source, externalID)
}

func (s *PostgresStore) ListHistory(ctx context.Context, propertyID int64) ([]models.PropertyHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, property_id, user_id, timestamp, field_name, old_value, new_value
		FROM property_history WHERE property_id = $1 ORDER BY id`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.PropertyHistory
	for rows.Next() {
		var h models.PropertyHistory
		if err := rows.Scan(&h.ID, &h.PropertyID, &h.UserID, &h.Timestamp, &h.FieldName, &h.OldValue, &h.NewValue); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListImages(ctx context.Context, propertyID int64) ([]models.PropertyImage, error) {
	return s.queryImages(ctx, `
		SELECT id, property_id, data, filename, mime_type, content_hash, mirror_key, created_at
		FROM property_images WHERE property_id = $1 ORDER BY id`, propertyID)
}

func (s *PostgresStore) PendingImageMirrors(ctx context.Context, limit int) ([]models.PropertyImage, error) {
	return s.queryImages(ctx, `
		SELECT id, property_id, data, filename, mime_type, content_hash, mirror_key, created_at
		FROM property_images WHERE mirror_key IS NULL ORDER BY id LIMIT $1`, limit)
}

func (s *PostgresStore) MarkImageMirrored(ctx context.Context, imageID int64, key string) error {
	_, err := s.pool.Exec(ctx, `UPDATE property_images SET mirror_key = $1 WHERE id = $2`, key, imageID)
	return err
}

func (s *PostgresStore) queryImages(ctx context.Context, query string, args ...any) ([]models.PropertyImage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.PropertyImage
	for rows.Next() {
		var img models.PropertyImage
		var filename, mime, hash *string
		if err := rows.Scan(&img.ID, &img.PropertyID, &img.Data, &filename, &mime, &hash, &img.MirrorKey, &img.CreatedAt); err != nil {
			return nil, err
		}
		img.Filename = deref(filename)
		img.MimeType = deref(mime)
		img.ContentHash = deref(hash)
		images = append(images, img)
	}
	return images, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) DefaultActor(ctx context.Context) (*int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		SELECT users.id FROM users
		JOIN roles ON roles.id = users.role_id
		WHERE roles.name = $1
		ORDER BY users.id LIMIT 1`, models.RoleAdmin).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find admin user: %w", err)
	}
	return &id, nil
}

func (t *pgTx) FindProperty(ctx context.Context, source, externalID string) (*models.Property, error) {
	return pgFindProperty(ctx, t.tx, source, externalID)
}

func (t *pgTx) CreateProperty(ctx context.Context, p *models.Property) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	f := &p.PropertyFields
	err := t.tx.QueryRow(ctx, `
		INSERT INTO properties (
			source, external_id, link, added_by_user_id, last_ingested_at, created_at, updated_at,
			title, price, area, floor, total_floors, address, street, house_number, district,
			category, status, layout, material, living_area, kitchen_area, balcony, corner,
			condition, year_built, seller_phone, description
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)
		RETURNING id`,
		p.Source, p.ExternalID, p.Link, p.AddedByUserID, p.LastIngestedAt, p.CreatedAt, p.UpdatedAt,
		f.Title, f.Price, f.Area, f.Floor, f.TotalFloors, f.Address, f.Street, f.HouseNumber, f.District,
		f.Category, f.Status, f.Layout, f.Material, f.LivingArea, f.KitchenArea, f.Balcony, f.Corner,
		f.Condition, f.YearBuilt, f.SellerPhone, f.Description,
	).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create property %s/%s: %w", p.Source, p.ExternalID, ErrDuplicateListing)
		}
		return fmt.Errorf("create property: %w", err)
	}

	if len(p.Images) > 0 {
		if err := t.insertImages(ctx, p.ID, p.Images); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateProperty(ctx context.Context, p *models.Property) error {
	p.UpdatedAt = time.Now()
	f := &p.PropertyFields
	_, err := t.tx.Exec(ctx, `
		UPDATE properties SET
			link = $2, last_ingested_at = $3, updated_at = $4,
			title = $5, price = $6, area = $7, floor = $8, total_floors = $9, address = $10,
			street = $11, house_number = $12, district = $13, category = $14, status = $15,
			layout = $16, material = $17, living_area = $18, kitchen_area = $19, balcony = $20,
			corner = $21, condition = $22, year_built = $23, seller_phone = $24, description = $25
		WHERE id = $1`,
		p.ID, p.Link, p.LastIngestedAt, p.UpdatedAt,
		f.Title, f.Price, f.Area, f.Floor, f.TotalFloors, f.Address,
		f.Street, f.HouseNumber, f.District, f.Category, f.Status,
		f.Layout, f.Material, f.LivingArea, f.KitchenArea, f.Balcony,
		f.Corner, f.Condition, f.YearBuilt, f.SellerPhone, f.Description,
	)
	if err != nil {
		return fmt.Errorf("update property %d: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, entries []models.PropertyHistory) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range entries {
		batch.Queue(`
			INSERT INTO property_history (property_id, user_id, timestamp, field_name, old_value, new_value)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			h.PropertyID, h.UserID, h.Timestamp, h.FieldName, h.OldValue, h.NewValue)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (t *pgTx) ReplaceImages(ctx context.Context, propertyID int64, images []models.PropertyImage) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM property_images WHERE property_id = $1`, propertyID); err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	return t.insertImages(ctx, propertyID, images)
}

func (t *pgTx) insertImages(ctx context.Context, propertyID int64, images []models.PropertyImage) error {
	for i := range images {
		img := &images[i]
		img.PropertyID = propertyID
		if img.CreatedAt.IsZero() {
			img.CreatedAt = time.Now()
		}
		err := t.tx.QueryRow(ctx, `
			INSERT INTO property_images (property_id, data, filename, mime_type, content_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			propertyID, img.Data, img.Filename, img.MimeType, img.ContentHash, img.CreatedAt,
		).Scan(&img.ID)
		if err != nil {
			return fmt.Errorf("insert image %s: %w", img.Filename, err)
		}
	}
	return nil
}

func (t *pgTx) Savepoint(ctx context.Context, name string) error {
	return t.execSavepoint(ctx, "SAVEPOINT ", name)
}

func (t *pgTx) RollbackTo(ctx context.Context, name string) error {
	return t.execSavepoint(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

func (t *pgTx) Release(ctx context.Context, name string) error {
	return t.execSavepoint(ctx, "RELEASE SAVEPOINT ", name)
}

func (t *pgTx) execSavepoint(ctx context.Context, stmt, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, stmt+name)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgFindProperty(ctx context.Context, q pgQuerier, source, externalID string) (*models.Property, error) {
	var p models.Property
	var link *string
	f := &p.PropertyFields
	err := q.QueryRow(ctx, `
		SELECT id, source, external_id, link, added_by_user_id, last_ingested_at, created_at, updated_at,
			title, price, area, floor, total_floors, address, street, house_number, district,
			category, status, layout, material, living_area, kitchen_area, balcony, corner,
			condition, year_built, seller_phone, description
		FROM properties WHERE source = $1 AND external_id = $2`, source, externalID).Scan(
		&p.ID, &p.Source, &p.ExternalID, &link, &p.AddedByUserID, &p.LastIngestedAt, &p.CreatedAt, &p.UpdatedAt,
		&f.Title, &f.Price, &f.Area, &f.Floor, &f.TotalFloors, &f.Address, &f.Street, &f.HouseNumber, &f.District,
		&f.Category, &f.Status, &f.Layout, &f.Material, &f.LivingArea, &f.KitchenArea, &f.Balcony, &f.Corner,
		&f.Condition, &f.YearBuilt, &f.SellerPhone, &f.Description,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Link = deref(link)
	return &p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
