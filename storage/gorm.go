package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"estate_ingest/models"
)

// GormStore is the canonical store on embedded SQLite.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open canonical db: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Role{},
		&models.User{},
		&models.Property{},
		&models.PropertyImage{},
		&models.PropertyHistory{},
	); err != nil {
		return nil, fmt.Errorf("migrate canonical db: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Begin(ctx context.Context) (CanonicalTx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin: %w", tx.Error)
	}
	return &gormTx{tx: tx}, nil
}

func (s *GormStore) SeedRoles(ctx context.Context) error {
	for _, name := range DefaultRoles {
		role := models.Role{Name: name}
		if err := s.db.WithContext(ctx).Where(models.Role{Name: name}).FirstOrCreate(&role).Error; err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}

// CreateUser is used to attach an actor to a role, mainly for provisioning.
func (s *GormStore) CreateUser(ctx context.Context, username, email, roleName string) (*models.User, error) {
	var role models.Role
	if err := s.db.WithContext(ctx).Where("name = ?", roleName).First(&role).Error; err != nil {
		return nil, fmt.Errorf("find role %s: %w", roleName, err)
	}
	user := &models.User{Username: username, Email: email, RoleID: &role.ID}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *GormStore) GetProperty(ctx context.Context, source, externalID string) (*models.Property, error) {
	return findProperty(s.db.WithContext(ctx), source, externalID)
}

func (s *GormStore) ListHistory(ctx context.Context, propertyID int64) ([]models.PropertyHistory, error) {
	var entries []models.PropertyHistory
	err := s.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("id").
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) ListImages(ctx context.Context, propertyID int64) ([]models.PropertyImage, error) {
	var images []models.PropertyImage
	err := s.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("id").
		Find(&images).Error
	return images, err
}

func (s *GormStore) PendingImageMirrors(ctx context.Context, limit int) ([]models.PropertyImage, error) {
	var images []models.PropertyImage
	err := s.db.WithContext(ctx).
		Where("mirror_key IS NULL").
		Order("id").
		Limit(limit).
		Find(&images).Error
	return images, err
}

func (s *GormStore) MarkImageMirrored(ctx context.Context, imageID int64, key string) error {
	return s.db.WithContext(ctx).
		Model(&models.PropertyImage{}).
		Where("id = ?", imageID).
		Update("mirror_key", key).Error
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) DefaultActor(ctx context.Context) (*int64, error) {
	var ids []int64
	err := t.tx.WithContext(ctx).
		Model(&models.User{}).
		Joins("JOIN roles ON roles.id = users.role_id").
		Where("roles.name = ?", models.RoleAdmin).
		Order("users.id").
		Limit(1).
		Pluck("users.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find admin user: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

func (t *gormTx) FindProperty(ctx context.Context, source, externalID string) (*models.Property, error) {
	return findProperty(t.tx.WithContext(ctx), source, externalID)
}

func (t *gormTx) CreateProperty(ctx context.Context, p *models.Property) error {
	if err := t.tx.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create property %s/%s: %w", p.Source, p.ExternalID, ErrDuplicateListing)
		}
		return fmt.Errorf("create property: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateProperty(ctx context.Context, p *models.Property) error {
	err := t.tx.WithContext(ctx).
		Model(p).
		Select("*").
		Omit("ID", "Source", "ExternalID", "CreatedAt", "AddedByUserID", clause.Associations).
		Updates(p).Error
	if err != nil {
		return fmt.Errorf("update property %d: %w", p.ID, err)
	}
	return nil
}

func (t *gormTx) AppendHistory(ctx context.Context, entries []models.PropertyHistory) error {
	if len(entries) == 0 {
		return nil
	}
	if err := t.tx.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (t *gormTx) ReplaceImages(ctx context.Context, propertyID int64, images []models.PropertyImage) error {
	db := t.tx.WithContext(ctx)
	if err := db.Where("property_id = ?", propertyID).Delete(&models.PropertyImage{}).Error; err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	if len(images) == 0 {
		return nil
	}
	for i := range images {
		images[i].ID = 0
		images[i].PropertyID = propertyID
	}
	if err := db.Create(&images).Error; err != nil {
		return fmt.Errorf("insert images: %w", err)
	}
	return nil
}

func (t *gormTx) Savepoint(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	return t.tx.WithContext(ctx).SavePoint(name).Error
}

func (t *gormTx) RollbackTo(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	return t.tx.WithContext(ctx).RollbackTo(name).Error
}

func (t *gormTx) Release(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	return t.tx.WithContext(ctx).Exec("RELEASE SAVEPOINT " + name).Error
}

func (t *gormTx) Commit(ctx context.Context) error {
	return t.tx.Commit().Error
}

func (t *gormTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback().Error
	if errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func findProperty(db *gorm.DB, source, externalID string) (*models.Property, error) {
	var p models.Property
	err := db.Where("source = ? AND external_id = ?", source, externalID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
