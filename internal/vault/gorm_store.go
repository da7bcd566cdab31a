package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-core/internal/db"
)

type secretRow struct {
	Name           string    `gorm:"primaryKey;size:191"`
	Value          string    `gorm:"type:text;not null"`
	KeyFingerprint string    `gorm:"size:64;not null"`
	Checksum       string    `gorm:"size:64;not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (secretRow) TableName() string {
	return "secrets"
}

func (r secretRow) toEntry() Entry {
	return Entry{
		Name:           r.Name,
		Value:          r.Value,
		KeyFingerprint: r.KeyFingerprint,
		Checksum:       r.Checksum,
		UpdatedAt:      r.UpdatedAt,
	}
}

func secretRowFromEntry(e Entry) secretRow {
	return secretRow{
		Name:           e.Name,
		Value:          e.Value,
		KeyFingerprint: e.KeyFingerprint,
		Checksum:       e.Checksum,
		UpdatedAt:      e.UpdatedAt,
	}
}

type GormStore struct {
	db    *gorm.DB
	owned bool
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}
	store, err := NewGormStoreFromDB(gormDB)
	if err != nil {
		_ = dbpkg.Close(gormDB)
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewGormStoreFromDB shares an existing connection; Close leaves it open.
func NewGormStoreFromDB(gormDB *gorm.DB) (*GormStore, error) {
	if err := gormDB.AutoMigrate(&secretRow{}); err != nil {
		return nil, fmt.Errorf("migrate vault store: %w", err)
	}
	return &GormStore{db: gormDB}, nil
}

func (s *GormStore) Get(ctx context.Context, name string) (Entry, error) {
	var row secretRow
	if err := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get secret: %w", err)
	}
	return row.toEntry(), nil
}

func (s *GormStore) Put(ctx context.Context, entry Entry) error {
	row := secretRowFromEntry(entry)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "key_fingerprint", "checksum", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *GormStore) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&secretRow{})
	if res.Error != nil {
		return fmt.Errorf("delete secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]Entry, error) {
	var rows []secretRow
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func (s *GormStore) ReplaceAll(ctx context.Context, entries []Entry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&secretRow{}).Error; err != nil {
			return fmt.Errorf("clear secrets: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		rows := make([]secretRow, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, secretRowFromEntry(entry))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("write secrets: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Close() error {
	if !s.owned {
		return nil
	}
	return dbpkg.Close(s.db)
}
