package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// storedToken is one encoded token record per profile.
type storedToken struct {
	Profile   string `gorm:"primaryKey;size:128"`
	Data      []byte
	UpdatedAt time.Time
}

func (storedToken) TableName() string {
	return "auth_tokens"
}

// SQLStorage persists the encoded record in a database table, one row per
// profile name, so several accounts can share one database file.
type SQLStorage struct {
	db      *gorm.DB
	profile string
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("auth sqlstore: create dir failed: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("auth sqlstore: open %s: %w", path, err)
	}
	return db, nil
}

// NewSQLStorage migrates the token table and returns a storage bound to profile.
func NewSQLStorage(db *gorm.DB, profile string) (*SQLStorage, error) {
	if db == nil {
		return nil, errors.New("auth sqlstore: nil database")
	}
	if profile == "" {
		profile = "default"
	}
	if err := db.AutoMigrate(&storedToken{}); err != nil {
		return nil, fmt.Errorf("auth sqlstore: migrate: %w", err)
	}
	return &SQLStorage{db: db, profile: profile}, nil
}

func (s *SQLStorage) Read(ctx context.Context) ([]byte, error) {
	var row storedToken
	err := s.db.WithContext(ctx).Where("profile = ?", s.profile).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoTokens
	}
	if err != nil {
		return nil, fmt.Errorf("auth sqlstore: read: %w", err)
	}
	if len(row.Data) == 0 {
		return nil, ErrNoTokens
	}
	return row.Data, nil
}

func (s *SQLStorage) Write(ctx context.Context, data []byte) error {
	row := storedToken{Profile: s.profile, Data: data}
	// Save upserts by primary key.
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("auth sqlstore: write: %w", err)
	}
	return nil
}

func (s *SQLStorage) Delete(ctx context.Context) error {
	err := s.db.WithContext(ctx).Where("profile = ?", s.profile).Delete(&storedToken{}).Error
	if err != nil {
		return fmt.Errorf("auth sqlstore: delete: %w", err)
	}
	return nil
}

var _ Storage = (*SQLStorage)(nil)
