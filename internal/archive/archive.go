// Package archive keeps a record of finalized drafts. It is strictly off the
// coordinator's critical path: a failed write is logged and forgotten, live
// sessions never depend on it.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fritz-net/AoE2-Civbuilder/internal/export"
)

// DraftRecord is one finalized draft, bundle included as JSON.
type DraftRecord struct {
	ID          uint   `gorm:"primaryKey"`
	DraftID     string `gorm:"uniqueIndex;size:32"`
	NumPlayers  int
	ArtifactURL string
	Bundle      []byte `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

type Store interface {
	Save(ctx context.Context, b export.Bundle, artifactURL string) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("archive: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&DraftRecord{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, b export.Bundle, artifactURL string) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("archive: encode bundle: %w", err)
	}
	rec := DraftRecord{
		DraftID:     b.DraftID,
		NumPlayers:  b.Config.NumPlayers,
		ArtifactURL: artifactURL,
		Bundle:      raw,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Noop is used when no DATABASE_URL is configured.
type Noop struct{}

func (Noop) Save(context.Context, export.Bundle, string) error { return nil }
