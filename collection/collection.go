// Package collection stores generated stickers in a SQLite database.
package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stixly/stickergen"
)

// StickerRecord is a saved sticker row.
type StickerRecord struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index:idx_user_created"`
	PromptKey string    `gorm:"not null;index"`
	SourceURL string    `gorm:"not null"`
	Image     []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"index:idx_user_created"`
}

// Store is a gorm-backed sticker collection.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ stickergen.Collection = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock replaces time.Now for CreatedAt on stickers saved without one.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("stickergen/collection: create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("stickergen/collection: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("stickergen/collection: get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("stickergen/collection: set WAL mode: %w", err)
	}

	s, err := New(db, opts...)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle and migrates the sticker table.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := db.AutoMigrate(&StickerRecord{}); err != nil {
		return nil, fmt.Errorf("stickergen/collection: auto-migrate: %w", err)
	}
	return s, nil
}

// Save appends a sticker to the user's collection.
func (s *Store) Save(ctx context.Context, st stickergen.Sticker) error {
	created := st.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	rec := StickerRecord{
		UserID:    st.UserID,
		PromptKey: st.PromptKey,
		SourceURL: st.SourceURL,
		Image:     st.Image,
		CreatedAt: created.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("stickergen/collection: save: %w", err)
	}
	return nil
}

// List returns up to limit stickers for userID, newest first.
// A non-positive limit returns all of them.
func (s *Store) List(ctx context.Context, userID int64, limit int) ([]stickergen.Sticker, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []StickerRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("stickergen/collection: list: %w", err)
	}

	out := make([]stickergen.Sticker, len(recs))
	for i, r := range recs {
		out[i] = stickergen.Sticker{
			UserID:    r.UserID,
			PromptKey: r.PromptKey,
			SourceURL: r.SourceURL,
			Image:     r.Image,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// Count returns how many stickers userID has saved.
func (s *Store) Count(ctx context.Context, userID int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&StickerRecord{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("stickergen/collection: count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
