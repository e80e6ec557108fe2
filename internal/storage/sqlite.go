package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedsync/internal/model"
	"feedsync/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single connection: SQLite allows one writer, and :memory: databases
	// exist per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetState returns the value stored under key, if any.
func (s *SQLite) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState stores value under key, replacing any previous value. The write
// is committed before SetState returns.
func (s *SQLite) SetState(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes the value stored under key.
func (s *SQLite) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// PutContent stores or replaces the cached body for an item.
func (s *SQLite) PutContent(ctx context.Context, itemID int64, c CachedContent) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_cache (item_id, status, content, cached_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET status = excluded.status, content = excluded.content, cached_at = excluded.cached_at`,
		itemID, string(c.Status), c.Content, now,
	)
	if err != nil {
		return fmt.Errorf("put content %d: %w", itemID, err)
	}
	return nil
}

// GetContent returns the cached body for an item, or nil if none is cached.
func (s *SQLite) GetContent(ctx context.Context, itemID int64) (*CachedContent, error) {
	var statusStr, content string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, content FROM content_cache WHERE item_id = ?`, itemID,
	).Scan(&statusStr, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content %d: %w", itemID, err)
	}
	return &CachedContent{Status: model.ContentStatus(statusStr), Content: content}, nil
}

// PruneContent evicts the oldest cached bodies beyond maxEntries.
func (s *SQLite) PruneContent(ctx context.Context, maxEntries int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE item_id NOT IN (
		   SELECT item_id FROM content_cache ORDER BY cached_at DESC, item_id DESC LIMIT ?
		 )`,
		maxEntries,
	)
	if err != nil {
		return fmt.Errorf("prune content: %w", err)
	}
	return nil
}
