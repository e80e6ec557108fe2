// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"feedsync/internal/model"
)

// CachedContent is a locally cached item body with its extraction status.
type CachedContent struct {
	Status  model.ContentStatus
	Content string
}

// Storage is the interface for all persistence operations.
//
// The state methods form a synchronous key→string store: when SetState
// returns, the value is durable. The mutation queue relies on that to
// survive a hard crash immediately after enqueueing.
type Storage interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error

	PutContent(ctx context.Context, itemID int64, c CachedContent) error
	GetContent(ctx context.Context, itemID int64) (*CachedContent, error)
	PruneContent(ctx context.Context, maxEntries int) error

	Close() error
}
