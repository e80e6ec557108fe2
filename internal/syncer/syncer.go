// Package syncer wires user intents to the feed window and the mutation
// queue, and periodically pulls server-driven changes back into the
// window. Intents always apply optimistically first, then enqueue, so
// the view reflects the action with zero latency.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"feedsync/internal/api"
	"feedsync/internal/model"
	"feedsync/internal/queue"
	"feedsync/internal/storage"
	"feedsync/internal/window"
)

const contentCacheMax = 500

// Client is the server surface the syncer polls.
type Client interface {
	Status(ctx context.Context) (*api.Status, error)
	ItemUpdates(ctx context.Context) ([]model.ItemUpdate, error)
	Content(ctx context.Context, itemID int64) (string, model.ContentStatus, error)
}

// Syncer coordinates the window, the queue and the reconcile poll loop.
type Syncer struct {
	window *window.Window
	queue  *queue.Queue
	client Client
	store  storage.Storage
	log    *slog.Logger
	tick   time.Duration

	lastStatus *api.Status
}

// New creates a Syncer with the default 5-second poll interval.
func New(w *window.Window, q *queue.Queue, client Client, store storage.Storage, log *slog.Logger) *Syncer {
	return &Syncer{
		window: w,
		queue:  q,
		client: client,
		store:  store,
		log:    log,
		tick:   5 * time.Second,
	}
}

// SetTickInterval overrides the default poll interval.
func (s *Syncer) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Dismiss hides an item.
func (s *Syncer) Dismiss(id int64) {
	s.window.ApplyOptimistic(id, func(it *model.Item) { it.Dismissed = true })
	s.queue.Enqueue(model.Dismiss(id))
}

// Undismiss restores a dismissed item.
func (s *Syncer) Undismiss(id int64) {
	s.window.ApplyOptimistic(id, func(it *model.Item) { it.Dismissed = false })
	s.queue.Enqueue(model.Undismiss(id))
}

// ToggleReadLater flips an item's read-later flag.
func (s *Syncer) ToggleReadLater(id int64) {
	it, ok := s.window.Get(id)
	if !ok {
		return
	}
	if it.ReadLater {
		s.window.ApplyOptimistic(id, func(it *model.Item) { it.ReadLater = false })
		s.queue.Enqueue(model.RemoveReadLater(id))
	} else {
		s.window.ApplyOptimistic(id, func(it *model.Item) { it.ReadLater = true })
		s.queue.Enqueue(model.AddReadLater(id))
	}
}

// BlockSource blocks every item from a source domain. Loaded items from
// the domain are marked blocked immediately; the server applies the block
// to future items once the action is delivered.
func (s *Syncer) BlockSource(domain string) {
	s.window.ApplyToSource(domain, func(it *model.Item) { it.ContentStatus = model.ContentBlocked })
	s.queue.Enqueue(model.BlockDomain(domain))
}

// Open marks an item read and returns it with its body, fetching the
// body from the local cache or the server if the window does not hold it
// yet. Fetched bodies are cached so a restart does not refetch them.
func (s *Syncer) Open(ctx context.Context, id int64) (model.Item, error) {
	s.window.ApplyOptimistic(id, func(it *model.Item) { it.Read = true })
	s.queue.Enqueue(model.MarkOpened(id))

	it, ok := s.window.Get(id)
	if !ok {
		return model.Item{}, errors.New("item not loaded")
	}
	if it.Content != "" {
		return it, nil
	}

	if cached, err := s.store.GetContent(ctx, id); err != nil {
		s.log.Error("read content cache", "item_id", id, "error", err)
	} else if cached != nil && cached.Content != "" {
		s.window.Reconcile([]model.ItemUpdate{{ID: id, ContentStatus: cached.Status, Teaser: it.Teaser, Content: cached.Content}})
		it, _ = s.window.Get(id)
		return it, nil
	}

	content, status, err := s.client.Content(ctx, id)
	if err != nil {
		return it, err
	}
	s.window.Reconcile([]model.ItemUpdate{{ID: id, ContentStatus: status, Teaser: it.Teaser, Content: content}})
	if content != "" {
		if err := s.store.PutContent(ctx, id, storage.CachedContent{Status: status, Content: content}); err != nil {
			s.log.Error("cache content", "item_id", id, "error", err)
		}
	}
	it, _ = s.window.Get(id)
	return it, nil
}

// Run starts the reconcile poll loop, blocking until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	s.checkOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce polls the status endpoint and, when the extraction counters
// moved since the previous poll, fetches the changed items and reconciles
// them into the window. This is the only path by which background
// server-side work reaches a window the user did not refresh.
func (s *Syncer) checkOnce(ctx context.Context) {
	st, err := s.fetchStatus(ctx)
	if err != nil {
		s.log.Error("poll status", "error", err)
		return
	}

	changed := s.lastStatus == nil ||
		st.Done != s.lastStatus.Done ||
		st.Failed != s.lastStatus.Failed ||
		st.Blocked != s.lastStatus.Blocked
	s.lastStatus = st
	if !changed {
		return
	}

	updates, err := s.fetchUpdates(ctx)
	if err != nil {
		s.log.Error("fetch item updates", "error", err)
		return
	}
	if len(updates) == 0 {
		return
	}

	s.window.Reconcile(updates)
	for _, u := range updates {
		if u.Content == "" {
			continue
		}
		if err := s.store.PutContent(ctx, u.ID, storage.CachedContent{Status: u.ContentStatus, Content: u.Content}); err != nil {
			s.log.Error("cache content", "item_id", u.ID, "error", err)
		}
	}
	if err := s.store.PruneContent(ctx, contentCacheMax); err != nil {
		s.log.Error("prune content cache", "error", err)
	}
	s.log.Debug("reconciled item updates", "count", len(updates))
}

func (s *Syncer) fetchStatus(ctx context.Context) (*api.Status, error) {
	var st *api.Status
	err := retry.Do(ctx, pollBackoff(), func(ctx context.Context) error {
		got, err := s.client.Status(ctx)
		if err != nil {
			return asRetryable(err)
		}
		st = got
		return nil
	})
	return st, err
}

func (s *Syncer) fetchUpdates(ctx context.Context) ([]model.ItemUpdate, error) {
	var updates []model.ItemUpdate
	err := retry.Do(ctx, pollBackoff(), func(ctx context.Context) error {
		got, err := s.client.ItemUpdates(ctx)
		if err != nil {
			return asRetryable(err)
		}
		updates = got
		return nil
	})
	return updates, err
}

func pollBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewConstant(500*time.Millisecond))
}

// asRetryable marks transient failures for the retry loop; client errors
// pass through and abort it.
func asRetryable(err error) error {
	var se *api.StatusError
	if errors.As(err, &se) && se.Permanent() {
		return err
	}
	return retry.RetryableError(err)
}

// Close performs the terminal durable flush of the mutation queue. The
// poll loop is stopped separately by cancelling Run's context.
func (s *Syncer) Close() {
	s.queue.Close()
}
