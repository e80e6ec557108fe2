// Package queue implements the durable mutation queue: user actions are
// persisted locally before delivery, coalesced into batches, and retried
// until the server confirms them. Delivery is at-least-once and preserves
// submission order, including across process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"feedsync/internal/api"
	"feedsync/internal/model"
	"feedsync/internal/storage"
)

// StateKey is the durable-store key holding the serialized queue.
const StateKey = "mutation_queue"

// Sender delivers action batches to the server.
type Sender interface {
	SendBatch(ctx context.Context, actions []model.PendingAction) error
	SendBeacon(actions []model.PendingAction) bool
}

// Options tune queue behavior. Zero values select the defaults.
type Options struct {
	CoalesceDelay time.Duration
	RetryDelay    time.Duration
	MaxBatchSize  int
	MaxRetries    int
}

func (o Options) withDefaults() Options {
	if o.CoalesceDelay <= 0 {
		o.CoalesceDelay = 150 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Queue is the durable mutation queue. All methods are safe for
// concurrent use.
type Queue struct {
	store  storage.Storage
	sender Sender
	log    *slog.Logger
	opts   Options

	mu         sync.Mutex
	pending    []model.PendingAction
	inflight   []model.PendingAction
	retryCount int
	online     bool
	waiting    bool
	sending    bool
	closed     bool
	coalesce   *time.Timer
	retry      *time.Timer
}

type snapshot struct {
	Pending  []model.PendingAction `json:"pending"`
	Inflight []model.PendingAction `json:"inflight"`
}

// New creates a Queue. The queue starts empty and assumed online; call
// Restore to pick up a prior session's unsent work.
func New(store storage.Storage, sender Sender, log *slog.Logger, opts Options) *Queue {
	return &Queue{
		store:  store,
		sender: sender,
		log:    log,
		opts:   opts.withDefaults(),
		online: true,
	}
}

// Enqueue appends one action and persists the queue before returning, so
// a crash immediately afterwards loses nothing. A coalescing timer is
// armed if none is running; rapid successive calls share one flush.
func (q *Queue) Enqueue(a model.PendingAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, a)
	q.persistLocked()
	if q.coalesce == nil {
		q.coalesce = time.AfterFunc(q.opts.CoalesceDelay, q.coalesceFired)
	}
}

func (q *Queue) coalesceFired() {
	q.mu.Lock()
	q.coalesce = nil
	q.mu.Unlock()
	q.Flush(context.Background())
}

// Restore loads any persisted queue from a prior session, placing it
// ahead of anything already enqueued, and arms a flush. Call it at
// session start, before the first Enqueue, so restored work keeps its
// place at the head of the queue. An unreadable snapshot is logged and
// discarded, never fatal.
func (q *Queue) Restore(ctx context.Context) {
	raw, ok, err := q.store.GetState(ctx, StateKey)
	if err != nil {
		q.log.Error("load queue snapshot", "error", err)
		return
	}
	if !ok {
		return
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		q.log.Warn("discarding unreadable queue snapshot", "error", err)
		if err := q.store.DeleteState(ctx, StateKey); err != nil {
			q.log.Error("delete queue snapshot", "error", err)
		}
		return
	}

	restored := make([]model.PendingAction, 0, len(snap.Inflight)+len(snap.Pending))
	restored = append(restored, snap.Inflight...)
	restored = append(restored, snap.Pending...)
	if len(restored) == 0 {
		return
	}

	q.mu.Lock()
	q.pending = append(restored, q.pending...)
	q.persistLocked()
	if q.coalesce == nil {
		q.coalesce = time.AfterFunc(q.opts.CoalesceDelay, q.coalesceFired)
	}
	q.mu.Unlock()

	q.log.Info("restored unsent actions", "count", len(restored))
}

// Flush cancels any armed timers and attempts delivery of one batch. If
// the client is known offline the queue is held for SetOnline instead of
// spending retry budget against a dead connection. Overflow beyond the
// batch size triggers an immediate follow-up flush on success.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.stopTimersLocked()
	if q.closed || q.sending || (len(q.pending) == 0 && len(q.inflight) == 0) {
		q.mu.Unlock()
		return
	}
	if !q.online {
		q.inflight = append(q.inflight, q.pending...)
		q.pending = nil
		q.waiting = true
		q.persistLocked()
		q.mu.Unlock()
		return
	}

	for len(q.inflight) < q.opts.MaxBatchSize && len(q.pending) > 0 {
		q.inflight = append(q.inflight, q.pending[0])
		q.pending = q.pending[1:]
	}
	n := min(len(q.inflight), q.opts.MaxBatchSize)
	batch := make([]model.PendingAction, n)
	copy(batch, q.inflight[:n])
	q.persistLocked()
	q.sending = true
	q.mu.Unlock()

	err := q.sender.SendBatch(ctx, batch)
	q.delivered(ctx, n, err)
}

// delivered runs after a batch send completes. It reads queue state as it
// is now, not as it was when the send started: actions enqueued while the
// request was in flight must not be dropped.
func (q *Queue) delivered(ctx context.Context, n int, err error) {
	q.mu.Lock()
	q.sending = false

	if q.closed {
		// Close ran while this send was on the wire and the beacon took
		// over everything still queued, possibly clearing inflight.
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.inflight = q.inflight[n:]
		q.retryCount = 0
		q.persistLocked()
		more := len(q.pending) > 0 || len(q.inflight) > 0
		q.mu.Unlock()
		if more {
			q.Flush(ctx)
		}
		return
	}

	var se *api.StatusError
	if errors.As(err, &se) && se.Permanent() {
		// A rejected batch indicates a malformed request, not a transient
		// fault; retrying it would loop forever.
		q.log.Error("batch rejected by server, dropping", "status", se.Code, "actions", n)
		q.inflight = q.inflight[n:]
		q.retryCount = 0
		q.persistLocked()
		more := len(q.pending) > 0 || len(q.inflight) > 0
		q.mu.Unlock()
		if more {
			q.Flush(ctx)
		}
		return
	}

	if !q.online {
		q.waiting = true
		q.mu.Unlock()
		q.log.Warn("offline, holding batch until connectivity returns", "actions", n)
		return
	}

	q.retryCount++
	if q.retryCount > q.opts.MaxRetries {
		// Give up for this session. The batch stays persisted and the next
		// session's Restore resumes delivery.
		q.mu.Unlock()
		q.log.Error("delivery failed, deferring to next session", "error", err, "attempts", q.retryCount)
		return
	}
	delay := q.opts.RetryDelay * time.Duration(q.retryCount)
	q.retry = time.AfterFunc(delay, func() { q.Flush(context.Background()) })
	q.mu.Unlock()
	q.log.Warn("delivery failed, retrying", "error", err, "attempt", q.retryCount, "delay", delay)
}

// SetOnline records a connectivity change. Coming back online releases a
// held queue, resets the retry budget and flushes immediately.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	q.online = online
	resume := online && q.waiting
	if resume {
		q.waiting = false
		q.retryCount = 0
	}
	q.mu.Unlock()
	if resume {
		q.Flush(context.Background())
	}
}

// Len returns the number of not-yet-confirmed actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// Close cancels all timers and makes the terminal best-effort delivery of
// everything still queued through the beacon sender. On confirmed
// hand-off the queue and its persisted copy are cleared; otherwise the
// snapshot stays for the next session. The queue accepts no work after
// Close.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopTimersLocked()
	remaining := make([]model.PendingAction, 0, len(q.inflight)+len(q.pending))
	remaining = append(remaining, q.inflight...)
	remaining = append(remaining, q.pending...)
	q.mu.Unlock()

	if len(remaining) == 0 {
		return
	}
	if q.sender.SendBeacon(remaining) {
		q.mu.Lock()
		q.pending, q.inflight = nil, nil
		q.persistLocked()
		q.mu.Unlock()
		q.log.Info("final flush handed off", "actions", len(remaining))
		return
	}
	q.log.Warn("final flush hand-off failed, queue stays persisted", "actions", len(remaining))
}

func (q *Queue) stopTimersLocked() {
	if q.coalesce != nil {
		q.coalesce.Stop()
		q.coalesce = nil
	}
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
}

// persistLocked writes the current pending+inflight split, or clears the
// stored snapshot when the queue is empty. Persistence failures are
// logged and never propagate into the interaction path.
func (q *Queue) persistLocked() {
	ctx := context.Background()
	if len(q.pending) == 0 && len(q.inflight) == 0 {
		if err := q.store.DeleteState(ctx, StateKey); err != nil {
			q.log.Error("clear queue snapshot", "error", err)
		}
		return
	}
	raw, err := json.Marshal(snapshot{Pending: q.pending, Inflight: q.inflight})
	if err != nil {
		q.log.Error("marshal queue snapshot", "error", err)
		return
	}
	if err := q.store.SetState(ctx, StateKey, string(raw)); err != nil {
		q.log.Error("persist queue snapshot", "error", err)
	}
}
