// Package window maintains the client's bounded view of the item list: a
// merge of loaded pages, a forward-only pagination cursor, the visible
// subset under the active filter, and a selection cursor that stays on
// the same item across loads, mutations and filtering.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"feedsync/internal/api"
	"feedsync/internal/model"
)

// Lister fetches pages of items from the server.
type Lister interface {
	ListItems(ctx context.Context, req api.ListRequest) (*api.Page, error)
}

// Options configure a Window. Zero values select the defaults.
type Options struct {
	PageLimit   int
	MaxRetained int
	Sort        model.SortKey
	Filter      model.Filter
}

func (o Options) withDefaults() Options {
	if o.PageLimit <= 0 {
		o.PageLimit = 50
	}
	if o.MaxRetained <= 0 {
		o.MaxRetained = 200
	}
	if o.Sort == "" {
		o.Sort = model.SortNewest
	}
	return o
}

// Window holds the currently known slice of the item list. All methods
// are safe for concurrent use; accessors return copies.
type Window struct {
	lister Lister
	log    *slog.Logger

	mu          sync.Mutex
	items       []*model.Item
	cursor      string
	hasMore     bool
	selectedID  int64
	filter      model.Filter
	sort        model.SortKey
	pageLimit   int
	maxRetained int
}

// New creates an empty Window.
func New(lister Lister, log *slog.Logger, opts Options) *Window {
	opts = opts.withDefaults()
	return &Window{
		lister:      lister,
		log:         log,
		hasMore:     true,
		filter:      opts.Filter,
		sort:        opts.Sort,
		pageLimit:   opts.PageLimit,
		maxRetained: opts.MaxRetained,
	}
}

// LoadPage requests the first page (reset) or the page after the current
// cursor, and merges the result. Already-loaded items are untouched when
// the request fails, so the caller can surface a retryable message.
// Selection is preserved when the selected item survives the merge;
// otherwise the first visible item is selected.
func (w *Window) LoadPage(ctx context.Context, reset bool) error {
	w.mu.Lock()
	req := api.ListRequest{
		Cursor: w.cursor,
		Limit:  w.pageLimit,
		Sort:   w.sort,
		Filter: w.filter,
	}
	if reset {
		req.Cursor = ""
	}
	w.mu.Unlock()

	page, err := w.lister.ListItems(ctx, req)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}

	// Merge against the window as it is now, not as it was when the
	// request went out: optimistic mutations may have landed in between.
	w.mu.Lock()
	defer w.mu.Unlock()
	if reset {
		w.items = nil
	}
	known := make(map[int64]bool, len(w.items))
	for _, it := range w.items {
		known[it.ID] = true
	}
	for i := range page.Items {
		it := page.Items[i]
		if known[it.ID] {
			continue
		}
		w.items = append(w.items, &it)
		known[it.ID] = true
	}
	w.cursor = page.NextCursor
	w.hasMore = page.HasMore
	w.ensureSelectionLocked()
	w.trimLocked(w.maxRetained)
	return nil
}

// ApplyOptimistic mutates the named item synchronously, before the server
// has seen the action. If the mutation hides the selected item, selection
// moves to the next visible item at the same position, clamped to the
// last one, or to none when the visible set empties.
func (w *Window) ApplyOptimistic(id int64, mutate func(*model.Item)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mutateLocked(func() {
		for _, it := range w.items {
			if it.ID == id {
				mutate(it)
				return
			}
		}
	})
}

// ApplyToSource mutates every loaded item from the given source domain,
// with the same selection handling as ApplyOptimistic. Used for
// block-source actions.
func (w *Window) ApplyToSource(domain string, mutate func(*model.Item)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mutateLocked(func() {
		for _, it := range w.items {
			if it.Domain == domain {
				mutate(it)
			}
		}
	})
}

// Reconcile applies server-confirmed updates to matching items. Only
// server-owned fields are written, and neither ordering nor the selection
// cursor moves: a pending optimistic write to a user-owned field is never
// clobbered by a concurrent reconciliation.
func (w *Window) Reconcile(updates []model.ItemUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	byID := make(map[int64]model.ItemUpdate, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	for _, it := range w.items {
		u, ok := byID[it.ID]
		if !ok || u.ContentStatus == "" {
			continue
		}
		// An update row carries the server's full view of these fields:
		// an empty teaser or content is a clear, not an omission.
		it.ContentStatus = u.ContentStatus
		it.Teaser = u.Teaser
		it.Content = u.Content
	}
}

// SetFilter replaces the active filter and recomputes the visible subset
// from already-loaded items. No refetch happens: toggling a filter off
// restores the previous visible set exactly.
func (w *Window) SetFilter(f model.Filter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mutateLocked(func() { w.filter = f })
}

// SetSort changes the ordering. Sort is a server-side concern, so any
// change invalidates the pagination cursor; the caller must follow with
// LoadPage(ctx, true).
func (w *Window) SetSort(k model.SortKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if k == w.sort {
		return
	}
	w.sort = k
	w.cursor = ""
	w.hasMore = true
}

// TrimExcess evicts items furthest from the selection until at most
// maxRetained remain. The selected item is never evicted and the
// pagination cursor stays valid for requesting further pages.
func (w *Window) TrimExcess(maxRetained int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(maxRetained)
}

// Select moves the selection to the given item if it is visible.
func (w *Window) Select(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, it := range w.visibleLocked() {
		if it.ID == id {
			w.selectedID = id
			return true
		}
	}
	return false
}

// SelectNext moves the selection one visible item forward.
func (w *Window) SelectNext() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step(1)
}

// SelectPrev moves the selection one visible item back.
func (w *Window) SelectPrev() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step(-1)
}

// Visible returns copies of the items passing the active filter, in list
// order. The predicate runs fresh on every call; membership is never
// cached across mutations.
func (w *Window) Visible() []model.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	vis := w.visibleLocked()
	out := make([]model.Item, len(vis))
	for i, it := range vis {
		out[i] = *it
	}
	return out
}

// Selected returns a copy of the selected item, if any.
func (w *Window) Selected() (model.Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.selectedID == 0 {
		return model.Item{}, false
	}
	for _, it := range w.items {
		if it.ID == w.selectedID {
			return *it, true
		}
	}
	return model.Item{}, false
}

// Get returns a copy of the item with the given ID.
func (w *Window) Get(id int64) (model.Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, it := range w.items {
		if it.ID == id {
			return *it, true
		}
	}
	return model.Item{}, false
}

// HasMore reports whether the server has further pages.
func (w *Window) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// Retained returns the number of items currently held in memory.
func (w *Window) Retained() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Filter returns the active filter.
func (w *Window) Filter() model.Filter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter
}

// Sort returns the active sort order.
func (w *Window) Sort() model.SortKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sort
}

// mutateLocked runs apply and repairs the selection afterwards: keep the
// selected item when still visible, otherwise take the visible item at
// the selection's previous position, clamped to the end.
func (w *Window) mutateLocked(apply func()) {
	before := w.visibleLocked()
	selIdx := -1
	for i, it := range before {
		if it.ID == w.selectedID {
			selIdx = i
			break
		}
	}

	apply()

	after := w.visibleLocked()
	for _, it := range after {
		if it.ID == w.selectedID {
			return
		}
	}
	if len(after) == 0 {
		w.selectedID = 0
		return
	}
	if selIdx < 0 {
		selIdx = 0
	}
	w.selectedID = after[min(selIdx, len(after)-1)].ID
}

func (w *Window) ensureSelectionLocked() {
	vis := w.visibleLocked()
	if w.selectedID != 0 {
		for _, it := range vis {
			if it.ID == w.selectedID {
				return
			}
		}
	}
	if len(vis) > 0 {
		w.selectedID = vis[0].ID
	} else {
		w.selectedID = 0
	}
}

func (w *Window) visibleLocked() []*model.Item {
	var vis []*model.Item
	for _, it := range w.items {
		if w.filter.Match(it) {
			vis = append(vis, it)
		}
	}
	return vis
}

func (w *Window) step(delta int) {
	vis := w.visibleLocked()
	if len(vis) == 0 {
		w.selectedID = 0
		return
	}
	idx := -1
	for i, it := range vis {
		if it.ID == w.selectedID {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.selectedID = vis[0].ID
		return
	}
	idx += delta
	if idx < 0 {
		idx = 0
	}
	if idx > len(vis)-1 {
		idx = len(vis) - 1
	}
	w.selectedID = vis[idx].ID
}

// trimLocked keeps a contiguous block of maxRetained items around the
// selection, evicting the ends furthest from it. With no selection the
// block anchors at the top of the list.
func (w *Window) trimLocked(maxRetained int) {
	if maxRetained <= 0 || len(w.items) <= maxRetained {
		return
	}
	selIdx := 0
	for i, it := range w.items {
		if it.ID == w.selectedID {
			selIdx = i
			break
		}
	}
	lo := selIdx - maxRetained/2
	if lo > len(w.items)-maxRetained {
		lo = len(w.items) - maxRetained
	}
	if lo < 0 {
		lo = 0
	}
	evicted := len(w.items) - maxRetained
	w.items = append([]*model.Item(nil), w.items[lo:lo+maxRetained]...)
	w.log.Debug("evicted items to bound memory", "evicted", evicted, "retained", len(w.items))
}
