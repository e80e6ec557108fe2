package window

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedsync/internal/api"
	"feedsync/internal/model"
)

type fakeLister struct {
	pages map[string]*api.Page
	reqs  []api.ListRequest
	err   error
}

func (f *fakeLister) ListItems(_ context.Context, req api.ListRequest) (*api.Page, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[req.Cursor]
	if !ok {
		return &api.Page{}, nil
	}
	return page, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func item(id int64, title string) model.Item {
	return model.Item{
		ID:            id,
		Title:         title,
		Domain:        "example.com",
		Posted:        time.Unix(1700000000-id, 0).UTC(),
		ContentStatus: model.ContentPending,
	}
}

func visibleIDs(w *Window) []int64 {
	var ids []int64
	for _, it := range w.Visible() {
		ids = append(ids, it.ID)
	}
	return ids
}

func selectedID(t *testing.T, w *Window) int64 {
	t.Helper()
	it, ok := w.Selected()
	if !ok {
		return 0
	}
	return it.ID
}

func newLoadedWindow(t *testing.T, items ...model.Item) (*Window, *fakeLister) {
	t.Helper()
	lister := &fakeLister{pages: map[string]*api.Page{
		"": {Items: items, HasMore: false},
	}}
	w := New(lister, testLogger(), Options{})
	if err := w.LoadPage(context.Background(), true); err != nil {
		t.Fatalf("load page: %v", err)
	}
	return w, lister
}

func TestLoadPageMergesAndDeduplicates(t *testing.T) {
	lister := &fakeLister{pages: map[string]*api.Page{
		"":   {Items: []model.Item{item(1, "a"), item(2, "b")}, HasMore: true, NextCursor: "c1"},
		"c1": {Items: []model.Item{item(2, "b"), item(3, "c")}, HasMore: false},
	}}
	w := New(lister, testLogger(), Options{})

	ctx := context.Background()
	if err := w.LoadPage(ctx, true); err != nil {
		t.Fatalf("first page: %v", err)
	}
	if !w.HasMore() {
		t.Fatal("expected more pages after first load")
	}
	if err := w.LoadPage(ctx, false); err != nil {
		t.Fatalf("second page: %v", err)
	}

	if diff := cmp.Diff([]int64{1, 2, 3}, visibleIDs(w)); diff != "" {
		t.Errorf("merged ids mismatch (-want +got):\n%s", diff)
	}
	if w.HasMore() {
		t.Error("expected no more pages")
	}
	if got := lister.reqs[1].Cursor; got != "c1" {
		t.Errorf("second request cursor = %q, want c1", got)
	}
	// First item selected once data arrives.
	if got := selectedID(t, w); got != 1 {
		t.Errorf("selected = %d, want 1", got)
	}
}

func TestLoadPageFailureKeepsState(t *testing.T) {
	w, lister := newLoadedWindow(t, item(1, "a"), item(2, "b"))

	lister.err = errors.New("server unavailable")
	err := w.LoadPage(context.Background(), false)
	if err == nil {
		t.Fatal("expected error")
	}

	// Already-loaded items and selection survive a failed load.
	if diff := cmp.Diff([]int64{1, 2}, visibleIDs(w)); diff != "" {
		t.Errorf("items changed on failed load (-want +got):\n%s", diff)
	}
	if got := selectedID(t, w); got != 1 {
		t.Errorf("selection changed on failed load: %d", got)
	}
}

func TestSelectionStableAcrossDismissal(t *testing.T) {
	w, _ := newLoadedWindow(t, item(1, "a"), item(2, "b"), item(3, "c"), item(4, "d"))

	if !w.Select(3) {
		t.Fatal("select 3")
	}
	w.ApplyOptimistic(2, func(it *model.Item) { it.Dismissed = true })

	if diff := cmp.Diff([]int64{1, 3, 4}, visibleIDs(w)); diff != "" {
		t.Errorf("visible mismatch (-want +got):\n%s", diff)
	}
	if got := selectedID(t, w); got != 3 {
		t.Errorf("selected = %d, want 3 (same item, new position)", got)
	}
}

func TestSelectionFallsForwardThenClamps(t *testing.T) {
	w, _ := newLoadedWindow(t, item(1, "a"), item(2, "b"), item(3, "c"))

	// Dismissing the selected middle item moves to the next one.
	if !w.Select(2) {
		t.Fatal("select 2")
	}
	w.ApplyOptimistic(2, func(it *model.Item) { it.Dismissed = true })
	if got := selectedID(t, w); got != 3 {
		t.Errorf("selected = %d, want next item 3", got)
	}

	// Dismissing the selected last item clamps to the new last.
	w.ApplyOptimistic(3, func(it *model.Item) { it.Dismissed = true })
	if got := selectedID(t, w); got != 1 {
		t.Errorf("selected = %d, want clamped to 1", got)
	}

	// Dismissing the final item leaves nothing selected.
	w.ApplyOptimistic(1, func(it *model.Item) { it.Dismissed = true })
	if _, ok := w.Selected(); ok {
		t.Error("expected no selection with empty visible set")
	}
}

func TestFilterToggleIsIdempotent(t *testing.T) {
	saved := item(2, "b")
	saved.ReadLater = true
	w, lister := newLoadedWindow(t, item(1, "a"), saved, item(3, "c"))

	before := visibleIDs(w)
	requests := len(lister.reqs)

	w.SetFilter(model.Filter{ReadLaterOnly: true})
	if diff := cmp.Diff([]int64{2}, visibleIDs(w)); diff != "" {
		t.Errorf("read-later view mismatch (-want +got):\n%s", diff)
	}

	w.SetFilter(model.Filter{})
	if diff := cmp.Diff(before, visibleIDs(w)); diff != "" {
		t.Errorf("visible set not restored (-want +got):\n%s", diff)
	}
	if len(lister.reqs) != requests {
		t.Errorf("filter change triggered %d refetches", len(lister.reqs)-requests)
	}
}

func TestReconcileNeverMovesSelectionOrOrder(t *testing.T) {
	w, _ := newLoadedWindow(t, item(1, "a"), item(2, "b"), item(3, "c"))
	if !w.Select(3) {
		t.Fatal("select 3")
	}

	w.Reconcile([]model.ItemUpdate{
		{ID: 2, ContentStatus: model.ContentDone, Teaser: "t", Content: "body"},
		{ID: 9, ContentStatus: model.ContentDone}, // unknown id ignored
	})

	if diff := cmp.Diff([]int64{1, 2, 3}, visibleIDs(w)); diff != "" {
		t.Errorf("order changed by reconcile (-want +got):\n%s", diff)
	}
	if got := selectedID(t, w); got != 3 {
		t.Errorf("selection moved by reconcile: %d", got)
	}
	got, _ := w.Get(2)
	if got.ContentStatus != model.ContentDone || got.Content != "body" || got.Teaser != "t" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestReconcileClearsStaleServerFields(t *testing.T) {
	stale := item(1, "a")
	stale.ContentStatus = model.ContentDone
	stale.Teaser = "old teaser"
	stale.Content = "old body"
	w, _ := newLoadedWindow(t, stale)

	// A re-extraction that failed reports empty text; the old body must
	// not linger.
	w.Reconcile([]model.ItemUpdate{{ID: 1, ContentStatus: model.ContentFailed}})

	got, _ := w.Get(1)
	if got.ContentStatus != model.ContentFailed || got.Teaser != "" || got.Content != "" {
		t.Errorf("stale fields kept: %+v", got)
	}

	// An update without a status is malformed and ignored wholesale.
	w.Reconcile([]model.ItemUpdate{{ID: 1, Teaser: "stray"}})
	got, _ = w.Get(1)
	if got.Teaser != "" || got.ContentStatus != model.ContentFailed {
		t.Errorf("statusless update applied: %+v", got)
	}
}

func TestOptimisticAndReconcileOwnDisjointFields(t *testing.T) {
	w, _ := newLoadedWindow(t, item(1, "a"))

	w.ApplyOptimistic(1, func(it *model.Item) { it.ReadLater = true })
	w.SetFilter(model.Filter{IncludeReadLater: true})
	w.Reconcile([]model.ItemUpdate{{ID: 1, ContentStatus: model.ContentDone, Content: "body"}})

	got, _ := w.Get(1)
	if !got.ReadLater {
		t.Error("optimistic user-owned field lost")
	}
	if got.ContentStatus != model.ContentDone || got.Content != "body" {
		t.Errorf("server-owned fields lost: %+v", got)
	}
}

func TestTrimExcessKeepsSelectionAndCursor(t *testing.T) {
	var items []model.Item
	for id := int64(1); id <= 10; id++ {
		items = append(items, item(id, "t"))
	}
	lister := &fakeLister{pages: map[string]*api.Page{
		"": {Items: items, HasMore: true, NextCursor: "c1"},
	}}
	w := New(lister, testLogger(), Options{MaxRetained: 20})
	ctx := context.Background()
	if err := w.LoadPage(ctx, true); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !w.Select(8) {
		t.Fatal("select 8")
	}

	w.TrimExcess(4)

	if got := w.Retained(); got != 4 {
		t.Errorf("retained = %d, want 4", got)
	}
	if got := selectedID(t, w); got != 8 {
		t.Errorf("selected item evicted, selected = %d", got)
	}

	// The cursor still requests the page after the last fetched item.
	if err := w.LoadPage(ctx, false); err != nil {
		t.Fatalf("load after trim: %v", err)
	}
	if got := lister.reqs[len(lister.reqs)-1].Cursor; got != "c1" {
		t.Errorf("cursor after trim = %q, want c1", got)
	}
}

func TestLoadPageTrimsToRetentionBound(t *testing.T) {
	first := make([]model.Item, 0, 6)
	second := make([]model.Item, 0, 6)
	for id := int64(1); id <= 6; id++ {
		first = append(first, item(id, "t"))
		second = append(second, item(id+6, "t"))
	}
	lister := &fakeLister{pages: map[string]*api.Page{
		"":   {Items: first, HasMore: true, NextCursor: "c1"},
		"c1": {Items: second, HasMore: false},
	}}
	w := New(lister, testLogger(), Options{MaxRetained: 8})

	ctx := context.Background()
	if err := w.LoadPage(ctx, true); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := w.LoadPage(ctx, false); err != nil {
		t.Fatalf("second load: %v", err)
	}

	if got := w.Retained(); got != 8 {
		t.Errorf("retained = %d, want bound 8", got)
	}
	if got := selectedID(t, w); got != 1 {
		t.Errorf("selected = %d, want 1 kept through eviction", got)
	}
}

func TestSetSortInvalidatesCursor(t *testing.T) {
	lister := &fakeLister{pages: map[string]*api.Page{
		"":   {Items: []model.Item{item(1, "a")}, HasMore: true, NextCursor: "c1"},
		"c1": {Items: []model.Item{item(2, "b")}, HasMore: true, NextCursor: "c2"},
	}}
	w := New(lister, testLogger(), Options{})
	ctx := context.Background()
	if err := w.LoadPage(ctx, true); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Same key: cursor untouched.
	w.SetSort(model.SortNewest)
	if err := w.LoadPage(ctx, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lister.reqs[1].Cursor; got != "c1" {
		t.Errorf("cursor = %q after no-op sort change, want c1", got)
	}

	// New key: pagination restarts from the top.
	w.SetSort(model.SortOldest)
	if err := w.LoadPage(ctx, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	last := lister.reqs[len(lister.reqs)-1]
	if last.Cursor != "" {
		t.Errorf("cursor = %q after sort change, want empty", last.Cursor)
	}
	if last.Sort != model.SortOldest {
		t.Errorf("sort = %q, want oldest", last.Sort)
	}
}

func TestBlockedSourceHiddenFromVisible(t *testing.T) {
	other := item(2, "b")
	other.Domain = "other.net"
	w, _ := newLoadedWindow(t, item(1, "a"), other, item(3, "c"))

	w.ApplyToSource("example.com", func(it *model.Item) { it.ContentStatus = model.ContentBlocked })

	if diff := cmp.Diff([]int64{2}, visibleIDs(w)); diff != "" {
		t.Errorf("visible mismatch after block (-want +got):\n%s", diff)
	}
	if got := selectedID(t, w); got != 2 {
		t.Errorf("selected = %d, want fallback to 2", got)
	}
}

func TestSelectionNavigation(t *testing.T) {
	w, _ := newLoadedWindow(t, item(1, "a"), item(2, "b"), item(3, "c"))

	w.SelectNext()
	if got := selectedID(t, w); got != 2 {
		t.Errorf("after next: %d, want 2", got)
	}
	w.SelectNext()
	w.SelectNext() // clamps at the end
	if got := selectedID(t, w); got != 3 {
		t.Errorf("after next at end: %d, want 3", got)
	}
	w.SelectPrev()
	if got := selectedID(t, w); got != 2 {
		t.Errorf("after prev: %d, want 2", got)
	}
	if w.Select(99) {
		t.Error("selecting unknown id should fail")
	}
}
