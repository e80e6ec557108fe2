// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ContentStatus tracks server-side extraction progress for an item's body.
type ContentStatus string

// Content extraction states reported by the server.
const (
	ContentPending  ContentStatus = "pending"
	ContentFetching ContentStatus = "fetching"
	ContentDone     ContentStatus = "done"
	ContentFailed   ContentStatus = "failed"
	ContentBlocked  ContentStatus = "blocked"
)

// SortKey selects the server-side ordering of the item list.
type SortKey string

// Supported sort orders. Both order by timestamp with the item ID as
// tie-break, matching the server's keyset pagination.
const (
	SortNewest SortKey = "newest"
	SortOldest SortKey = "oldest"
)

// Item is one feed entry as known to the client.
//
// Dismissed, ReadLater and Read are user-owned: only optimistic mutations
// write them. ContentStatus, Content and Teaser are server-owned: only
// reconciliation writes them. No field is written by both paths.
type Item struct {
	ID            int64
	Title         string
	URL           string
	Domain        string
	By            string
	Posted        time.Time
	Score         int
	Comments      int
	ContentStatus ContentStatus
	Teaser        string
	Content       string
	Dismissed     bool
	ReadLater     bool
	Read          bool
}

// ItemUpdate carries server-confirmed changes to an item's server-owned
// fields. Zero-valued fields are left untouched when applied.
type ItemUpdate struct {
	ID            int64
	ContentStatus ContentStatus
	Teaser        string
	Content       string
}

// PendingAction is one not-yet-confirmed mutation destined for the server's
// batch endpoint. The JSON shape is the batch wire format.
type PendingAction struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Dismiss marks an item as dismissed. Like every action below it maps to
// an idempotent server handler, so replaying it is harmless.
func Dismiss(id int64) PendingAction {
	return PendingAction{Method: "POST", Path: fmt.Sprintf("/api/dismiss/%d", id)}
}

// Undismiss clears an item's dismissed flag.
func Undismiss(id int64) PendingAction {
	return PendingAction{Method: "DELETE", Path: fmt.Sprintf("/api/dismiss/%d", id)}
}

// AddReadLater saves an item for later reading.
func AddReadLater(id int64) PendingAction {
	return PendingAction{Method: "POST", Path: fmt.Sprintf("/api/readlater/%d", id)}
}

// RemoveReadLater removes an item from the read-later list.
func RemoveReadLater(id int64) PendingAction {
	return PendingAction{Method: "DELETE", Path: fmt.Sprintf("/api/readlater/%d", id)}
}

// BlockDomain blocks every item from the given source domain.
func BlockDomain(domain string) PendingAction {
	return PendingAction{
		Method: "POST",
		Path:   "/api/blocked/domains?domain=" + url.QueryEscape(domain),
	}
}

// MarkOpened records that the user opened an item.
func MarkOpened(id int64) PendingAction {
	return PendingAction{Method: "POST", Path: fmt.Sprintf("/api/story/%d/opened", id)}
}

// Filter selects which items are visible. The boolean flags mirror the
// server's list query parameters; the word and domain lists are applied
// locally so a block takes effect before the server confirms it.
type Filter struct {
	DismissedOnly    bool
	IncludeBlocked   bool
	IncludeReadLater bool
	ReadLaterOnly    bool
	BlockedWords     []string
	BlockedDomains   []string
}

// Match reports whether an item passes the filter.
func (f Filter) Match(it *Item) bool {
	if f.DismissedOnly != it.Dismissed {
		return false
	}
	if f.ReadLaterOnly && !it.ReadLater {
		return false
	}
	if !f.ReadLaterOnly && !f.IncludeReadLater && it.ReadLater {
		return false
	}
	if !f.IncludeBlocked {
		if it.ContentStatus == ContentBlocked {
			return false
		}
		for _, d := range f.BlockedDomains {
			if strings.EqualFold(d, it.Domain) {
				return false
			}
		}
		title := strings.ToLower(it.Title)
		for _, w := range f.BlockedWords {
			if w != "" && strings.Contains(title, strings.ToLower(w)) {
				return false
			}
		}
	}
	return true
}
