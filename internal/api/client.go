// Package api implements the HTTP client for the feed server boundary.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedsync/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response from the server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Permanent reports whether the failure is a client error that retrying
// cannot fix.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// Page is one page of the item list.
type Page struct {
	Items      []model.Item
	HasMore    bool
	NextCursor string
}

// ListRequest describes one item list query.
type ListRequest struct {
	Cursor string
	Limit  int
	Sort   model.SortKey
	Filter model.Filter
}

// Status is the server's lightweight delta signal: counts of items per
// content-extraction state.
type Status struct {
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

// Client talks to the feed server.
type Client struct {
	baseURL   string
	client    HTTPClient
	userAgent string
}

// New creates a Client with the given HTTP client.
func New(baseURL string, client HTTPClient, userAgent string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		userAgent: userAgent,
	}
}

type wireItem struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Domain        string `json:"domain"`
	By            string `json:"by"`
	Time          int64  `json:"time"`
	Score         int    `json:"score"`
	Descendants   int    `json:"descendants"`
	ContentStatus string `json:"content_status"`
	Teaser        string `json:"teaser"`
	IsDismissed   bool   `json:"is_dismissed"`
	IsReadLater   bool   `json:"is_read_later"`
	IsRead        bool   `json:"is_read"`
}

func (w wireItem) toModel() model.Item {
	return model.Item{
		ID:            w.ID,
		Title:         w.Title,
		URL:           w.URL,
		Domain:        w.Domain,
		By:            w.By,
		Posted:        time.Unix(w.Time, 0).UTC(),
		Score:         w.Score,
		Comments:      w.Descendants,
		ContentStatus: model.ContentStatus(w.ContentStatus),
		Teaser:        w.Teaser,
		Dismissed:     w.IsDismissed,
		ReadLater:     w.IsReadLater,
		Read:          w.IsRead,
	}
}

// ListItems fetches one page of items.
func (c *Client) ListItems(ctx context.Context, req ListRequest) (*Page, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Sort != "" {
		q.Set("sort", string(req.Sort))
	}
	if req.Filter.DismissedOnly {
		q.Set("dismissed_only", "true")
	}
	if req.Filter.IncludeBlocked {
		q.Set("include_blocked", "true")
	}
	if req.Filter.IncludeReadLater {
		q.Set("include_read_later", "true")
	}
	if req.Filter.ReadLaterOnly {
		q.Set("read_later_only", "true")
	}

	var resp struct {
		Stories    []wireItem `json:"stories"`
		HasMore    bool       `json:"has_more"`
		NextCursor string     `json:"next_cursor"`
	}
	if err := c.get(ctx, "/api/stories?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	page := &Page{
		Items:      make([]model.Item, 0, len(resp.Stories)),
		HasMore:    resp.HasMore,
		NextCursor: resp.NextCursor,
	}
	for _, w := range resp.Stories {
		page.Items = append(page.Items, w.toModel())
	}
	return page, nil
}

// SendBatch delivers a batch of pending actions. Any 2xx response means
// the whole batch was accepted; no per-action result is reported.
func (c *Client) SendBatch(ctx context.Context, actions []model.PendingAction) error {
	body, err := json.Marshal(struct {
		Requests []model.PendingAction `json:"requests"`
	}{Requests: actions})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Status fetches the server's content-extraction counters.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/api/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ItemUpdates fetches items whose extracted content changed recently.
func (c *Client) ItemUpdates(ctx context.Context) ([]model.ItemUpdate, error) {
	var resp []struct {
		ID            int64  `json:"id"`
		ContentStatus string `json:"content_status"`
		Teaser        string `json:"teaser"`
		Content       string `json:"content"`
	}
	if err := c.get(ctx, "/api/stories/updates", &resp); err != nil {
		return nil, err
	}

	updates := make([]model.ItemUpdate, 0, len(resp))
	for _, u := range resp {
		updates = append(updates, model.ItemUpdate{
			ID:            u.ID,
			ContentStatus: model.ContentStatus(u.ContentStatus),
			Teaser:        u.Teaser,
			Content:       u.Content,
		})
	}
	return updates, nil
}

// Content fetches one item's extracted body.
func (c *Client) Content(ctx context.Context, itemID int64) (string, model.ContentStatus, error) {
	var resp struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/story/%d/content", itemID), &resp); err != nil {
		return "", "", err
	}
	return resp.Content, model.ContentStatus(resp.Status), nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
