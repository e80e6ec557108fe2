package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"feedsync/internal/model"
)

const beaconTimeout = 2 * time.Second

// SendBeacon performs the terminal best-effort delivery used at session
// teardown. It runs on its own short deadline, detached from any
// cancellation already in progress, and reports whether the batch was
// handed off. A false return leaves the caller's persisted state as the
// only copy, to be resumed on the next session.
func (c *Client) SendBeacon(actions []model.PendingAction) bool {
	body, err := json.Marshal(struct {
		Requests []model.PendingAction `json:"requests"`
	}{Requests: actions})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/batch", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
