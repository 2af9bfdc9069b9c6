// Package client is the terminal's HTTP client for the sync API. It draws a
// hard line between "offline" (transport failure, retry the same batch later)
// and a server verdict (2xx with per-event results, or a 4xx that retrying
// will not fix).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrOffline wraps transport-level failures: DNS, refused connections,
// timeouts, 5xx. The batch is untouched and should be resent as-is.
var ErrOffline = errors.New("client: server unreachable")

// ErrRejected wraps request-level failures the server will never accept:
// authentication, oversized batches, malformed bodies.
var ErrRejected = errors.New("client: request rejected")

// Headers the server authenticates devices by.
const (
	HeaderDeviceID    = "X-Device-Id"
	HeaderDeviceToken = "X-Device-Token"
)

// EventResult is the server's per-event verdict.
type EventResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// PushResponse is the server's answer to one push batch.
type PushResponse struct {
	Results        []EventResult `json:"results"`
	LastAppliedSeq int64         `json:"last_applied_seq"`
}

// Event is one outbox event on the wire.
type Event struct {
	EventID   string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PullResponse carries one reference data delta page.
type PullResponse struct {
	Items          json.RawMessage `json:"items"`
	PriceLists     json.RawMessage `json:"price_lists"`
	Prices         json.RawMessage `json:"prices"`
	Promotions     json.RawMessage `json:"promotions"`
	Cursor         string          `json:"cursor"`
	More           bool            `json:"more"`
	LastAppliedSeq int64           `json:"last_applied_seq"`
}

// Client talks to one sync server as one device.
type Client struct {
	baseURL  string
	deviceID string
	token    string
	http     *http.Client
}

// New constructs a client. timeout bounds each round trip.
func New(baseURL, deviceID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

// Push submits one event batch. An ErrOffline return means nothing reached
// the server conclusively; resend the identical batch when connectivity
// returns.
func (c *Client) Push(ctx context.Context, events []Event) (PushResponse, error) {
	body, err := json.Marshal(struct {
		Events []Event `json:"events"`
	}{Events: events})
	if err != nil {
		return PushResponse{}, fmt.Errorf("client: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return PushResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return PushResponse{}, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return PushResponse{}, fmt.Errorf("%w: server returned %d", ErrOffline, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return PushResponse{}, fmt.Errorf("%w: %s", ErrRejected, readProblem(resp.Body))
	}

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PushResponse{}, fmt.Errorf("%w: bad response body: %v", ErrOffline, err)
	}
	return out, nil
}

// Pull fetches one reference data delta page after the cursor.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (PullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/api/v1/sync/pull"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PullResponse{}, err
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return PullResponse{}, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return PullResponse{}, fmt.Errorf("%w: server returned %d", ErrOffline, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return PullResponse{}, fmt.Errorf("%w: %s", ErrRejected, readProblem(resp.Body))
	}

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PullResponse{}, fmt.Errorf("%w: bad response body: %v", ErrOffline, err)
	}
	return out, nil
}

func (c *Client) authenticate(req *http.Request) {
	req.Header.Set(HeaderDeviceID, c.deviceID)
	req.Header.Set(HeaderDeviceToken, c.token)
}

func readProblem(body io.Reader) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&problem); err != nil {
		return "unreadable problem response"
	}
	if problem.Detail != "" {
		return problem.Title + ": " + problem.Detail
	}
	return problem.Title
}
