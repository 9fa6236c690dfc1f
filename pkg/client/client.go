// Package client is the Go client for a station's diagnostics surface.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:9180", client.WithAPIKey("secret"))
//
//	st, err := c.Pending(ctx)
//	fmt.Println(st.Pending.Live, st.Pending.Offline)
//
//	// Persist now rather than at the next adaptive flush
//	err = c.Flush(ctx)
//
//	// Look at what was given up on, then send it again
//	dropped, err := c.Dropped(ctx, 50)
//	err = c.ReplayDropped(ctx, 0)
//
// # Error handling
//
// All methods return an *APIError when the station responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and message.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the station responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("station: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the error is a 401 from the station.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 10 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one station.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the diagnostics surface at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Response types ───────────────────────────────────────────────────────────

// Health is the /health response.
type Health struct {
	Status       string `json:"status"`
	StationID    string `json:"station_id"`
	Protocol     string `json:"protocol"`
	Connected    bool   `json:"connected"`
	BootAccepted bool   `json:"boot_accepted"`
	Pending      int    `json:"pending"`
	Uptime       string `json:"uptime"`
	UptimeMs     int64  `json:"uptime_ms"`
	DataDir      string `json:"data_dir"`
}

// Actions is the action name of a record per protocol version.
type Actions struct {
	V16  string `json:"v16,omitempty"`
	V201 string `json:"v201,omitempty"`
}

// Record is one pending record.
type Record struct {
	UniqueID        int64   `json:"unique_id"`
	Queue           string  `json:"queue"`
	Type            string  `json:"type"`
	Actions         Actions `json:"actions"`
	GroupID         *uint64 `json:"group_id,omitempty"`
	Priority        int     `json:"priority"`
	Attempts        int     `json:"attempts"`
	MessageAttempts int     `json:"message_attempts"`
	PayloadBytes    int     `json:"payload_bytes"`
}

// Queues describes the delivery engine.
type Queues struct {
	Version             string    `json:"version"`
	Live                int       `json:"live"`
	Offline             int       `json:"offline"`
	OfflineBytes        int       `json:"offline_bytes"`
	OfflineRawBytes     int       `json:"offline_raw_bytes"`
	OfflineBlocks       int       `json:"offline_blocks"`
	CeilingBytes        int       `json:"ceiling_bytes"`
	InFlight            *int64    `json:"in_flight,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ActiveOfflineGroups []uint64  `json:"active_offline_groups"`
	BlacklistedGroups   []uint64  `json:"blacklisted_groups"`
	Dirty               bool      `json:"dirty"`
	LastFlush           time.Time `json:"last_flush"`
	LastFlushError      string    `json:"last_flush_error,omitempty"`
	FlushCount          uint64    `json:"flush_count"`
	Records             []Record  `json:"records"`
}

// State is the /api/pending response.
type State struct {
	At                time.Time `json:"at"`
	Connected         bool      `json:"connected"`
	BootAccepted      bool      `json:"boot_accepted"`
	BootStatus        string    `json:"boot_status,omitempty"`
	HeartbeatFailures int       `json:"heartbeat_failures"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	Upload            string    `json:"upload"`
	Pending           Queues    `json:"pending"`
}

// DroppedRecord is one entry of the dropped-record journal.
type DroppedRecord struct {
	UniqueID     int64     `json:"unique_id"`
	Actions      Actions   `json:"actions"`
	Type         string    `json:"type"`
	GroupID      *uint64   `json:"group_id,omitempty"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	PayloadBytes int       `json:"payload_bytes"`
	At           time.Time `json:"at"`
}

// LogEntry is one retained log record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ─── Calls ────────────────────────────────────────────────────────────────────

// Health returns the station's liveness summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Pending returns the most recently published delivery state.
func (c *Client) Pending(ctx context.Context) (*State, error) {
	var s State
	if err := c.do(ctx, http.MethodGet, "/api/pending", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Dropped returns up to limit of the newest dropped records, oldest first,
// and the number dropped since the station started. limit <= 0 returns all
// the journal holds.
func (c *Client) Dropped(ctx context.Context, limit int) ([]DroppedRecord, int64, error) {
	path := "/api/dropped"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []DroppedRecord `json:"entries"`
		Total   int64           `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Entries, resp.Total, nil
}

// ReplayDropped asks the station to enqueue up to limit dropped records
// again, oldest first. limit 0 replays all of them.
func (c *Client) ReplayDropped(ctx context.Context, limit int) error {
	return c.do(ctx, http.MethodPost, "/api/dropped/replay", map[string]int{"limit": limit}, nil)
}

// Logs returns up to limit of the newest retained log records.
func (c *Client) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	path := "/api/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []LogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Flush asks the station to persist its pending state on the next tick.
func (c *Client) Flush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/flush", nil, nil)
}

// Upload asks the station to upload a diagnostics bundle to url. requestID
// is reported back to the CSMS in the upload status notification.
func (c *Client) Upload(ctx context.Context, url string, requestID int) error {
	body := struct {
		URL       string `json:"url"`
		RequestID int    `json:"request_id"`
	}{url, requestID}
	return c.do(ctx, http.MethodPost, "/api/upload", body, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("station: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("station: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("station: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("station: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("station: decode response: %w", err)
		}
	}
	return nil
}
