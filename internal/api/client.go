package api

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
	"strings"
	"time"
)

// ErrDaemonUnavailable is returned when the daemon cannot be reached.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// StatusError is a non-2xx response decoded from ErrorResponse.
type StatusError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Response.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Response.Error, e.Response.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Response.Error, e.StatusCode)
}

// Client talks to the daemon HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient builds a client for the daemon listening on bind (host:port or a
// full URL). token may be empty.
func NewClient(bind, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{Timeout: 30 * time.Second}}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var resp DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp)
	return resp, err
}

// SubmitBatch submits items. With wait the call blocks until the batch ends,
// so the client timeout is lifted.
func (c *Client) SubmitBatch(ctx context.Context, req BatchRequest) (BatchStartResponse, error) {
	var resp BatchStartResponse
	client := c
	if req.Wait {
		client = &Client{base: c.base, token: c.token, http: &http.Client{}}
	}
	err := client.do(ctx, http.MethodPost, "/api/batch", req, &resp)
	return resp, err
}

// CancelBatch asks the running batch to stop.
func (c *Client) CancelBatch(ctx context.Context) (CancelResponse, error) {
	var resp CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/batch/cancel", nil, &resp)
	return resp, err
}

// StartImport begins an objective import.
func (c *Client) StartImport(ctx context.Context, req ImportStartRequest) (ImportState, error) {
	var resp ImportState
	err := c.do(ctx, http.MethodPost, "/api/import", req, &resp)
	return resp, err
}

// Import fetches the current import state.
func (c *Client) Import(ctx context.Context) (ImportResponse, error) {
	var resp ImportResponse
	err := c.do(ctx, http.MethodGet, "/api/import", nil, &resp)
	return resp, err
}

// SubmitSelection sends the chosen discovery keys.
func (c *Client) SubmitSelection(ctx context.Context, keys []string) (ImportState, error) {
	var resp ImportState
	err := c.do(ctx, http.MethodPost, "/api/import/selection", SelectionRequest{Keys: keys}, &resp)
	return resp, err
}

// Events fetches events after since. With wait the server holds the request
// until at least one event arrives or its poll window closes.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (EventsResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if wait {
		query.Set("wait", "1")
	}
	var resp EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/events?"+query.Encode(), nil, &resp)
	return resp, err
}

// PurgeRecords deletes stored records.
func (c *Client) PurgeRecords(ctx context.Context) (PurgeResponse, error) {
	var resp PurgeResponse
	err := c.do(ctx, http.MethodDelete, "/api/records", nil, &resp)
	return resp, err
}

// Locks lists held locks.
func (c *Client) Locks(ctx context.Context) (LocksResponse, error) {
	var resp LocksResponse
	err := c.do(ctx, http.MethodGet, "/api/locks", nil, &resp)
	return resp, err
}

// TestNotification triggers a test notification.
func (c *Client) TestNotification(ctx context.Context) (NotificationResponse, error) {
	var resp NotificationResponse
	err := c.do(ctx, http.MethodPost, "/api/notifications/test", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
			if apiErr.Error == "" {
				apiErr.Error = resp.Status
			}
		}
		return &StatusError{StatusCode: resp.StatusCode, Response: apiErr}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
