package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"harvest/internal/config"
)

// ErrNoOriginator is returned when a completion has nowhere to go.
var ErrNoOriginator = errors.New("no originator endpoint")

// Completion is the single message an import owes to its originator.
type Completion struct {
	ImportID       string   `json:"import_id"`
	Success        bool     `json:"success"`
	Message        string   `json:"message"`
	ConfigsCreated int      `json:"configs_created"`
	Errors         []string `json:"errors,omitempty"`
}

// Originator delivers completions to the endpoint that started an import.
type Originator interface {
	Reply(ctx context.Context, ref string, completion Completion) error
}

// HTTPOriginator posts completions as JSON to the originator URL.
type HTTPOriginator struct {
	client *http.Client
}

// NewOriginator builds an HTTP originator using the configured timeout.
func NewOriginator(cfg *config.Config) *HTTPOriginator {
	timeout := 15 * time.Second
	if cfg != nil && cfg.Notifications.OriginatorTimeout > 0 {
		timeout = time.Duration(cfg.Notifications.OriginatorTimeout) * time.Second
	}
	return &HTTPOriginator{client: &http.Client{Timeout: timeout}}
}

// Reply posts completion to ref. An empty ref yields ErrNoOriginator.
func (o *HTTPOriginator) Reply(ctx context.Context, ref string, completion Completion) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrNoOriginator
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("originator %q is not an absolute URL", ref)
	}
	body, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build originator request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("originator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Originator = (*HTTPOriginator)(nil)
