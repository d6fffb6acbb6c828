package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"harvest/internal/config"
)

const userAgent = "Harvest-Go/0.1.0"

// Event identifies a notification milestone.
type Event string

const (
	EventBatchStarted     Event = "batch_started"
	EventBatchCompleted   Event = "batch_completed"
	EventSelectionNeeded  Event = "selection_needed"
	EventImportCompleted  Event = "import_completed"
	EventRecordsPurged    Event = "records_purged"
	EventError            Event = "error"
	EventTestNotification Event = "test"
)

// Payload carries event-specific values.
type Payload map[string]any

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventBatchCompleted:
		total := payload.intValue("total")
		successful := payload.intValue("successful")
		failed := total - successful
		if payload.boolValue("cancelled") {
			return message{
				title: "Harvest - Batch Cancelled",
				body:  fmt.Sprintf("Batch cancelled after %d of %d items (%d succeeded)", payload.intValue("processed"), total, successful),
				tags:  []string{"harvest", "batch", "cancelled"},
			}, true
		}
		if failed <= 0 {
			return message{
				title: "Harvest - Batch Complete",
				body:  fmt.Sprintf("Batch complete: %d items imported", successful),
				tags:  []string{"harvest", "batch", "completed"},
			}, true
		}
		return message{
			title: "Harvest - Batch Complete (with errors)",
			body:  fmt.Sprintf("Batch complete: %d succeeded, %d failed", successful, failed),
			tags:  []string{"harvest", "batch", "completed"},
		}, true
	case EventSelectionNeeded:
		body := fmt.Sprintf("Found %d objective types; selection required", payload.intValue("found"))
		if errs := payload.intValue("errors"); errs > 0 {
			body = fmt.Sprintf("%s (%d seed pages failed)", body, errs)
		}
		return message{
			title:    "Harvest - Selection Needed",
			body:     body,
			tags:     []string{"harvest", "import", "selection"},
			priority: "high",
		}, true
	case EventImportCompleted:
		if !payload.boolValue("success") {
			return message{
				title:    "Harvest - Import Failed",
				body:     fmt.Sprintf("❌ Import failed: %s", payload.stringValue("message")),
				tags:     []string{"harvest", "import", "failed"},
				priority: "high",
			}, true
		}
		return message{
			title: "Harvest - Import Complete",
			body:  fmt.Sprintf("✅ %s", payload.stringValue("message")),
			tags:  []string{"harvest", "import", "completed"},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := payload.stringValue("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if reason := payload.stringValue("error"); reason != "" {
			builder.WriteString(reason)
		} else {
			builder.WriteString("unknown")
		}
		return message{
			title:    "Harvest - Error",
			body:     builder.String(),
			tags:     []string{"harvest", "error", "alert"},
			priority: "high",
		}, true
	case EventTestNotification:
		return message{
			title:    "Harvest - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"harvest", "test"},
			priority: "low",
		}, true
	default:
		// batch_started and records_purged are logged, not pushed.
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

func (p Payload) stringValue(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) intValue(key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (p Payload) boolValue(key string) bool {
	if p == nil {
		return false
	}
	v, _ := p[key].(bool)
	return v
}
