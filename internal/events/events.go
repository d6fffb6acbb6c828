// Package events buffers orchestration events (progress, batch completion,
// selection requests, import completion) for pollers and long-pollers.
package events

import (
	"encoding/json"
	"time"
)

// Type names an event kind.
type Type string

const (
	TypeProgress        Type = "progress"
	TypeBatchCompleted  Type = "batch_completed"
	TypeSelectionNeeded Type = "selection_needed"
	TypeImportCompleted Type = "import_completed"
)

// Event is one buffered notification.
type Event struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Type      Type            `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// Progress is published after every batch item.
type Progress struct {
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// ItemOutcome mirrors one entry of a batch summary.
type ItemOutcome struct {
	Label   string `json:"label"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// BatchCompleted is published once per run, including cancelled runs.
type BatchCompleted struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Cancelled  bool          `json:"cancelled"`
	Outcomes   []ItemOutcome `json:"outcomes"`
}

// SelectionCandidate is a discovered item the user may select.
type SelectionCandidate struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Year  int    `json:"year,omitempty"`
}

// ItemError describes a failed unit of an import stage.
type ItemError struct {
	Stage  string `json:"stage"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// SelectionNeeded is published when the import pauses for a human choice.
type SelectionNeeded struct {
	ImportID string               `json:"import_id"`
	Found    []SelectionCandidate `json:"found"`
	Errors   []ItemError          `json:"errors,omitempty"`
}

// ImportCompleted is published when an import reaches done.
type ImportCompleted struct {
	ImportID       string      `json:"import_id"`
	Success        bool        `json:"success"`
	Message        string      `json:"message,omitempty"`
	ConfigsCreated int         `json:"configs_created"`
	Errors         []ItemError `json:"errors,omitempty"`
}

// Publisher accepts events. Publishing never blocks on consumers.
type Publisher interface {
	Publish(kind Type, runID string, payload any)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Type, string, any) {}
