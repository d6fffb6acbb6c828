package api

import (
	"encoding/json"

	"harvest/internal/execution"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DaemonStatus aggregates daemon runtime information.
type DaemonStatus struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid"`
	LockFilePath  string         `json:"lockFilePath"`
	DurableStore  string         `json:"durableStore"`
	VolatileStore string         `json:"volatileStore"`
	Workflow      WorkflowStatus `json:"workflow"`
}

// WorkflowStatus summarizes orchestration state.
type WorkflowStatus struct {
	Locks        []string           `json:"locks"`
	BatchRunning bool               `json:"batchRunning"`
	ActiveRunID  string             `json:"activeRunId,omitempty"`
	LastBatch    *BatchSummary      `json:"lastBatch,omitempty"`
	Import       *ImportState       `json:"import,omitempty"`
	ImportActive bool               `json:"importActive"`
	Contexts     []ExecutionContext `json:"contexts"`
	RecordCount  int                `json:"recordCount"`
	LatestEvent  uint64             `json:"latestEvent"`
	Health       []ComponentHealth  `json:"health"`
}

// ComponentHealth mirrors readiness reporting for backing components.
type ComponentHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ExecutionContext describes one open execution context.
type ExecutionContext struct {
	ID            string `json:"id"`
	Target        string `json:"target"`
	Label         string `json:"label"`
	CreatedAt     string `json:"createdAt"`
	AgentInjected bool   `json:"agentInjected"`
}

// BatchOutcome is the per-item result of a batch.
type BatchOutcome struct {
	Label       string `json:"label"`
	Target      string `json:"target"`
	Success     bool   `json:"success"`
	SourceLabel string `json:"sourceLabel,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// BatchSummary reports a finished batch.
type BatchSummary struct {
	RunID      string         `json:"runId"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Cancelled  bool           `json:"cancelled"`
	Outcomes   []BatchOutcome `json:"outcomes"`
	StartedAt  string         `json:"startedAt,omitempty"`
	FinishedAt string         `json:"finishedAt,omitempty"`
}

// BatchRequest submits work items.
type BatchRequest struct {
	Items []execution.WorkItem `json:"items"`
	// Wait runs the batch synchronously and returns its summary.
	Wait bool `json:"wait,omitempty"`
}

// BatchStartResponse acknowledges a batch submission.
type BatchStartResponse struct {
	RunID   string        `json:"runId"`
	Summary *BatchSummary `json:"summary,omitempty"`
}

// CancelResponse reports whether a running batch was asked to stop.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ImportStartRequest begins an import. Originator is the URL that receives
// the completion reply.
type ImportStartRequest struct {
	Originator string `json:"originator,omitempty" validate:"omitempty,url"`
}

// SelectionRequest submits the chosen discovery keys.
type SelectionRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,dive,required"`
}

// Discovery is an objective type offered for selection.
type Discovery struct {
	Key    string `json:"key"`
	Code   string `json:"code,omitempty"`
	Label  string `json:"label"`
	Target string `json:"target"`
	Year   int    `json:"year,omitempty"`
}

// ItemError is a failed unit inside an import stage.
type ItemError struct {
	Stage  string `json:"stage"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// ImportOutcome is set once the import is done.
type ImportOutcome struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConfigsCreated int    `json:"configsCreated"`
}

// ImportState is the transport form of the persisted import.
type ImportState struct {
	ID             string         `json:"id"`
	Stage          string         `json:"stage"`
	Cursor         int            `json:"cursor"`
	ScanTargets    int            `json:"scanTargets"`
	Found          []Discovery    `json:"found"`
	Selected       []Discovery    `json:"selected,omitempty"`
	Errors         []ItemError    `json:"errors,omitempty"`
	Processed      int            `json:"processed"`
	TotalToProcess int            `json:"totalToProcess"`
	Originator     string         `json:"originator,omitempty"`
	Outcome        *ImportOutcome `json:"outcome,omitempty"`
	StartedAt      string         `json:"startedAt,omitempty"`
	UpdatedAt      string         `json:"updatedAt,omitempty"`
}

// ImportResponse wraps an optional import state.
type ImportResponse struct {
	Active bool         `json:"active"`
	State  *ImportState `json:"state,omitempty"`
}

// Event is one buffered orchestration event.
type Event struct {
	Sequence  uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	Type      string          `json:"type"`
	RunID     string          `json:"runId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventsResponse is one page of events. Next is the cursor for the
// following request.
type EventsResponse struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
}

// PurgeResponse reports how many records were deleted.
type PurgeResponse struct {
	Removed int `json:"removed"`
}

// LocksResponse lists held locks.
type LocksResponse struct {
	Locks []string `json:"locks"`
}

// NotificationResponse reports a test notification attempt.
type NotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// ReplyRequest is an agent reply relayed over HTTP by an out-of-process
// context host.
type ReplyRequest struct {
	Success     bool            `json:"success"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	SourceLabel string          `json:"sourceLabel,omitempty"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Hint  string `json:"hint,omitempty"`
}
