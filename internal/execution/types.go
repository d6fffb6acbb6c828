package execution

import (
	"encoding/json"
	"errors"
	"time"

	"harvest/internal/services"
)

// TaskType tells the extraction agent what to do with the target.
type TaskType string

const (
	// TaskExtract scrapes one document into a record payload.
	TaskExtract TaskType = "extract"
	// TaskDiscover lists the objective types on a seed page.
	TaskDiscover TaskType = "discover"
	// TaskDiscoverChildren lists the monthly children of a selected objective.
	TaskDiscoverChildren TaskType = "discover-children"
	// TaskReport renders a report document.
	TaskReport TaskType = "report"
)

// KnownTaskTypes lists the task types agents understand.
var KnownTaskTypes = []TaskType{TaskExtract, TaskDiscover, TaskDiscoverChildren, TaskReport}

// WorkItem is one unit of work handed to Dispatch.
type WorkItem struct {
	Target      string   `json:"target" yaml:"target" validate:"required,url"`
	Label       string   `json:"label" yaml:"label" validate:"required"`
	Task        TaskType `json:"task" yaml:"task" validate:"omitempty,oneof=extract discover discover-children report"`
	Year        int      `json:"year,omitempty" yaml:"year" validate:"omitempty,gte=1900,lte=2200"`
	Month       int      `json:"month,omitempty" yaml:"month" validate:"omitempty,gte=1,lte=12"`
	AckRequired bool     `json:"ack_required,omitempty" yaml:"ack_required"`
	ParentLabel string   `json:"parent_label,omitempty" yaml:"parent_label"`
}

// AgentDescriptor identifies the extraction agent injected into each context.
type AgentDescriptor struct {
	Name    string `json:"name"`
	Script  string `json:"script,omitempty"`
	Version string `json:"version,omitempty"`
}

// TaskDescriptor is the task message sent to the agent.
type TaskDescriptor struct {
	ContextID   string   `json:"context_id"`
	Task        TaskType `json:"task"`
	Target      string   `json:"target"`
	Label       string   `json:"label"`
	Year        int      `json:"year,omitempty"`
	Month       int      `json:"month,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
	ParentLabel string   `json:"parent_label,omitempty"`
}

// Describe builds the task message for item inside context id.
func Describe(id string, item WorkItem) TaskDescriptor {
	task := item.Task
	if task == "" {
		task = TaskExtract
	}
	return TaskDescriptor{
		ContextID:   id,
		Task:        task,
		Target:      item.Target,
		Label:       item.Label,
		Year:        item.Year,
		Month:       item.Month,
		AckRequired: item.AckRequired,
		ParentLabel: item.ParentLabel,
	}
}

// Message is the agent's reply addressed to one context.
type Message struct {
	ContextID   string          `json:"context_id"`
	Success     bool            `json:"success"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SourceLabel string          `json:"source_label,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TaskResult is either a success carrying the payload or a failure carrying a
// reason. Err holds the classified cause of a failure.
type TaskResult struct {
	OK          bool            `json:"ok"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SourceLabel string          `json:"source_label,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Err         error           `json:"-"`
}

// Success builds a successful result.
func Success(payload json.RawMessage, sourceLabel string) TaskResult {
	return TaskResult{OK: true, Payload: payload, SourceLabel: sourceLabel}
}

// Failure builds a failed result from err.
func Failure(err error) TaskResult {
	if err == nil {
		err = services.Wrap(services.ErrAgentReportedFailure, "execution", "", "unspecified failure", nil)
	}
	return TaskResult{Reason: err.Error(), Err: err}
}

// Context is the manager's record of one open execution context.
type Context struct {
	ID            string    `json:"id"`
	Target        string    `json:"target"`
	Label         string    `json:"label"`
	CreatedAt     time.Time `json:"created_at"`
	AgentInjected bool      `json:"agent_injected"`
}

var (
	// ErrContextGone is returned by Driver.Ready when the context exited.
	ErrContextGone = errors.New("execution context gone")
	// ErrUnknownContext rejects replies for contexts that were never registered.
	ErrUnknownContext = errors.New("unknown execution context")
	// ErrAlreadySettled rejects a second reply for the same context.
	ErrAlreadySettled = errors.New("execution context already settled")
)
