package batch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/logging"
	"harvest/internal/records"
	"harvest/internal/services"
)

// Item statuses reported in progress events.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Dispatcher runs one work item to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, item execution.WorkItem, agent execution.AgentDescriptor, readyTimeout time.Duration) execution.TaskResult
}

// Outcome records what happened to one item.
type Outcome struct {
	Label       string `json:"label"`
	Target      string `json:"target"`
	Success     bool   `json:"success"`
	SourceLabel string `json:"source_label,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Summary is the result of one run. Total is always the number of submitted
// items; Outcomes only holds items that were processed.
type Summary struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Outcomes   []Outcome `json:"outcomes"`
	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failed counts processed items that did not succeed.
func (s Summary) Failed() int {
	return len(s.Outcomes) - s.Successful
}

// Cancellation is a cooperative stop flag checked between items.
type Cancellation struct {
	cancelled atomic.Bool
}

// NewCancellation returns an unset flag.
func NewCancellation() *Cancellation {
	return &Cancellation{}
}

// Cancel requests that the run stop before its next item.
func (c *Cancellation) Cancel() {
	if c != nil {
		c.cancelled.Store(true)
	}
}

// Cancelled reports whether Cancel was called.
func (c *Cancellation) Cancelled() bool {
	return c != nil && c.cancelled.Load()
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sets the event sink for progress and completion events.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithAgent sets the agent descriptor injected for every item.
func WithAgent(agent execution.AgentDescriptor) Option {
	return func(r *Runner) { r.agent = agent }
}

// WithReadyTimeout sets the per-item context load timeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.readyTimeout = d
		}
	}
}

// WithRootContext sets the context whose end preempts the item in flight,
// normally the daemon's lifetime. Ending the ctx passed to Run only stops the
// run before its next item.
func WithRootContext(root context.Context) Option {
	return func(r *Runner) {
		if root != nil {
			r.root = root
		}
	}
}

// Runner processes work items strictly in order.
type Runner struct {
	root         context.Context
	dispatcher   Dispatcher
	persister    records.Persister
	publisher    events.Publisher
	logger       *slog.Logger
	agent        execution.AgentDescriptor
	readyTimeout time.Duration
	now          func() time.Time
}

// NewRunner builds a runner.
func NewRunner(dispatcher Dispatcher, persister records.Persister, opts ...Option) *Runner {
	r := &Runner{
		root:         context.Background(),
		dispatcher:   dispatcher,
		persister:    persister,
		publisher:    events.Discard{},
		readyTimeout: 30 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "batch")
	return r
}

// Run processes items in order and returns the summary. cancel may be nil.
// The run id is taken from ctx when present. Ending ctx acts like cancel: the
// item in flight finishes and the run stops at the next boundary.
func (r *Runner) Run(ctx context.Context, items []execution.WorkItem, cancel *Cancellation) Summary {
	runID, ok := services.RunIDFromContext(ctx)
	if !ok {
		runID = uuid.NewString()
		ctx = services.WithRunID(ctx, runID)
	}
	logger := logging.WithContext(ctx, r.logger)

	itemCtx, stopItems := context.WithCancel(context.WithoutCancel(ctx))
	defer stopItems()
	stopOnRoot := context.AfterFunc(r.root, stopItems)
	defer stopOnRoot()

	summary := Summary{
		RunID:     runID,
		Total:     len(items),
		Outcomes:  make([]Outcome, 0, len(items)),
		StartedAt: r.now().UTC(),
	}
	logger.Info("batch started", logging.Int("total", summary.Total))

	for i, item := range items {
		if cancel.Cancelled() || ctx.Err() != nil || itemCtx.Err() != nil {
			summary.Cancelled = true
			logger.Info("batch cancelled",
				logging.Int("processed", len(summary.Outcomes)),
				logging.Int("total", summary.Total),
			)
			break
		}

		outcome := r.process(itemCtx, item)
		if outcome.Success {
			summary.Successful++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)

		status := StatusSuccess
		if !outcome.Success {
			status = StatusFailure
		}
		r.publisher.Publish(events.TypeProgress, runID, events.Progress{
			Index:      i + 1,
			Total:      summary.Total,
			Successful: summary.Successful,
			Label:      outcome.Label,
			Status:     status,
			Reason:     outcome.Reason,
		})
	}

	summary.FinishedAt = r.now().UTC()
	r.publisher.Publish(events.TypeBatchCompleted, runID, completedEvent(summary))
	logger.Info("batch completed",
		logging.Int("total", summary.Total),
		logging.Int("successful", summary.Successful),
		logging.Int("failed", summary.Failed()),
		logging.Bool("cancelled", summary.Cancelled),
		logging.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary
}

func (r *Runner) process(ctx context.Context, item execution.WorkItem) Outcome {
	ctx = services.WithItemLabel(ctx, item.Label)
	outcome := Outcome{Label: item.Label, Target: item.Target}

	result := r.dispatcher.Dispatch(ctx, item, r.agent, r.readyTimeout)
	if !result.OK {
		outcome.Reason = result.Reason
		return outcome
	}
	outcome.SourceLabel = result.SourceLabel

	label := result.SourceLabel
	if label == "" {
		label = item.Label
	}
	if err := r.persister.Persist(ctx, result.Payload, label, item.Year, item.Month); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "record persist failed", "record_persist_failed",
			logging.ErrorAttrs(err)...)
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.Success = true
	return outcome
}

func completedEvent(s Summary) events.BatchCompleted {
	out := events.BatchCompleted{
		Total:      s.Total,
		Successful: s.Successful,
		Cancelled:  s.Cancelled,
		Outcomes:   make([]events.ItemOutcome, 0, len(s.Outcomes)),
	}
	for _, o := range s.Outcomes {
		out.Outcomes = append(out.Outcomes, events.ItemOutcome{Label: o.Label, Success: o.Success, Reason: o.Reason})
	}
	return out
}
