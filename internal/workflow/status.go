package workflow

import (
	"context"
	"time"

	"harvest/internal/batch"
	"harvest/internal/execution"
	"harvest/internal/importer"
)

// StatusSummary captures the current orchestration state.
type StatusSummary struct {
	Locks        []string            `json:"locks"`
	BatchRunning bool                `json:"batch_running"`
	ActiveRunID  string              `json:"active_run_id,omitempty"`
	LastBatch    *batch.Summary      `json:"last_batch,omitempty"`
	Import       *importer.State     `json:"import,omitempty"`
	ImportActive bool                `json:"import_active"`
	Contexts     []execution.Context `json:"contexts"`
	RecordCount  int                 `json:"record_count"`
	LatestEvent  uint64              `json:"latest_event"`
	Health       []ComponentHealth   `json:"health"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

// Status aggregates lock, batch, import and store state.
func (s *Service) Status(ctx context.Context) (StatusSummary, error) {
	locks, err := s.locks.Held(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	count, err := s.records.Count(ctx)
	if err != nil {
		return StatusSummary{}, err
	}

	summary := StatusSummary{
		Locks:        locks,
		RecordCount:  count,
		ImportActive: s.importer.Running(),
		Contexts:     s.deps.Executor.Contexts(),
		Health:       s.health(ctx),
		GeneratedAt:  time.Now().UTC(),
	}
	if summary.Contexts == nil {
		summary.Contexts = []execution.Context{}
	}

	s.mu.RLock()
	summary.BatchRunning = s.active != nil
	summary.ActiveRunID = s.activeRun
	if s.lastBatch != nil {
		last := *s.lastBatch
		summary.LastBatch = &last
	}
	s.mu.RUnlock()

	if state, ok, err := s.importer.State(ctx); err != nil {
		return StatusSummary{}, err
	} else if ok {
		summary.Import = &state
	}
	if s.deps.Hub != nil {
		summary.LatestEvent = s.deps.Hub.Latest()
	}
	return summary, nil
}
