package workflow

import (
	"context"

	"github.com/google/uuid"

	"harvest/internal/batch"
	"harvest/internal/execution"
	"harvest/internal/lockreg"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/services"
)

// RunBatch runs items to completion under the batch-processing lock. Ending
// ctx stops the run after the item in flight; only the service's root context
// interrupts an item.
func (s *Service) RunBatch(ctx context.Context, items []execution.WorkItem) (batch.Summary, error) {
	if err := batch.ValidateItems(items); err != nil {
		return batch.Summary{}, err
	}
	var summary batch.Summary
	err := s.locks.Guard(ctx, lockreg.BatchProcessing, func(ctx context.Context) error {
		runID := uuid.NewString()
		summary = s.run(ctx, runID, items, s.begin(runID))
		return nil
	})
	return summary, err
}

// StartBatch takes the batch-processing lock and runs items in the
// background. The lock is held until the run finishes; the returned run id
// matches the events the run publishes.
func (s *Service) StartBatch(ctx context.Context, items []execution.WorkItem) (string, error) {
	if err := batch.ValidateItems(items); err != nil {
		return "", err
	}
	if err := s.locks.Acquire(ctx, lockreg.BatchProcessing); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	cancel := s.begin(runID)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(s.root), lockreg.BatchProcessing); err != nil {
				logging.WarnWithContext(s.logger, "lock release failed", "lock_release_failed",
					append(logging.ErrorAttrs(err), logging.String(logging.FieldLock, lockreg.BatchProcessing))...)
			}
		}()
		s.run(s.root, runID, items, cancel)
	}()
	return runID, nil
}

// CancelBatch asks the active batch to stop before its next item. It
// reports whether a batch was running.
func (s *Service) CancelBatch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return false
	}
	s.active.Cancel()
	s.logger.Info("batch cancellation requested", logging.String(logging.FieldRunID, s.activeRun))
	return true
}

func (s *Service) begin(runID string) *batch.Cancellation {
	cancel := batch.NewCancellation()
	s.mu.Lock()
	s.active = cancel
	s.activeRun = runID
	s.mu.Unlock()
	return cancel
}

func (s *Service) run(ctx context.Context, runID string, items []execution.WorkItem, cancel *batch.Cancellation) batch.Summary {
	ctx = services.WithRunID(ctx, runID)
	summary := s.runner.Run(ctx, items, cancel)

	s.mu.Lock()
	s.active = nil
	s.activeRun = ""
	last := summary
	s.lastBatch = &last
	s.mu.Unlock()

	s.notify(context.WithoutCancel(ctx), notifications.EventBatchCompleted, notifications.Payload{
		"total":      summary.Total,
		"successful": summary.Successful,
		"processed":  len(summary.Outcomes),
		"cancelled":  summary.Cancelled,
	})
	return summary
}
