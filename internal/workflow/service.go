package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"harvest/internal/batch"
	"harvest/internal/config"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/importer"
	"harvest/internal/kvstore"
	"harvest/internal/lockreg"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/records"
	"harvest/internal/services"
)

// Executor runs work items and reports the contexts currently open.
// *execution.Manager satisfies it.
type Executor interface {
	Dispatch(ctx context.Context, item execution.WorkItem, agent execution.AgentDescriptor, readyTimeout time.Duration) execution.TaskResult
	Contexts() []execution.Context
}

// Dependencies wires the Service to its collaborators.
type Dependencies struct {
	Executor   Executor
	Volatile   kvstore.Store
	Durable    kvstore.Store
	Hub        *events.Hub
	Notifier   notifications.Service
	Originator notifications.Originator
	Logger     *slog.Logger
}

// Service coordinates batch runs, imports and record maintenance.
type Service struct {
	cfg       *config.Config
	logger    *slog.Logger
	root      context.Context
	deps      Dependencies
	publisher events.Publisher
	locks     *lockreg.Registry
	records   *records.Store
	runner    *batch.Runner
	importer  *importer.Machine

	mu         sync.RWMutex
	active     *batch.Cancellation
	activeRun  string
	lastBatch  *batch.Summary
	background sync.WaitGroup
}

// NewService builds the facade. Background work (asynchronous batches and
// import drive loops) runs under root and stops when it is cancelled.
func NewService(root context.Context, cfg *config.Config, deps Dependencies) *Service {
	if root == nil {
		root = context.Background()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewService(cfg)
	}
	if deps.Originator == nil {
		deps.Originator = notifications.NewOriginator(cfg)
	}
	var publisher events.Publisher = events.Discard{}
	if deps.Hub != nil {
		publisher = deps.Hub
	}

	agent := agentDescriptor(cfg)
	logger := logging.NewComponentLogger(deps.Logger, "workflow")
	locks := lockreg.New(deps.Volatile, deps.Logger)
	store := records.NewStore(deps.Durable)

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		root:      root,
		deps:      deps,
		publisher: publisher,
		locks:     locks,
		records:   store,
	}
	s.runner = batch.NewRunner(deps.Executor, store,
		batch.WithPublisher(publisher),
		batch.WithLogger(deps.Logger),
		batch.WithAgent(agent),
		batch.WithReadyTimeout(cfg.ReadyTimeout()),
		batch.WithRootContext(root),
	)
	s.importer = importer.NewMachine(cfg, importer.Dependencies{
		Dispatcher: deps.Executor,
		Volatile:   deps.Volatile,
		Durable:    deps.Durable,
		Locks:      locks,
		Publisher:  publisher,
		Notifier:   deps.Notifier,
		Originator: deps.Originator,
		Logger:     deps.Logger,
	}, importer.WithRootContext(root), importer.WithAgent(agent))
	return s
}

func agentDescriptor(cfg *config.Config) execution.AgentDescriptor {
	if cfg == nil {
		return execution.AgentDescriptor{Name: "harvest-agent"}
	}
	return execution.AgentDescriptor{Name: cfg.Agent.Command, Script: cfg.Agent.Script}
}

// Locks exposes the lock registry.
func (s *Service) Locks() *lockreg.Registry {
	return s.locks
}

// Recover clears locks left by a previous process and resumes a persisted
// import. The daemon calls it once at startup.
func (s *Service) Recover(ctx context.Context) error {
	stale, err := s.locks.Reset(ctx)
	if err != nil {
		return err
	}
	for _, name := range stale {
		s.logger.Warn("operation interrupted by restart",
			logging.String(logging.FieldLock, name),
			logging.String(logging.FieldEventType, "operation_interrupted"),
			logging.String(logging.FieldErrorHint, "rerun the interrupted operation if it did not resume"),
		)
	}
	return s.importer.Resume(ctx)
}

// StartImport begins a new objective import.
func (s *Service) StartImport(ctx context.Context, originator string) (importer.State, error) {
	return s.importer.Start(ctx, originator)
}

// SubmitSelection forwards a selection to the awaiting import.
func (s *Service) SubmitSelection(ctx context.Context, keys []string) (importer.State, error) {
	return s.importer.SubmitSelection(ctx, keys)
}

// ImportState returns the persisted import state, if any.
func (s *Service) ImportState(ctx context.Context) (importer.State, bool, error) {
	return s.importer.State(ctx)
}

// ImportActive reports whether an import drive loop is running.
func (s *Service) ImportActive() bool {
	return s.importer.Running()
}

// PurgeRecords deletes every stored record under the data-deletion lock.
// It refuses to run while a batch is writing records.
func (s *Service) PurgeRecords(ctx context.Context) (int, error) {
	var removed int
	err := s.locks.Guard(ctx, lockreg.DataDeletion, func(ctx context.Context) error {
		busy, err := s.locks.IsHeld(ctx, lockreg.BatchProcessing)
		if err != nil {
			return err
		}
		if busy {
			return services.Wrap(services.ErrLockHeld, "workflow", "purge records", "a batch is running", nil)
		}
		removed, err = s.records.Purge(ctx)
		return err
	})
	if err != nil {
		return removed, err
	}
	s.logger.Info("records purged",
		logging.String(logging.FieldEventType, "records_purged"),
		logging.Int("removed", removed),
	)
	s.notify(ctx, notifications.EventRecordsPurged, notifications.Payload{"removed": removed})
	return removed, nil
}

// TestNotification sends a test notification.
func (s *Service) TestNotification(ctx context.Context) error {
	return s.deps.Notifier.Publish(ctx, notifications.EventTestNotification, nil)
}

// Wait blocks until background batches and import drive loops exit.
func (s *Service) Wait() {
	s.background.Wait()
	s.importer.Wait()
}

func (s *Service) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := s.deps.Notifier.Publish(ctx, event, payload); err != nil {
		s.logger.Warn("notification failed",
			logging.String("notification", string(event)),
			logging.Error(err),
		)
	}
}
