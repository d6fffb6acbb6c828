package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"harvest/internal/config"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/kvstore"
	"harvest/internal/lockreg"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/services"
)

const finishTimeout = 30 * time.Second

// Dispatcher runs one work item to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, item execution.WorkItem, agent execution.AgentDescriptor, readyTimeout time.Duration) execution.TaskResult
}

// Dependencies are the collaborators a Machine drives.
type Dependencies struct {
	Dispatcher Dispatcher
	// Volatile holds import:state; Durable holds the config list.
	Volatile   kvstore.Store
	Durable    kvstore.Store
	Locks      *lockreg.Registry
	Publisher  events.Publisher
	Notifier   notifications.Service
	Originator notifications.Originator
	Logger     *slog.Logger
}

// Option configures optional Machine behaviour.
type Option func(*Machine)

// WithRootContext sets the context drive loops run under. Cancelling it
// pauses the import at the next item boundary.
func WithRootContext(ctx context.Context) Option {
	return func(m *Machine) {
		if ctx != nil {
			m.root = ctx
		}
	}
}

// WithAgent sets the agent descriptor injected for every dispatch.
func WithAgent(agent execution.AgentDescriptor) Option {
	return func(m *Machine) { m.agent = agent }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine runs at most one import at a time.
type Machine struct {
	deps         Dependencies
	logger       *slog.Logger
	seeds        []ScanTarget
	strict       bool
	readyTimeout time.Duration
	agent        execution.AgentDescriptor
	root         context.Context
	now          func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewMachine builds a Machine seeded from cfg.Import.
func NewMachine(cfg *config.Config, deps Dependencies, opts ...Option) *Machine {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewService(nil)
	}
	if deps.Originator == nil {
		deps.Originator = notifications.NewOriginator(cfg)
	}
	m := &Machine{
		deps:         deps,
		readyTimeout: 30 * time.Second,
		root:         context.Background(),
		now:          time.Now,
	}
	if cfg != nil {
		for _, seed := range cfg.Import.SeedTargets {
			m.seeds = append(m.seeds, ScanTarget{Label: seed.Label, Target: seed.Target})
		}
		m.strict = cfg.Import.StrictPeriods
		if d := cfg.ReadyTimeout(); d > 0 {
			m.readyTimeout = d
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(deps.Logger, "importer")
	return m
}

// Start begins a new import. It fails fast with ErrLockHeld, leaving any
// existing state untouched, when another import holds the lock.
func (m *Machine) Start(ctx context.Context, originator string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deps.Locks.Acquire(ctx, lockreg.ObjectiveImport); err != nil {
		logging.WarnWithContext(m.logger, "import start rejected", "import_start_rejected", logging.ErrorAttrs(err)...)
		return State{}, err
	}

	now := m.now().UTC()
	state := State{
		ID:             uuid.NewString(),
		Stage:          StageScanningTypes,
		ScanTargets:    append([]ScanTarget(nil), m.seeds...),
		MonthlyResults: map[string][]Child{},
		Originator:     originator,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.save(ctx, state); err != nil {
		if releaseErr := m.deps.Locks.Release(context.WithoutCancel(ctx), lockreg.ObjectiveImport); releaseErr != nil {
			m.logger.Warn("lock release failed", logging.Error(releaseErr))
		}
		return State{}, err
	}

	m.logger.Info("import started",
		logging.String(logging.FieldRunID, state.ID),
		logging.String(logging.FieldEventType, "import_started"),
		logging.Int("seed_targets", len(state.ScanTargets)),
	)
	m.launchLocked(state)
	return state, nil
}

// SubmitSelection chooses which discovered objectives to process. It is only
// valid while the import is awaiting a selection; otherwise it returns
// ErrProtocolViolation and changes nothing.
func (m *Machine) SubmitSelection(ctx context.Context, keys []string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok, err := m.load(ctx)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, m.violation("submit selection", "no import in progress")
	}
	if state.Stage != StageAwaitingSelection || m.running {
		return state, m.violation("submit selection", fmt.Sprintf("import is %s, not awaiting selection", state.Stage))
	}

	byKey := make(map[string]Discovery, len(state.Found))
	for _, d := range state.Found {
		byKey[d.Key()] = d
	}
	selected := make([]Discovery, 0, len(keys))
	picked := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		d, found := byKey[key]
		if !found {
			return state, m.violation("submit selection", fmt.Sprintf("%q was not discovered", key))
		}
		if _, dup := picked[key]; dup {
			continue
		}
		picked[key] = struct{}{}
		selected = append(selected, d)
	}

	next := state.Clone()
	next.Selected = selected
	next.Cursor = 0
	next.Processed = 0
	next.TotalToProcess = len(selected)
	next.Stage = StageProcessingMonthly
	next.UpdatedAt = m.now().UTC()
	if err := m.save(ctx, next); err != nil {
		return state, err
	}

	m.logger.Info("selection submitted",
		logging.String(logging.FieldRunID, next.ID),
		logging.String(logging.FieldEventType, "import_selection"),
		logging.Int("selected", len(selected)),
	)
	m.launchLocked(next)
	return next, nil
}

// Resume continues a persisted import after a restart. It is a no-op when no
// import is persisted or one is already being driven, and returns
// services.ErrLockHeld when the import lock is owned elsewhere.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	state, ok, err := m.load(ctx)
	if err != nil || !ok {
		return err
	}
	// Locks do not survive a restart, so the lock is normally free here. If
	// something else holds it the import is left as persisted.
	if err := m.deps.Locks.Acquire(ctx, lockreg.ObjectiveImport); err != nil {
		logging.WarnWithContext(m.logger, "import not resumed", "import_resume_refused",
			append(logging.ErrorAttrs(err), logging.String(logging.FieldRunID, state.ID))...)
		return err
	}

	m.logger.Info("import resumed",
		logging.String(logging.FieldRunID, state.ID),
		logging.String(logging.FieldStage, string(state.Stage)),
		logging.String(logging.FieldEventType, "import_resumed"),
		logging.Int("cursor", state.Cursor),
	)
	if state.Stage == StageAwaitingSelection {
		return nil
	}
	m.launchLocked(state)
	return nil
}

// State returns the persisted import state.
func (m *Machine) State(ctx context.Context) (State, bool, error) {
	return m.load(ctx)
}

// Running reports whether a drive loop is active.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Wait blocks until every drive loop has exited.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) launchLocked(state State) {
	m.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(m.root, state)
	}()
}

// drive advances state until the import pauses, finishes, or ctx ends.
func (m *Machine) drive(ctx context.Context, state State) {
	ctx = services.WithRunID(ctx, state.ID)
	for {
		if ctx.Err() != nil {
			m.stopDriving()
			logging.WithContext(ctx, m.logger).Info("import paused",
				logging.String(logging.FieldStage, string(state.Stage)),
				logging.Int("cursor", state.Cursor),
			)
			return
		}

		next, err := m.safeStep(services.WithStage(ctx, string(state.Stage)), state)
		switch {
		case err != nil && ctx.Err() != nil:
			// Interrupted mid-item; the item is retried on resume.
			continue
		case err != nil:
			next = m.failed(ctx, state, err)
		case stageOrder[next.Stage] < stageOrder[state.Stage]:
			next = m.failed(ctx, state, m.violation("step", fmt.Sprintf("%s cannot follow %s", next.Stage, state.Stage)))
		}
		next.UpdatedAt = m.now().UTC()

		if next.Stage != state.Stage {
			logging.WithContext(ctx, m.logger).Info("import stage changed",
				logging.String("from", string(state.Stage)),
				logging.String("to", string(next.Stage)),
				logging.String(logging.FieldEventType, "import_stage"),
			)
		}

		if next.Stage == StageDone {
			m.stopDriving()
			m.finish(ctx, next)
			return
		}

		m.mu.Lock()
		if err := m.save(ctx, next); err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, m.logger), "import state not persisted; resume may repeat work",
				"import_persist_failed", logging.ErrorAttrs(err)...)
		}
		if next.Stage == StageAwaitingSelection {
			m.running = false
			m.mu.Unlock()
			m.announceSelection(ctx, next)
			return
		}
		m.mu.Unlock()
		state = next
	}
}

func (m *Machine) stopDriving() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// safeStep converts a panic inside a step into an error.
func (m *Machine) safeStep(ctx context.Context, state State) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", state.Stage, r)
		}
	}()
	return m.step(ctx, state.Clone())
}

func (m *Machine) failed(ctx context.Context, state State, err error) State {
	logging.ErrorWithContext(logging.WithContext(ctx, m.logger), "import failed", "import_failed",
		append(logging.ErrorAttrs(err), logging.String(logging.FieldStage, string(state.Stage)))...)
	next := state.Clone()
	next.Stage = StageDone
	next.Outcome = &Outcome{Success: false, Message: fmt.Sprintf("import failed during %s: %v", state.Stage, err)}
	return next
}

func (m *Machine) announceSelection(ctx context.Context, state State) {
	m.deps.Publisher.Publish(events.TypeSelectionNeeded, state.ID, events.SelectionNeeded{
		ImportID: state.ID,
		Found:    candidates(state.Found),
		Errors:   state.Errors,
	})
	if err := m.deps.Notifier.Publish(ctx, notifications.EventSelectionNeeded, notifications.Payload{
		"found":  len(state.Found),
		"errors": len(state.Errors),
	}); err != nil {
		logging.WithContext(ctx, m.logger).Warn("selection notification failed", logging.Error(err))
	}
}

// finish clears the import, releases its lock and tells the originator, or
// the notification sink when the originator cannot be reached.
func (m *Machine) finish(ctx context.Context, state State) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, m.logger)

	outcome := Outcome{Success: true}
	if state.Outcome != nil {
		outcome = *state.Outcome
	}

	if err := m.deps.Volatile.Remove(ctx, StateKey); err != nil {
		logging.WarnWithContext(logger, "import state not cleared", "import_clear_failed", logging.ErrorAttrs(err)...)
	}
	if err := m.deps.Locks.Release(ctx, lockreg.ObjectiveImport); err != nil {
		logging.WarnWithContext(logger, "import lock not released", "lock_release_failed", logging.ErrorAttrs(err)...)
	}

	reasons := make([]string, 0, len(state.Errors))
	for _, e := range state.Errors {
		reasons = append(reasons, fmt.Sprintf("%s: %s", e.Label, e.Reason))
	}
	m.deps.Publisher.Publish(events.TypeImportCompleted, state.ID, events.ImportCompleted{
		ImportID:       state.ID,
		Success:        outcome.Success,
		Message:        outcome.Message,
		ConfigsCreated: outcome.ConfigsCreated,
		Errors:         state.Errors,
	})

	completion := notifications.Completion{
		ImportID:       state.ID,
		Success:        outcome.Success,
		Message:        outcome.Message,
		ConfigsCreated: outcome.ConfigsCreated,
		Errors:         reasons,
	}
	replyErr := m.deps.Originator.Reply(ctx, state.Originator, completion)
	if replyErr != nil {
		if !errors.Is(replyErr, notifications.ErrNoOriginator) {
			logger.Warn("originator unreachable; falling back to notification",
				logging.Error(replyErr),
				logging.String(logging.FieldEventType, "originator_reply_failed"),
			)
		}
		if err := m.deps.Notifier.Publish(ctx, notifications.EventImportCompleted, notifications.Payload{
			"success":         outcome.Success,
			"message":         outcome.Message,
			"configs_created": outcome.ConfigsCreated,
		}); err != nil {
			logging.WarnWithContext(logger, "import completion not delivered", "import_completion_lost",
				append(logging.ErrorAttrs(err), logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"))...)
		}
	}

	logger.Info("import completed",
		logging.String(logging.FieldEventType, "import_completed"),
		logging.Bool("success", outcome.Success),
		logging.Int("configs_created", outcome.ConfigsCreated),
		logging.Int("errors", len(state.Errors)),
		logging.Bool("originator_replied", replyErr == nil),
	)
}

func (m *Machine) load(ctx context.Context) (State, bool, error) {
	var state State
	ok, err := kvstore.GetJSON(ctx, m.deps.Volatile, StateKey, &state)
	if err != nil {
		return State{}, false, services.Wrap(services.ErrPersistence, "importer", "load state", "", err)
	}
	return state, ok, nil
}

func (m *Machine) save(ctx context.Context, state State) error {
	if err := kvstore.SetJSON(ctx, m.deps.Volatile, StateKey, state); err != nil {
		return services.Wrap(services.ErrPersistence, "importer", "save state", string(state.Stage), err)
	}
	return nil
}

func (m *Machine) violation(operation, message string) error {
	err := services.Wrap(services.ErrProtocolViolation, "importer", operation, message, nil)
	logging.WarnWithContext(m.logger, "import command rejected", "import_protocol_violation", logging.ErrorAttrs(err)...)
	return err
}
