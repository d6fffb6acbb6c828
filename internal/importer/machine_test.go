package importer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvest/internal/config"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/execution/executiontest"
	"harvest/internal/importer"
	"harvest/internal/kvstore"
	"harvest/internal/lockreg"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/services"
	"harvest/internal/testsupport"
)

const (
	seed1 = "https://docs.example.com/types/1"
	seed2 = "https://docs.example.com/types/2"
	seed3 = "https://docs.example.com/types/3"
	objA  = "https://docs.example.com/objectives/a"
	objB  = "https://docs.example.com/objectives/b"
	objC  = "https://docs.example.com/objectives/c"
)

type recordingOriginator struct {
	mu          sync.Mutex
	err         error
	refs        []string
	completions []notifications.Completion
}

func (o *recordingOriginator) Reply(_ context.Context, ref string, c notifications.Completion) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ref == "" {
		return notifications.ErrNoOriginator
	}
	if o.err != nil {
		return o.err
	}
	o.refs = append(o.refs, ref)
	o.completions = append(o.completions, c)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) has(event notifications.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	cfg        *config.Config
	machine    *importer.Machine
	driver     *executiontest.Driver
	volatile   *kvstore.Memory
	durable    *kvstore.Memory
	locks      *lockreg.Registry
	hub        *events.Hub
	originator *recordingOriginator
	notifier   *recordingNotifier
}

func seeds() []config.SeedTarget {
	return []config.SeedTarget{
		{Label: "Types 1", Target: seed1},
		{Label: "Types 2", Target: seed2},
		{Label: "Types 3", Target: seed3},
	}
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithSeedTargets(seeds()...)}, opts...)...)
	router := execution.NewRouter()
	driver := executiontest.NewDriver(router, executiontest.Fail("unscripted target"))
	mgr := execution.NewManager(driver, router,
		execution.WithLogger(logging.NewNop()),
		execution.WithPollInterval(2*time.Millisecond),
		execution.WithResponseTimeout(time.Second),
	)
	h := &harness{
		cfg:        cfg,
		driver:     driver,
		volatile:   kvstore.NewMemory(),
		durable:    kvstore.NewMemory(),
		hub:        events.NewHub(64),
		originator: &recordingOriginator{},
		notifier:   &recordingNotifier{},
	}
	h.locks = lockreg.New(h.volatile, logging.NewNop())
	h.machine = h.newMachine(mgr)
	h.scriptDefault()
	return h
}

func (h *harness) newMachine(d importer.Dispatcher, opts ...importer.Option) *importer.Machine {
	return importer.NewMachine(h.cfg, importer.Dependencies{
		Dispatcher: d,
		Volatile:   h.volatile,
		Durable:    h.durable,
		Locks:      h.locks,
		Publisher:  h.hub,
		Notifier:   h.notifier,
		Originator: h.originator,
		Logger:     logging.NewNop(),
	}, opts...)
}

func (h *harness) scriptDefault() {
	h.driver.Script(seed1, executiontest.Succeed(map[string]any{"objectives": []map[string]any{
		{"code": "A", "label": "Alpha", "target": objA, "year": 2024},
		{"code": "B", "label": "Beta", "target": objB, "year": 2024},
	}}))
	h.driver.Script(seed2, executiontest.Fail("seed page unreachable"))
	h.driver.Script(seed3, executiontest.Succeed(map[string]any{"objectives": []map[string]any{
		{"code": "B", "label": "Beta", "target": objB, "year": 2024},
		{"code": "C", "label": "Gamma", "target": objC, "year": 2024},
	}}))
	h.driver.Script(objA, executiontest.Succeed(map[string]any{"children": []map[string]any{
		{"name": "Alpha", "year": 2024, "period": 1},
		{"name": "Alpha", "year": 2024, "period": 2},
		{"name": "Alpha", "year": 2024, "period": 3},
	}}))
	h.driver.Script(objB, executiontest.Fail("children listing timed out"))
}

func (h *harness) state(t *testing.T) (importer.State, bool) {
	t.Helper()
	state, ok, err := h.machine.State(context.Background())
	require.NoError(t, err)
	return state, ok
}

func (h *harness) configs(t *testing.T) []importer.ConfigRecord {
	t.Helper()
	var recs []importer.ConfigRecord
	_, err := kvstore.GetJSON(context.Background(), h.durable, importer.ConfigsKey, &recs)
	require.NoError(t, err)
	return recs
}

func (h *harness) eventTypes() []events.Type {
	evts, _, _ := h.hub.Fetch(context.Background(), 0, 100, false)
	out := make([]events.Type, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestScanningFailedSeedStillReachesSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()

	state, ok := h.state(t)
	require.True(t, ok)
	assert.Equal(t, started.ID, state.ID)
	assert.Equal(t, importer.StageAwaitingSelection, state.Stage)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, "Types 2", state.Errors[0].Label)

	keys := make([]string, 0, len(state.Found))
	for _, d := range state.Found {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{"A", "B", "C"}, keys, "found items come from seeds 1 and 3 without duplicates")
	assert.Len(t, h.driver.Tasks(), 3, "one dispatch per seed target")
	for _, task := range h.driver.Tasks() {
		assert.Equal(t, execution.TaskDiscover, task.Task)
	}

	held, err := h.locks.IsHeld(ctx, lockreg.ObjectiveImport)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, []events.Type{events.TypeSelectionNeeded}, h.eventTypes())
	assert.True(t, h.notifier.has(notifications.EventSelectionNeeded))
}

func TestSelectionProcessingAndConfigGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()
	before, _ := h.state(t)

	next, err := h.machine.SubmitSelection(ctx, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, importer.StageProcessingMonthly, next.Stage)
	assert.Equal(t, 2, next.TotalToProcess)
	h.machine.Wait()

	_, ok := h.state(t)
	assert.False(t, ok, "done clears the persisted state")

	recs := h.configs(t)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, "Alpha", rec.Name)
		assert.Equal(t, "Alpha", rec.Parent)
		assert.Equal(t, i+1, rec.Period)
	}
	assert.Equal(t, "January", recs[0].PeriodLabel)

	held, err := h.locks.IsHeld(ctx, lockreg.ObjectiveImport)
	require.NoError(t, err)
	assert.False(t, held, "done releases the import lock")

	require.Len(t, h.originator.completions, 1)
	completion := h.originator.completions[0]
	assert.True(t, completion.Success)
	assert.Equal(t, 3, completion.ConfigsCreated)
	assert.Len(t, completion.Errors, len(before.Errors)+1, "one more error from parent B")
	assert.Equal(t, "https://caller.example.com/hook", h.originator.refs[0])
	assert.False(t, h.notifier.has(notifications.EventImportCompleted), "no fallback when the originator answered")

	evts, _, _ := h.hub.Fetch(ctx, 0, 100, false)
	last := evts[len(evts)-1]
	require.Equal(t, events.TypeImportCompleted, last.Type)
	var done events.ImportCompleted
	require.NoError(t, last.Decode(&done))
	assert.True(t, done.Success)
	assert.Equal(t, 3, done.ConfigsCreated)
	assert.Len(t, done.Errors, 2)
}

func TestSecondImportRunCreatesNoDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		_, err := h.machine.Start(ctx, "")
		require.NoError(t, err)
		h.machine.Wait()
		_, err = h.machine.SubmitSelection(ctx, []string{"A"})
		require.NoError(t, err)
		h.machine.Wait()
	}

	assert.Len(t, h.configs(t), 3)
}

func TestStartFailsFastWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, kvstore.SetJSON(ctx, h.volatile, importer.StateKey, importer.State{ID: "existing", Stage: importer.StageAwaitingSelection}))
	require.NoError(t, h.locks.Acquire(ctx, lockreg.ObjectiveImport))

	_, err := h.machine.Start(ctx, "")
	assert.ErrorIs(t, err, services.ErrLockHeld)

	state, ok := h.state(t)
	require.True(t, ok)
	assert.Equal(t, "existing", state.ID, "state untouched")
	assert.Empty(t, h.driver.Tasks())
}

func TestSubmitSelectionOutsideAwaitingIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.SubmitSelection(ctx, []string{"A"})
	assert.ErrorIs(t, err, services.ErrProtocolViolation, "no import")

	persisted := importer.State{ID: "imp", Stage: importer.StageProcessingMonthly, TotalToProcess: 1, Cursor: 0}
	require.NoError(t, kvstore.SetJSON(ctx, h.volatile, importer.StateKey, persisted))

	_, err = h.machine.SubmitSelection(ctx, []string{"A"})
	assert.ErrorIs(t, err, services.ErrProtocolViolation)

	state, _ := h.state(t)
	assert.Equal(t, importer.StageProcessingMonthly, state.Stage)
	assert.Empty(t, h.driver.Tasks())
}

func TestSubmitSelectionRejectsUnknownKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.machine.Start(ctx, "")
	require.NoError(t, err)
	h.machine.Wait()

	_, err = h.machine.SubmitSelection(ctx, []string{"A", "Z"})
	assert.ErrorIs(t, err, services.ErrProtocolViolation)

	state, _ := h.state(t)
	assert.Equal(t, importer.StageAwaitingSelection, state.Stage)
	assert.Empty(t, state.Selected)
}

func TestResumeContinuesFromPersistedCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	persisted := importer.State{
		ID:    "imp-resume",
		Stage: importer.StageProcessingMonthly,
		Found: []importer.Discovery{
			{Code: "B", Label: "Beta", Target: objB},
			{Code: "A", Label: "Alpha", Target: objA},
		},
		Selected: []importer.Discovery{
			{Code: "B", Label: "Beta", Target: objB},
			{Code: "A", Label: "Alpha", Target: objA},
		},
		MonthlyResults: map[string][]importer.Child{},
		Errors:         []importer.ItemError{{Stage: "processing_monthly", Label: "Beta", Reason: "earlier failure"}},
		Cursor:         1,
		Processed:      1,
		TotalToProcess: 2,
		Originator:     "https://caller.example.com/hook",
	}
	require.NoError(t, kvstore.SetJSON(ctx, h.volatile, importer.StateKey, persisted))
	_, err := h.locks.Reset(ctx)
	require.NoError(t, err)

	require.NoError(t, h.machine.Resume(ctx))
	h.machine.Wait()

	tasks := h.driver.Tasks()
	require.Len(t, tasks, 1, "only the unprocessed parent is dispatched")
	assert.Equal(t, objA, tasks[0].Target)
	assert.Equal(t, execution.TaskDiscoverChildren, tasks[0].Task)
	assert.Equal(t, "Alpha", tasks[0].ParentLabel)

	assert.Len(t, h.configs(t), 3)
	require.Len(t, h.originator.completions, 1)
	assert.Equal(t, "imp-resume", h.originator.completions[0].ImportID)
}

func TestInterruptedImportResumesInNewMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root, cancel := context.WithCancel(ctx)
	cancel()

	router := execution.NewRouter()
	mgr := execution.NewManager(h.driver, router, execution.WithLogger(logging.NewNop()))
	paused := h.newMachine(mgr, importer.WithRootContext(root))
	_, err := paused.Start(ctx, "")
	require.NoError(t, err)
	paused.Wait()

	state, ok := h.state(t)
	require.True(t, ok)
	assert.Equal(t, importer.StageScanningTypes, state.Stage)
	assert.Zero(t, state.Cursor)

	// Daemon restart: locks are reset, a fresh machine resumes.
	_, err = h.locks.Reset(ctx)
	require.NoError(t, err)
	require.NoError(t, h.machine.Resume(ctx))
	h.machine.Wait()

	state, ok = h.state(t)
	require.True(t, ok)
	assert.Equal(t, importer.StageAwaitingSelection, state.Stage)
	assert.Len(t, state.Found, 3)
}

func TestResumeRefusedWhileImportLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	persisted := importer.State{
		ID:             "imp-locked",
		Stage:          importer.StageProcessingMonthly,
		Selected:       []importer.Discovery{{Code: "A", Label: "Alpha", Target: objA}},
		TotalToProcess: 1,
	}
	require.NoError(t, kvstore.SetJSON(ctx, h.volatile, importer.StateKey, persisted))
	require.NoError(t, h.locks.Acquire(ctx, lockreg.ObjectiveImport))

	err := h.machine.Resume(ctx)
	require.ErrorIs(t, err, services.ErrLockHeld)
	h.machine.Wait()
	assert.False(t, h.machine.Running())
	assert.Empty(t, h.driver.Tasks())

	state, ok := h.state(t)
	require.True(t, ok)
	assert.Equal(t, importer.StageProcessingMonthly, state.Stage)
	assert.Zero(t, state.Cursor)
}

func TestResumeWithoutStateIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Resume(context.Background()))
	assert.False(t, h.machine.Running())
}

func TestOriginatorFailureFallsBackToNotification(t *testing.T) {
	h := newHarness(t)
	h.originator.err = errors.New("connection refused")
	ctx := context.Background()

	_, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()
	_, err = h.machine.SubmitSelection(ctx, []string{"C"})
	require.NoError(t, err)
	h.machine.Wait()

	assert.True(t, h.notifier.has(notifications.EventImportCompleted))
}

func TestEmptyOriginatorUsesNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.machine.Start(ctx, "")
	require.NoError(t, err)
	h.machine.Wait()
	_, err = h.machine.SubmitSelection(ctx, nil)
	require.NoError(t, err)
	h.machine.Wait()

	assert.Empty(t, h.originator.completions)
	assert.True(t, h.notifier.has(notifications.EventImportCompleted))
}

type panickyDispatcher struct{}

func (panickyDispatcher) Dispatch(context.Context, execution.WorkItem, execution.AgentDescriptor, time.Duration) execution.TaskResult {
	panic("agent host exploded")
}

func TestPanicForcesFailedDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newMachine(panickyDispatcher{})

	_, err := m.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	m.Wait()

	_, ok := h.state(t)
	assert.False(t, ok)
	require.Len(t, h.originator.completions, 1)
	assert.False(t, h.originator.completions[0].Success)
	assert.Contains(t, h.originator.completions[0].Message, "panicked")

	held, _ := h.locks.IsHeld(ctx, lockreg.ObjectiveImport)
	assert.False(t, held)
}

func TestConfigPersistFailureForcesFailedDone(t *testing.T) {
	h := newHarness(t)
	h.durable.FailSet = func(string) error { return errors.New("read-only filesystem") }
	ctx := context.Background()

	_, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()
	_, err = h.machine.SubmitSelection(ctx, []string{"A"})
	require.NoError(t, err)
	h.machine.Wait()

	require.Len(t, h.originator.completions, 1)
	assert.False(t, h.originator.completions[0].Success)
}

func TestStrictPeriodsRejectsUnknownPeriods(t *testing.T) {
	h := newHarness(t, testsupport.WithStrictPeriods(true))
	h.driver.Script(objC, executiontest.Succeed(map[string]any{"children": []map[string]any{
		{"name": "Gamma", "year": 2024, "period": 13},
		{"name": "Gamma", "year": 2024, "period": 6},
	}}))
	ctx := context.Background()

	_, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()
	_, err = h.machine.SubmitSelection(ctx, []string{"C"})
	require.NoError(t, err)
	h.machine.Wait()

	recs := h.configs(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "June", recs[0].PeriodLabel)
	require.Len(t, h.originator.completions, 1)
	assert.Equal(t, 1, h.originator.completions[0].ConfigsCreated)
	assert.Len(t, h.originator.completions[0].Errors, 2, "seed failure plus the rejected period")
}

func TestSameLabelParentsKeepTheirOwnChildren(t *testing.T) {
	h := newHarness(t)
	const (
		sales23 = "https://docs.example.com/objectives/sales-2023"
		sales24 = "https://docs.example.com/objectives/sales-2024"
	)
	h.driver.Script(seed1, executiontest.Succeed(map[string]any{"objectives": []map[string]any{
		{"code": "S23", "label": "Sales", "target": sales23, "year": 2023},
		{"code": "S24", "label": "Sales", "target": sales24, "year": 2024},
	}}))
	h.driver.Script(seed3, executiontest.Succeed(map[string]any{"objectives": []map[string]any{}}))
	h.driver.Script(sales23, executiontest.Succeed(map[string]any{"children": []map[string]any{
		{"name": "Sales", "period": 1},
	}}))
	h.driver.Script(sales24, executiontest.Succeed(map[string]any{"children": []map[string]any{
		{"name": "Sales", "period": 2},
	}}))
	ctx := context.Background()

	_, err := h.machine.Start(ctx, "https://caller.example.com/hook")
	require.NoError(t, err)
	h.machine.Wait()
	_, err = h.machine.SubmitSelection(ctx, []string{"S23", "S24"})
	require.NoError(t, err)
	h.machine.Wait()

	recs := h.configs(t)
	require.Len(t, recs, 2, "one record per child")
	assert.Equal(t, 2023, recs[0].Year)
	assert.Equal(t, 1, recs[0].Period)
	assert.Equal(t, 2024, recs[1].Year)
	assert.Equal(t, 2, recs[1].Period)
	require.Len(t, h.originator.completions, 1)
	assert.Equal(t, 2, h.originator.completions[0].ConfigsCreated)
}
