package workflow_test

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
	"harvest/internal/workflow"
)

const (
	docA = "https://docs.example.com/a"
	docB = "https://docs.example.com/b"
	docC = "https://docs.example.com/c"
	seed = "https://docs.example.com/types"
)

type recordingNotifier struct {
	mu       sync.Mutex
	events   []notifications.Event
	payloads []notifications.Payload
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *recordingNotifier) last(event notifications.Event) (notifications.Payload, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i] == event {
			return n.payloads[i], true
		}
	}
	return nil, false
}

type nopOriginator struct{}

func (nopOriginator) Reply(context.Context, string, notifications.Completion) error {
	return notifications.ErrNoOriginator
}

type harness struct {
	cfg      *config.Config
	svc      *workflow.Service
	driver   *executiontest.Driver
	volatile *kvstore.Memory
	durable  *kvstore.Memory
	hub      *events.Hub
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithSeedTargets(config.SeedTarget{Label: "Types", Target: seed}))
	router := execution.NewRouter()
	driver := executiontest.NewDriver(router, executiontest.Succeed(map[string]int{"rows": 1}))
	mgr := execution.NewManager(driver, router,
		execution.WithLogger(logging.NewNop()),
		execution.WithPollInterval(2*time.Millisecond),
		execution.WithResponseTimeout(time.Second),
	)
	h := &harness{
		cfg:      cfg,
		driver:   driver,
		volatile: kvstore.NewMemory(),
		durable:  kvstore.NewMemory(),
		hub:      events.NewHub(64),
		notifier: &recordingNotifier{},
	}
	h.svc = workflow.NewService(context.Background(), cfg, workflow.Dependencies{
		Executor:   mgr,
		Volatile:   h.volatile,
		Durable:    h.durable,
		Hub:        h.hub,
		Notifier:   h.notifier,
		Originator: nopOriginator{},
		Logger:     logging.NewNop(),
	})
	return h
}

func items(targets ...string) []execution.WorkItem {
	out := make([]execution.WorkItem, 0, len(targets))
	for _, target := range targets {
		out = append(out, execution.WorkItem{Target: target, Label: "Invoices", Year: 2024, Month: 3})
	}
	return out
}

func TestRunBatchCallerCancellationWaitsForItemInFlight(t *testing.T) {
	h := newHarness(t)
	h.driver.Script(docA, executiontest.Behavior{
		Success:    true,
		Payload:    map[string]int{"rows": 1},
		ReplyDelay: 200 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	summary, err := h.svc.RunBatch(ctx, items(docA, docB))
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	require.Len(t, summary.Outcomes, 1)
	assert.True(t, summary.Outcomes[0].Success)

	held, err := h.svc.Locks().IsHeld(context.Background(), lockreg.BatchProcessing)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunBatchPersistsAndReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.driver.Script(docB, executiontest.Fail("no rows found"))
	ctx := context.Background()

	summary, err := h.svc.RunBatch(ctx, items(docA, docB, docC))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed())

	held, err := h.svc.Locks().IsHeld(ctx, lockreg.BatchProcessing)
	require.NoError(t, err)
	assert.False(t, held)

	status, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.BatchRunning)
	require.NotNil(t, status.LastBatch)
	assert.Equal(t, summary.RunID, status.LastBatch.RunID)
	assert.Equal(t, 1, status.RecordCount, "records share one key per label and period")
	assert.Empty(t, status.Contexts)
	assert.NotZero(t, status.LatestEvent)

	payload, ok := h.notifier.last(notifications.EventBatchCompleted)
	require.True(t, ok)
	assert.Equal(t, 3, payload["total"])
	assert.Equal(t, 2, payload["successful"])
}

func TestRunBatchFailsFastWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Locks().Acquire(ctx, lockreg.BatchProcessing))

	_, err := h.svc.RunBatch(ctx, items(docA))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrLockHeld))
	assert.Empty(t, h.driver.Tasks(), "nothing dispatched")
}

func TestRunBatchRejectsInvalidItems(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RunBatch(context.Background(), []execution.WorkItem{{Label: "missing target"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrValidation))

	held, err := h.svc.Locks().IsHeld(context.Background(), lockreg.BatchProcessing)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestStartBatchCancelledBeforeFirstItem(t *testing.T) {
	h := newHarness(t)
	h.driver.Script(docA, executiontest.Behavior{Success: true, ReplyDelay: 20 * time.Millisecond})
	ctx := context.Background()

	runID, err := h.svc.StartBatch(ctx, items(docA, docB, docC))
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	assert.True(t, h.svc.CancelBatch())
	h.svc.Wait()

	status, err := h.svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastBatch)
	assert.Equal(t, runID, status.LastBatch.RunID)
	assert.True(t, status.LastBatch.Cancelled)
	assert.Equal(t, 3, status.LastBatch.Total)
	assert.Less(t, len(status.LastBatch.Outcomes), 3)
	assert.Empty(t, status.Locks, "lock released when the background run ends")
	assert.False(t, h.svc.CancelBatch(), "nothing left to cancel")
}

func TestStartBatchRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Locks().Acquire(ctx, lockreg.BatchProcessing))

	_, err := h.svc.StartBatch(ctx, items(docA))
	require.Error(t, err)
	assert.Equal(t, services.KindLockHeld, services.KindOf(err))
}

func TestPurgeRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.RunBatch(ctx, []execution.WorkItem{
		{Target: docA, Label: "Invoices", Year: 2024, Month: 1},
		{Target: docB, Label: "Invoices", Year: 2024, Month: 2},
	})
	require.NoError(t, err)

	removed, err := h.svc.PurgeRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	status, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.RecordCount)
	assert.Empty(t, status.Locks)
}

func TestPurgeRefusedDuringBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Locks().Acquire(ctx, lockreg.BatchProcessing))

	_, err := h.svc.PurgeRecords(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrLockHeld))

	held, err := h.svc.Locks().IsHeld(ctx, lockreg.DataDeletion)
	require.NoError(t, err)
	assert.False(t, held, "data-deletion released after refusal")
}

func TestImportThroughService(t *testing.T) {
	h := newHarness(t)
	h.driver.Script(seed, executiontest.Succeed(map[string]any{"objectives": []map[string]any{
		{"code": "A", "label": "Alpha", "target": docA, "year": 2024},
	}}))
	ctx := context.Background()

	_, err := h.svc.StartImport(ctx, "")
	require.NoError(t, err)
	h.svc.Wait()

	state, ok, err := h.svc.ImportState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, importer.StageAwaitingSelection, state.Stage)

	status, err := h.svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Import)
	assert.Equal(t, state.ID, status.Import.ID)
	assert.False(t, status.ImportActive)
	assert.Contains(t, status.Locks, lockreg.ObjectiveImport)

	_, err = h.svc.SubmitSelection(ctx, []string{"Z"})
	assert.True(t, errors.Is(err, services.ErrProtocolViolation))
}

func TestRecoverClearsStaleLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Locks().Acquire(ctx, lockreg.ReportGeneration))
	require.NoError(t, h.svc.Locks().Acquire(ctx, lockreg.DataDeletion))

	require.NoError(t, h.svc.Recover(ctx))

	held, err := h.svc.Locks().Held(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestTestNotification(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.TestNotification(context.Background()))
	_, ok := h.notifier.last(notifications.EventTestNotification)
	assert.True(t, ok)
}
