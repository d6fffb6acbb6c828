package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvest/internal/execution"
	"harvest/internal/execution/executiontest"
	"harvest/internal/logging"
	"harvest/internal/services"
)

var agent = execution.AgentDescriptor{Name: "extractor", Script: "agent.js"}

func newManager(t *testing.T, fallback executiontest.Behavior, opts ...execution.Option) (*execution.Manager, *executiontest.Driver, *execution.Router) {
	t.Helper()
	router := execution.NewRouter()
	driver := executiontest.NewDriver(router, fallback)
	opts = append([]execution.Option{
		execution.WithLogger(logging.NewNop()),
		execution.WithPollInterval(5 * time.Millisecond),
		execution.WithResponseTimeout(500 * time.Millisecond),
	}, opts...)
	return execution.NewManager(driver, router, opts...), driver, router
}

func item(target string) execution.WorkItem {
	return execution.WorkItem{Target: target, Label: "Invoices", Task: execution.TaskExtract, Year: 2024, Month: 3}
}

func assertTornDown(t *testing.T, driver *executiontest.Driver, router *execution.Router, mgr *execution.Manager) {
	t.Helper()
	opened, closed := driver.Counts()
	assert.Equal(t, 1, opened, "exactly one context opened")
	assert.Equal(t, 1, closed, "exactly one context closed")
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, 0, router.Pending(), "completion handle removed")
	assert.Empty(t, mgr.Contexts())
}

func TestDispatchSuccess(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{ReadyAfter: 2, Success: true, Payload: map[string]int{"rows": 4}})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	require.True(t, result.OK, result.Reason)
	assert.JSONEq(t, `{"rows":4}`, string(result.Payload))
	assert.Equal(t, "Invoices", result.SourceLabel)
	assertTornDown(t, driver, router, mgr)

	tasks := driver.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, execution.TaskExtract, tasks[0].Task)
	assert.Equal(t, 2024, tasks[0].Year)
	assert.Equal(t, 3, tasks[0].Month)
	assert.NotEmpty(t, tasks[0].ContextID)
	assert.Equal(t, []execution.AgentDescriptor{agent}, driver.Agents())
}

func TestDispatchUsesAgentSourceLabel(t *testing.T) {
	mgr, _, _ := newManager(t, executiontest.Behavior{Success: true, SourceLabel: "Invoices (archived)"})
	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)
	require.True(t, result.OK)
	assert.Equal(t, "Invoices (archived)", result.SourceLabel)
}

func TestDispatchAgentFailure(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Fail("table not found"))

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, services.ErrAgentReportedFailure)
	assert.Contains(t, result.Reason, "table not found")
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchReadyTimeout(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{NeverReady: true})

	start := time.Now()
	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/slow"), agent, 40*time.Millisecond)

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, services.ErrContextLoadTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assertTornDown(t, driver, router, mgr)
	assert.Empty(t, driver.Tasks(), "no task sent to an unready context")
}

func TestDispatchContextGoneWhilePolling(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{GoneBeforeReady: true})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.ErrorIs(t, result.Err, services.ErrContextUnavailable)
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchOpenFailure(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{OpenErr: errors.New("spawn failed")})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.ErrorIs(t, result.Err, services.ErrContextUnavailable)
	opened, closed := driver.Counts()
	assert.Zero(t, opened)
	assert.Zero(t, closed)
	assert.Zero(t, router.Pending())
}

func TestDispatchInjectFailureStillTearsDown(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{InjectErr: errors.New("inject refused")})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.ErrorIs(t, result.Err, services.ErrContextUnavailable)
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchResponseTimeout(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{NoReply: true}, execution.WithResponseTimeout(30*time.Millisecond))

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.ErrorIs(t, result.Err, services.ErrResponseTimeout)
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchContextDiesBeforeReply(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{DieAfterSend: true}, execution.WithResponseTimeout(0))

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.ErrorIs(t, result.Err, services.ErrContextUnavailable)
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchCancelledByCaller(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{NoReply: true}, execution.WithResponseTimeout(0))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result := mgr.Dispatch(ctx, item("https://docs.example.com/a"), agent, time.Second)

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assertTornDown(t, driver, router, mgr)
}

func TestDispatchTeardownFailureIsNotEscalated(t *testing.T) {
	mgr, driver, router := newManager(t, executiontest.Behavior{Success: true, CloseErr: errors.New("already dead")})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)

	assert.True(t, result.OK)
	assertTornDown(t, driver, router, mgr)
}

func TestDuplicateReplyIsRejected(t *testing.T) {
	mgr, driver, _ := newManager(t, executiontest.Behavior{Success: true, Duplicate: true})

	result := mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second)
	require.True(t, result.OK)

	assert.Eventually(t, func() bool { return len(driver.DeliveryErrors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, driver.DeliveryErrors()[0], execution.ErrAlreadySettled)
}

func TestSequentialDispatchesUseDistinctContexts(t *testing.T) {
	mgr, driver, _ := newManager(t, executiontest.Behavior{Success: true})
	for i := 0; i < 3; i++ {
		require.True(t, mgr.Dispatch(context.Background(), item("https://docs.example.com/a"), agent, time.Second).OK)
	}
	tasks := driver.Tasks()
	require.Len(t, tasks, 3)
	assert.NotEqual(t, tasks[0].ContextID, tasks[1].ContextID)
	assert.NotEqual(t, tasks[1].ContextID, tasks[2].ContextID)
	opened, closed := driver.Counts()
	assert.Equal(t, 3, opened)
	assert.Equal(t, 3, closed)
}
