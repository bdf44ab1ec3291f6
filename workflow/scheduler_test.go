package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// appendOnly writes an event without dispatching its actions.
func appendOnly(t *testing.T, env *testEnv, workflow, event string) (types.Definition, types.WorkflowExecution, types.WorkflowEvent) {
	t.Helper()
	ctx := context.Background()
	exec, err := env.engine.StartExecution(ctx, tenant, workflow, 1, types.Payload{})
	require.NoError(t, err)
	ev, exec, err := env.engine.log.Append(ctx, tenant, exec.ID, Append{Name: event, Type: types.EventTypeTransition})
	require.NoError(t, err)
	def, err := env.engine.definition(ctx, workflow, 1)
	require.NoError(t, err)
	return def, exec, ev
}

func TestDispatchUnregisteredKindFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, exec, ev := appendOnly(t, env, "approval", "Submit")

	def := approvalDefinition()
	def.Actions[0].Actions[0].Kind = "missing"
	res, ok, err := env.engine.scheduler.Dispatch(ctx, def, exec, ev, "notify_approver")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ActionFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, `action kind "missing" is not registered`)
	assert.Zero(t, env.notify.Calls())
}

func TestConcurrentDispatchRecordsOneSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def, exec, ev := appendOnly(t, env, "approval", "Submit")

	const racers = 8
	var (
		wg         sync.WaitGroup
		dispatched int64
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, ok, err := env.engine.scheduler.Dispatch(ctx, def, exec, ev, "notify_approver")
			assert.NoError(t, err)
			assert.Equal(t, IdempotencyKey(exec.ID, "notify_approver", ev.Sequence), res.IdempotencyKey)
			if ok {
				atomic.AddInt64(&dispatched, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, dispatched)
	assert.EqualValues(t, 1, env.notify.Calls())

	rows, err := env.engine.ListActionResults(ctx, tenant, exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.Equal(t, types.ActionSucceeded, rows[0].Status)

	_, _, err = env.engine.scheduler.Dispatch(ctx, def, exec, ev, "missing")
	assert.True(t, failure.IsNotFound(err))
}

func TestTransientFailureRetriesThroughTimer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flaky := &flakyAction{succeedOn: 2}
	require.NoError(t, env.engine.RegisterAction("notify", flaky))

	exec, err := env.engine.StartExecution(ctx, tenant, "approval", 1, types.Payload{})
	require.NoError(t, err)
	res, err := env.engine.AppendEvent(ctx, tenant, exec.ID, "Submit", types.Payload{}, "")
	require.NoError(t, err)
	require.Len(t, res.ActionResults, 1)
	assert.Equal(t, types.ActionRetrying, res.ActionResults[0].Status)
	assert.Equal(t, types.StatusWaiting, res.Execution.Status)

	timers, err := env.engine.ListTimers(ctx, tenant, exec.ID)
	require.NoError(t, err)
	var retry *types.WorkflowTimer
	for i := range timers {
		if timers[i].Kind == types.TimerKindRetry {
			retry = &timers[i]
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempt)
	assert.True(t, env.clock.Now().Add(time.Second).Equal(retry.FireTime))

	env.clock.Advance(time.Second)
	fired, err := env.engine.PollTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	row, err := env.store.GetAction(ctx, tenant, res.ActionResults[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, row.Status)
	assert.Equal(t, 2, row.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt64(&flaky.calls))
}

func TestRetryCapFailsAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.RegisterAction("notify", &flakyAction{succeedOn: 100}))

	exec, err := env.engine.StartExecution(ctx, tenant, "approval", 1, types.Payload{})
	require.NoError(t, err)
	res, err := env.engine.AppendEvent(ctx, tenant, exec.ID, "Submit", types.Payload{}, "")
	require.NoError(t, err)
	key := res.ActionResults[0].IdempotencyKey

	for i := 0; i < 5; i++ {
		env.clock.Advance(10 * time.Second)
		_, err := env.engine.PollTimers(ctx)
		require.NoError(t, err)
	}
	row, err := env.store.GetAction(ctx, tenant, key)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, row.Status)
	assert.Equal(t, testRetryPolicy().MaxAttempts, row.Attempts)
	assert.NotEmpty(t, row.ErrorMessage)

	got, err := env.engine.GetExecution(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "PendingApproval", got.CurrentState)
}

func TestReapStaleAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, exec, ev := appendOnly(t, env, "approval", "Submit")

	started := env.clock.Now().Add(-time.Minute)
	deadline := started.Add(time.Second)
	row := types.WorkflowActionResult{
		ID:             4242,
		TenantID:       tenant,
		ExecutionID:    exec.ID,
		EventID:        ev.ID,
		EventSequence:  ev.Sequence,
		ActionName:     "notify_approver",
		ActionKind:     "notify",
		Status:         types.ActionInProgress,
		IdempotencyKey: IdempotencyKey(exec.ID, "notify_approver", ev.Sequence),
		ReadyToExecute: true,
		Attempts:       1,
		StartedAt:      &started,
		Deadline:       &deadline,
	}
	ok, err := env.store.ReserveAction(ctx, row)
	require.NoError(t, err)
	require.True(t, ok)

	reaped, err := env.engine.ReapStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := env.store.GetAction(ctx, tenant, row.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.ActionRetrying, got.Status)

	env.clock.Advance(time.Second)
	_, err = env.engine.PollTimers(ctx)
	require.NoError(t, err)
	got, err = env.store.GetAction(ctx, tenant, row.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)

	reaped, err = env.engine.ReapStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestReapAbandonsActionsOfCancelledExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, exec, ev := appendOnly(t, env, "approval", "Submit")

	deadline := env.clock.Now().Add(-time.Minute)
	row := types.WorkflowActionResult{
		ID:             4243,
		TenantID:       tenant,
		ExecutionID:    exec.ID,
		EventID:        ev.ID,
		EventSequence:  ev.Sequence,
		ActionName:     "notify_approver",
		Status:         types.ActionInProgress,
		IdempotencyKey: IdempotencyKey(exec.ID, "notify_approver", ev.Sequence),
		Attempts:       1,
		Deadline:       &deadline,
	}
	_, err := env.store.ReserveAction(ctx, row)
	require.NoError(t, err)
	_, err = env.engine.CancelExecution(ctx, tenant, exec.ID, "")
	require.NoError(t, err)

	reaped, err := env.engine.ReapStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	got, err := env.store.GetAction(ctx, tenant, row.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "abandoned")
}

func TestResultsDiscardedAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	exec, err := env.engine.StartExecution(ctx, tenant, "fanout", 1, types.Payload{})
	require.NoError(t, err)
	res, err := env.engine.AppendEvent(ctx, tenant, exec.ID, "Submit", types.Payload{}, "")
	require.NoError(t, err)
	_, err = env.engine.CancelExecution(ctx, tenant, exec.ID, "")
	require.NoError(t, err)

	_, err = env.engine.CompleteAction(ctx, tenant, res.ActionResults[0].IdempotencyKey, Outcome{Success: true})
	assert.True(t, failure.IsConflict(err))
	row, err := env.store.GetAction(ctx, tenant, res.ActionResults[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.ActionAwaiting, row.Status)
}

func TestReportedFailureSkipsJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	exec, err := env.engine.StartExecution(ctx, tenant, "fanout", 1, types.Payload{})
	require.NoError(t, err)
	res, err := env.engine.AppendEvent(ctx, tenant, exec.ID, "Submit", types.Payload{}, "")
	require.NoError(t, err)
	byName := resultsByName(res.ActionResults)

	got, err := env.engine.CompleteAction(ctx, tenant, byName["legal"].IdempotencyKey, Outcome{Error: "declined"})
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "declined")

	for _, name := range []string{"finance", "security"} {
		_, err := env.engine.CompleteAction(ctx, tenant, byName[name].IdempotencyKey, Outcome{Success: true})
		require.NoError(t, err)
	}
	history, err := env.engine.GetHistory(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a failed member keeps the join open")

	_, err = env.engine.CompleteAction(ctx, tenant, "no-such-key", Outcome{Success: true})
	assert.True(t, failure.IsNotFound(err))
}

func TestSyncPointConcurrentCompletes(t *testing.T) {
	store := storage.NewMemoryStorage()
	clock := newFakeClock()
	coord := NewSyncPointCoordinator(store, &MockGenerator{}, clock.Now)
	ctx := context.Background()

	join := types.JoinSpec{Name: "all", Continuation: "Approved"}
	sp, err := coord.Open(ctx, tenant, 1, 10, join, 5)
	require.NoError(t, err)
	assert.Equal(t, "all", sp.SyncType)
	again, err := coord.Open(ctx, tenant, 1, 10, join, 5)
	require.NoError(t, err)
	assert.Equal(t, sp.ID, again.ID, "opening twice returns the same barrier")

	var (
		wg        sync.WaitGroup
		satisfied int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := coord.Complete(ctx, tenant, sp.ID)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt64(&satisfied, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, satisfied)
	final, err := store.GetSyncPoint(ctx, tenant, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, final.CompletedActions)
	assert.Equal(t, types.SyncPointSatisfied, final.Status)
}

func TestFrontier(t *testing.T) {
	set := pipelineDefinition().Actions[0]

	ready, doomed := frontier(set, map[string]types.WorkflowActionResult{})
	require.Len(t, ready, 1)
	assert.Equal(t, "validate", ready[0].Name)
	assert.Empty(t, doomed)

	ready, doomed = frontier(set, map[string]types.WorkflowActionResult{
		"validate": {Status: types.ActionSucceeded},
	})
	require.Len(t, ready, 2)
	assert.ElementsMatch(t, []string{"charge", "audit"}, []string{ready[0].Name, ready[1].Name})
	assert.Empty(t, doomed)

	ready, doomed = frontier(set, map[string]types.WorkflowActionResult{
		"validate": {Status: types.ActionRetrying},
	})
	assert.Empty(t, ready)
	assert.Empty(t, doomed)

	ready, doomed = frontier(set, map[string]types.WorkflowActionResult{
		"validate": {Status: types.ActionFailed},
	})
	require.Len(t, ready, 1)
	assert.Equal(t, "audit", ready[0].Name)
	assert.Contains(t, doomed, "charge")
	assert.NotContains(t, doomed, "ship")
}
