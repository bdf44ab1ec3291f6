package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
)

const tenant = "acme"

// Helper function to create a sample execution
func newExecution(id uint64) types.WorkflowExecution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.WorkflowExecution{
		ID:              id,
		TenantID:        tenant,
		WorkflowName:    "approval",
		WorkflowVersion: 1,
		CurrentState:    "draft",
		Status:          types.StatusRunning,
		Context:         types.MustPayload(map[string]interface{}{"amount": 10}),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Helper function to create an event at a sequence
func newEvent(execID, seq uint64) types.WorkflowEvent {
	return types.WorkflowEvent{
		ID:          execID*1000 + seq,
		TenantID:    tenant,
		ExecutionID: execID,
		Sequence:    seq,
		Name:        "submit",
		Type:        types.EventTypeTransition,
		FromState:   "draft",
		ToState:     "review",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newActionResult(execID uint64, name string, seq uint64) types.WorkflowActionResult {
	return types.WorkflowActionResult{
		ID:             execID*100 + seq,
		TenantID:       tenant,
		ExecutionID:    execID,
		EventID:        execID*1000 + seq,
		EventSequence:  seq,
		ActionName:     name,
		ActionKind:     "noop",
		Status:         types.ActionInProgress,
		IdempotencyKey: fmt.Sprintf("%d:%s:%d", execID, name, seq),
		ReadyToExecute: true,
		Attempts:       1,
	}
}

// runStorageContract exercises the behavior every Storage implementation must share.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("Definitions", func(t *testing.T) {
		store := newStore(t)
		def := types.Definition{Name: "approval", Version: 2, InitialState: "draft",
			States: []types.State{{Name: "draft"}, {Name: "done", Final: types.StatusCompleted}}}
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "approval", 2)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, "approval", 3)
		assert.True(t, failure.IsNotFound(err))
	})

	t.Run("CreateAndUpdateExecution", func(t *testing.T) {
		store := newStore(t)
		exec := newExecution(1)
		require.NoError(t, store.CreateExecution(ctx, exec))
		assert.True(t, failure.IsConflict(store.CreateExecution(ctx, exec)))

		got, err := store.GetExecution(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, exec, got)

		next := exec
		next.CurrentState = "review"
		next.LastSequence = 1
		require.NoError(t, store.UpdateExecution(ctx, next, 0))

		stale := exec
		stale.CurrentState = "rejected"
		stale.LastSequence = 1
		assert.True(t, failure.IsConflict(store.UpdateExecution(ctx, stale, 0)))

		got, err = store.GetExecution(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, "review", got.CurrentState)

		_, err = store.GetExecution(ctx, "other", 1)
		assert.True(t, failure.IsNotFound(err), "executions are tenant scoped")
		assert.True(t, failure.IsNotFound(store.UpdateExecution(ctx, newExecution(9), 0)))
	})

	t.Run("AppendAndReadEvents", func(t *testing.T) {
		store := newStore(t)
		for seq := uint64(1); seq <= 3; seq++ {
			require.NoError(t, store.AppendEvent(ctx, newEvent(1, seq)))
		}
		assert.True(t, failure.IsConflict(store.AppendEvent(ctx, newEvent(1, 3))))
		assert.True(t, failure.IsConflict(store.AppendEvent(ctx, newEvent(1, 5))))

		last, err := store.LastSequence(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), last)

		all, err := store.ReadEvents(ctx, tenant, 1, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, ev := range all {
			assert.Equal(t, uint64(i+1), ev.Sequence)
		}

		tail, err := store.ReadEvents(ctx, tenant, 1, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, uint64(3), tail[0].Sequence)

		none, err := store.ReadEvents(ctx, tenant, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ConcurrentAppendOneWinsPerSequence", func(t *testing.T) {
		store := newStore(t)
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if store.AppendEvent(ctx, newEvent(2, 1)) == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("Snapshots", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LatestSnapshot(ctx, tenant, 1)
		assert.True(t, failure.IsNotFound(err))

		for _, v := range []uint64{2, 10, 5} {
			created, err := store.SaveSnapshot(ctx, types.WorkflowSnapshot{
				TenantID: tenant, ExecutionID: 1, Version: v, CurrentState: fmt.Sprintf("s%d", v),
			})
			require.NoError(t, err)
			assert.True(t, created)
		}
		created, err := store.SaveSnapshot(ctx, types.WorkflowSnapshot{TenantID: tenant, ExecutionID: 1, Version: 10, CurrentState: "dup"})
		require.NoError(t, err)
		assert.False(t, created)

		latest, err := store.LatestSnapshot(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), latest.Version)
		assert.Equal(t, "s10", latest.CurrentState)
	})

	t.Run("ActionReservationAndTransition", func(t *testing.T) {
		store := newStore(t)
		res := newActionResult(1, "notify", 1)
		deadline := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
		res.Deadline = &deadline

		reserved, err := store.ReserveAction(ctx, res)
		require.NoError(t, err)
		assert.True(t, reserved)
		reserved, err = store.ReserveAction(ctx, res)
		require.NoError(t, err)
		assert.False(t, reserved, "idempotency key is unique")

		stale, err := store.ListStaleActions(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, res.IdempotencyKey, stale[0].IdempotencyKey)

		done := res
		done.Status = types.ActionSucceeded
		done.Success = true
		done.Deadline = nil
		ok, err := store.TransitionAction(ctx, done, types.ActionInProgress)
		require.NoError(t, err)
		assert.True(t, ok)

		again := res
		again.Status = types.ActionFailed
		ok, err = store.TransitionAction(ctx, again, types.ActionInProgress)
		require.NoError(t, err)
		assert.False(t, ok, "terminal results are not overwritten")

		got, err := store.GetAction(ctx, tenant, res.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, types.ActionSucceeded, got.Status)

		stale, err = store.ListStaleActions(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		_, err = store.TransitionAction(ctx, newActionResult(1, "missing", 1), types.ActionInProgress)
		assert.True(t, failure.IsNotFound(err))
	})

	t.Run("ListActionsOrdered", func(t *testing.T) {
		store := newStore(t)
		for _, r := range []types.WorkflowActionResult{
			newActionResult(1, "b", 2), newActionResult(1, "a", 2), newActionResult(1, "z", 1), newActionResult(2, "x", 1),
		} {
			_, err := store.ReserveAction(ctx, r)
			require.NoError(t, err)
		}
		list, err := store.ListActions(ctx, tenant, 1)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"z", "a", "b"}, []string{list[0].ActionName, list[1].ActionName, list[2].ActionName})
	})

	t.Run("ConcurrentReserveOneWins", func(t *testing.T) {
		store := newStore(t)
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.ReserveAction(ctx, newActionResult(3, "charge", 1))
				if err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("Dependencies", func(t *testing.T) {
		store := newStore(t)
		deps := []types.WorkflowActionDependency{
			{EventID: 7, ActionName: "b", DependsOn: "a", Type: types.DependencyMustSucceed},
		}
		require.NoError(t, store.SaveDependencies(ctx, tenant, 7, deps))
		require.NoError(t, store.SaveDependencies(ctx, tenant, 7, nil))

		got, err := store.ListDependencies(ctx, tenant, 7)
		require.NoError(t, err)
		assert.Equal(t, deps, got)

		empty, err := store.ListDependencies(ctx, tenant, 8)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("SyncPointSatisfiedOnce", func(t *testing.T) {
		store := newStore(t)
		sp := types.WorkflowSyncPoint{ID: 50, TenantID: tenant, ExecutionID: 1, EventID: 7, Name: "join",
			SyncType: "all", Status: types.SyncPointOpen, TotalActions: 5, Continuation: "joined"}
		created, err := store.CreateSyncPoint(ctx, sp)
		require.NoError(t, err)
		assert.True(t, created)
		created, err = store.CreateSyncPoint(ctx, sp)
		require.NoError(t, err)
		assert.False(t, created)

		var satisfied int32
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.IncrementSyncPoint(ctx, tenant, 50, time.Now())
				if err == nil && ok {
					atomic.AddInt32(&satisfied, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), satisfied)

		got, err := store.GetSyncPoint(ctx, tenant, 50)
		require.NoError(t, err)
		assert.Equal(t, 5, got.CompletedActions)
		assert.Equal(t, types.SyncPointSatisfied, got.Status)
		assert.NotNil(t, got.SatisfiedAt)

		list, err := store.ListSyncPoints(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, _, err = store.IncrementSyncPoint(ctx, tenant, 51, time.Now())
		assert.True(t, failure.IsNotFound(err))
	})

	t.Run("TimersClaimOnce", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		due := types.WorkflowTimer{ID: 1, TenantID: tenant, ExecutionID: 1, Kind: types.TimerKindEvent,
			EventName: "tick", FireTime: now.Add(-time.Second), Recurrence: "hourly", Status: types.TimerPending}
		later := types.WorkflowTimer{ID: 2, TenantID: tenant, ExecutionID: 1, Kind: types.TimerKindEvent,
			EventName: "later", FireTime: now.Add(time.Hour), Status: types.TimerPending}
		require.NoError(t, store.CreateTimer(ctx, due))
		require.NoError(t, store.CreateTimer(ctx, later))
		assert.True(t, failure.IsConflict(store.CreateTimer(ctx, due)))

		list, err := store.DueTimers(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, uint64(1), list[0].ID)

		successor := due
		successor.ID = 3
		successor.FireTime = now.Add(time.Hour)
		successor.PreviousID = 1

		var claims int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				succ := successor
				ok, err := store.ClaimTimer(ctx, tenant, 1, now, &succ)
				if err == nil && ok {
					atomic.AddInt32(&claims, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), claims)

		fired, err := store.GetTimer(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, types.TimerFired, fired.Status)

		next, err := store.GetTimer(ctx, tenant, 3)
		require.NoError(t, err)
		assert.Equal(t, types.TimerPending, next.Status)
		assert.Equal(t, uint64(1), next.PreviousID)

		list, err = store.DueTimers(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, list)

		all, err := store.ListTimers(ctx, tenant, 1)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("CancelTimersByState", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC()
		for i, state := range []string{"review", "review", "approved"} {
			require.NoError(t, store.CreateTimer(ctx, types.WorkflowTimer{
				ID: uint64(i + 1), TenantID: tenant, ExecutionID: 1, Kind: types.TimerKindEvent,
				EventName: "remind", State: state, FireTime: now.Add(-time.Second), Status: types.TimerPending,
			}))
		}
		n, err := store.CancelTimers(ctx, tenant, 1, "review")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		due, err := store.DueTimers(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "approved", due[0].State)

		n, err = store.CancelTimers(ctx, tenant, 1, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err := store.ClaimTimer(ctx, tenant, 3, now, nil)
		require.NoError(t, err)
		assert.False(t, ok, "cancelled timers cannot fire")
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.GetExecution(cctx, tenant, 1)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.AppendEvent(cctx, newEvent(1, 1)), context.Canceled)
	})

	t.Run("Ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})
}
