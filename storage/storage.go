package storage

import (
	"context"
	"time"

	"github.com/songzhibin97/workflow-core/types"
)

// DefinitionStore persists validated workflow definitions.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def types.Definition) error
	GetDefinition(ctx context.Context, name string, version int) (types.Definition, error)
}

// ExecutionStore persists workflow_executions rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec types.WorkflowExecution) error
	GetExecution(ctx context.Context, tenantID string, id uint64) (types.WorkflowExecution, error)
	// UpdateExecution replaces the row only if its stored LastSequence equals expectedSeq.
	UpdateExecution(ctx context.Context, exec types.WorkflowExecution, expectedSeq uint64) error
}

// EventStore persists the append-only workflow_events log.
type EventStore interface {
	// AppendEvent writes ev only if ev.Sequence is exactly one past the last stored sequence.
	AppendEvent(ctx context.Context, ev types.WorkflowEvent) error
	// ReadEvents returns events with Sequence > after, in sequence order.
	ReadEvents(ctx context.Context, tenantID string, executionID, after uint64) ([]types.WorkflowEvent, error)
	LastSequence(ctx context.Context, tenantID string, executionID uint64) (uint64, error)
}

// SnapshotStore persists workflow_snapshots.
type SnapshotStore interface {
	// SaveSnapshot inserts snap unless a snapshot of the same version exists; created reports which.
	SaveSnapshot(ctx context.Context, snap types.WorkflowSnapshot) (created bool, err error)
	LatestSnapshot(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowSnapshot, error)
}

// ActionStore persists workflow_action_results and workflow_action_dependencies.
type ActionStore interface {
	// ReserveAction inserts res unless (tenant, idempotency key) exists; reserved reports which.
	ReserveAction(ctx context.Context, res types.WorkflowActionResult) (reserved bool, err error)
	GetAction(ctx context.Context, tenantID, key string) (types.WorkflowActionResult, error)
	// TransitionAction replaces the row only if its current status is one of from.
	TransitionAction(ctx context.Context, res types.WorkflowActionResult, from ...types.ActionStatus) (bool, error)
	ListActions(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowActionResult, error)
	// ListStaleActions returns in-progress actions whose deadline is before cutoff.
	ListStaleActions(ctx context.Context, cutoff time.Time, limit int) ([]types.WorkflowActionResult, error)
	SaveDependencies(ctx context.Context, tenantID string, eventID uint64, deps []types.WorkflowActionDependency) error
	ListDependencies(ctx context.Context, tenantID string, eventID uint64) ([]types.WorkflowActionDependency, error)
}

// SyncPointStore persists workflow_sync_points.
type SyncPointStore interface {
	// CreateSyncPoint inserts sp unless it exists; created reports which.
	CreateSyncPoint(ctx context.Context, sp types.WorkflowSyncPoint) (created bool, err error)
	GetSyncPoint(ctx context.Context, tenantID string, id uint64) (types.WorkflowSyncPoint, error)
	ListSyncPoints(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowSyncPoint, error)
	// IncrementSyncPoint atomically bumps CompletedActions while below TotalActions.
	// satisfied is true only for the increment that reached TotalActions.
	IncrementSyncPoint(ctx context.Context, tenantID string, id uint64, at time.Time) (sp types.WorkflowSyncPoint, satisfied bool, err error)
}

// TimerStore persists workflow_timers.
type TimerStore interface {
	CreateTimer(ctx context.Context, t types.WorkflowTimer) error
	GetTimer(ctx context.Context, tenantID string, id uint64) (types.WorkflowTimer, error)
	ListTimers(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowTimer, error)
	// DueTimers returns pending timers with FireTime <= now, oldest first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]types.WorkflowTimer, error)
	// ClaimTimer moves a pending timer to fired and, in the same atomic step,
	// inserts successor when non-nil. claimed is false if it was not pending.
	ClaimTimer(ctx context.Context, tenantID string, id uint64, firedAt time.Time, successor *types.WorkflowTimer) (claimed bool, err error)
	// CancelTimers cancels an execution's pending timers; a non-empty state
	// limits it to timers bound to that state.
	CancelTimers(ctx context.Context, tenantID string, executionID uint64, state string) (int, error)
}

// Storage is the full persistence contract of the engine.
type Storage interface {
	DefinitionStore
	ExecutionStore
	EventStore
	SnapshotStore
	ActionStore
	SyncPointStore
	TimerStore

	Ping(ctx context.Context) error
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
