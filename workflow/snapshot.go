package workflow

import (
	"context"
	"time"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// SnapshotPolicy decides when state is materialized: after EveryEvents events
// or Interval time since the last snapshot, whichever comes first. Zero
// disables that trigger.
type SnapshotPolicy struct {
	EveryEvents int
	Interval    time.Duration
}

// DefaultSnapshotPolicy snapshots every 50 events or 10 minutes.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{EveryEvents: 50, Interval: 10 * time.Minute}
}

// SnapshotManager materializes execution state so replay cost stays bounded.
type SnapshotManager struct {
	store  storage.SnapshotStore
	policy SnapshotPolicy
	now    func() time.Time
}

// NewSnapshotManager creates a SnapshotManager.
func NewSnapshotManager(store storage.SnapshotStore, policy SnapshotPolicy, now func() time.Time) *SnapshotManager {
	return &SnapshotManager{store: store, policy: policy, now: now}
}

// Latest returns the newest snapshot, if any.
func (m *SnapshotManager) Latest(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowSnapshot, bool, error) {
	snap, err := m.store.LatestSnapshot(ctx, tenantID, executionID)
	if failure.IsNotFound(err) {
		return types.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return types.WorkflowSnapshot{}, false, err
	}
	return snap, true, nil
}

// Due reports whether exec should be snapshotted given the latest snapshot.
func (m *SnapshotManager) Due(exec types.WorkflowExecution, latest types.WorkflowSnapshot, found bool) bool {
	if exec.LastSequence == 0 || (found && exec.LastSequence <= latest.Version) {
		return false
	}
	since := exec.LastSequence
	last := exec.CreatedAt
	if found {
		since -= latest.Version
		last = latest.CreatedAt
	}
	if m.policy.EveryEvents > 0 && since >= uint64(m.policy.EveryEvents) {
		return true
	}
	return m.policy.Interval > 0 && m.now().Sub(last) >= m.policy.Interval
}

// MaybeSnapshot writes a snapshot of exec when the policy says so.
func (m *SnapshotManager) MaybeSnapshot(ctx context.Context, exec types.WorkflowExecution) (bool, error) {
	latest, found, err := m.Latest(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false, err
	}
	if !m.Due(exec, latest, found) {
		return false, nil
	}
	return m.Save(ctx, exec)
}

// Save writes a snapshot at exec.LastSequence. Saving an existing version is a no-op.
func (m *SnapshotManager) Save(ctx context.Context, exec types.WorkflowExecution) (bool, error) {
	return m.store.SaveSnapshot(ctx, types.WorkflowSnapshot{
		TenantID:     exec.TenantID,
		ExecutionID:  exec.ID,
		Version:      exec.LastSequence,
		CurrentState: exec.CurrentState,
		Status:       replayStatus(exec.Status),
		Data:         exec.Context,
		CreatedAt:    m.now(),
	})
}

// replayStatus maps live statuses onto what replay derives: waiting is a
// runtime refinement of running.
func replayStatus(s types.ExecutionStatus) types.ExecutionStatus {
	if s == types.StatusWaiting {
		return types.StatusRunning
	}
	return s
}
