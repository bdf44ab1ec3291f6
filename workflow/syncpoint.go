package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// SyncPointCoordinator implements join barriers over parallel actions.
type SyncPointCoordinator struct {
	store storage.SyncPointStore
	ids   generator.Generator
	now   func() time.Time
}

// NewSyncPointCoordinator creates a SyncPointCoordinator.
func NewSyncPointCoordinator(store storage.SyncPointStore, ids generator.Generator, now func() time.Time) *SyncPointCoordinator {
	return &SyncPointCoordinator{store: store, ids: ids, now: now}
}

// Open returns the barrier named join for the event, creating it with total
// members on first use. The caller holds the execution lease.
func (c *SyncPointCoordinator) Open(ctx context.Context, tenantID string, executionID, eventID uint64, join types.JoinSpec, total int) (types.WorkflowSyncPoint, error) {
	if sp, ok, err := c.Find(ctx, tenantID, executionID, eventID, join.Name); err != nil || ok {
		return sp, err
	}
	id, err := c.ids.NextID()
	if err != nil {
		return types.WorkflowSyncPoint{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	syncType := join.SyncType
	if syncType == "" {
		syncType = "all"
	}
	sp := types.WorkflowSyncPoint{
		ID:           id,
		TenantID:     tenantID,
		ExecutionID:  executionID,
		EventID:      eventID,
		Name:         join.Name,
		SyncType:     syncType,
		Status:       types.SyncPointOpen,
		TotalActions: total,
		Continuation: join.Continuation,
		CreatedAt:    c.now(),
	}
	if _, err := c.store.CreateSyncPoint(ctx, sp); err != nil {
		return types.WorkflowSyncPoint{}, err
	}
	return sp, nil
}

// Find looks up the barrier named join for the event.
func (c *SyncPointCoordinator) Find(ctx context.Context, tenantID string, executionID, eventID uint64, join string) (types.WorkflowSyncPoint, bool, error) {
	all, err := c.store.ListSyncPoints(ctx, tenantID, executionID)
	if err != nil {
		return types.WorkflowSyncPoint{}, false, err
	}
	for _, sp := range all {
		if sp.EventID == eventID && sp.Name == join {
			return sp, true, nil
		}
	}
	return types.WorkflowSyncPoint{}, false, nil
}

// Complete counts one member completion. satisfied is true for exactly one
// caller: the one whose increment reached the total.
func (c *SyncPointCoordinator) Complete(ctx context.Context, tenantID string, syncID uint64) (types.WorkflowSyncPoint, bool, error) {
	return c.store.IncrementSyncPoint(ctx, tenantID, syncID, c.now())
}
