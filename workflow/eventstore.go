package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// Append is an event to be written to an execution's log.
type Append struct {
	Name    string
	Type    types.EventType
	Payload types.Payload
	UserID  string
}

// DefinitionSource resolves the definition an execution is pinned to.
type DefinitionSource func(ctx context.Context, name string, version int) (types.Definition, error)

// EventStore owns the append-only event log. Every append runs as a
// two-step transaction under the execution lease: a conditional insert of
// the event, then a conditional update of the execution row. The row never
// runs ahead of the log.
type EventStore struct {
	store       storage.Storage
	locker      lock.Locker
	lockOpts    lock.Options
	ids         generator.Generator
	machine     *StateMachine
	definitions DefinitionSource
	now         func() time.Time
	logger      *zap.Logger
}

// ExecutionLockKey is the lease key serializing mutations of one execution.
func ExecutionLockKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("exec:%s:%d", tenantID, executionID)
}

// Read returns events with sequence greater than after, in order.
func (s *EventStore) Read(ctx context.Context, tenantID string, executionID, after uint64) ([]types.WorkflowEvent, error) {
	if _, err := s.store.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return s.store.ReadEvents(ctx, tenantID, executionID, after)
}

// Append writes in to the execution's log and advances its state. It fails
// with ConflictError on terminal executions, NotFoundError on unknown ones and
// ValidationError when the definition has no transition for the event.
func (s *EventStore) Append(ctx context.Context, tenantID string, executionID uint64, in Append) (types.WorkflowEvent, types.WorkflowExecution, error) {
	if in.Name == "" {
		return types.WorkflowEvent{}, types.WorkflowExecution{}, failure.Validation("event", "name must not be empty")
	}
	var (
		cur  types.WorkflowExecution
		next types.WorkflowExecution
		ev   types.WorkflowEvent
	)

	tx := lock.NewTransaction(s.locker, ExecutionLockKey(tenantID, executionID), s.lockOpts)
	tx.Step("append-event", func(ctx context.Context) error {
		var err error
		cur, err = s.load(ctx, tenantID, executionID)
		if err != nil {
			return err
		}
		// Completed, failed and cancelled are absorbing: nothing, a
		// cancellation included, leaves them.
		if cur.Status.Terminal() {
			return failure.Conflict("execution", idString(executionID), fmt.Sprintf("execution is %s", cur.Status))
		}
		def, err := s.definitions(ctx, cur.WorkflowName, cur.WorkflowVersion)
		if err != nil {
			return err
		}

		to := cur.CurrentState
		status := cur.Status
		if in.Type == types.EventTypeCancel {
			status = types.StatusCancelled
		} else {
			tr, err := s.machine.Transition(def, cur, in.Name, in.Payload)
			if err != nil {
				return err
			}
			to = tr.To
			status = StatusFor(def, to)
		}

		id, err := s.ids.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		now := s.now()
		ev = types.WorkflowEvent{
			ID:          id,
			TenantID:    tenantID,
			ExecutionID: executionID,
			Sequence:    cur.LastSequence + 1,
			Name:        in.Name,
			Type:        in.Type,
			FromState:   cur.CurrentState,
			ToState:     to,
			UserID:      in.UserID,
			Payload:     in.Payload,
			CreatedAt:   now,
		}

		next = cur
		next.CurrentState = to
		next.Status = status
		next.LastSequence = ev.Sequence
		next.UpdatedAt = now
		return s.store.AppendEvent(ctx, ev)
	}, nil)
	tx.Step("update-execution", func(ctx context.Context) error {
		// The event is durable once appended. A row left behind is rebuilt
		// from the log by the next load.
		if err := s.store.UpdateExecution(ctx, next, cur.LastSequence); err != nil {
			s.logger.Warn("execution row update failed after append",
				zap.String("tenant_id", tenantID),
				zap.Uint64("execution_id", executionID),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err))
		}
		return nil
	}, nil)

	if err := tx.Run(ctx); err != nil {
		return types.WorkflowEvent{}, types.WorkflowExecution{}, err
	}
	return ev, next, nil
}

// load reads the execution row and repairs it when its sequence disagrees
// with the log, which happens if a writer died between the two append steps
// or its row update failed.
// The caller holds the execution lease.
func (s *EventStore) load(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowExecution, error) {
	exec, err := s.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	last, err := s.store.LastSequence(ctx, tenantID, executionID)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	if last == exec.LastSequence {
		return exec, nil
	}

	def, err := s.definitions(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	events, err := s.store.ReadEvents(ctx, tenantID, executionID, 0)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	st, err := s.machine.Fold(def, executionID, Genesis(def), events)
	if err != nil {
		return types.WorkflowExecution{}, err
	}

	s.logger.Warn("execution row out of step with event log, rebuilt by replay",
		zap.String("tenant_id", tenantID),
		zap.Uint64("execution_id", executionID),
		zap.Uint64("row_sequence", exec.LastSequence),
		zap.Uint64("log_sequence", last),
	)
	fixed := exec
	fixed.CurrentState = st.State
	fixed.LastSequence = st.Version
	if exec.Status != types.StatusFailed || st.Status.Terminal() {
		fixed.Status = st.Status
	}
	fixed.UpdatedAt = s.now()
	if err := s.store.UpdateExecution(ctx, fixed, exec.LastSequence); err != nil {
		return types.WorkflowExecution{}, err
	}
	return fixed, nil
}
