package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/workflow-core/definition"
	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// TimerRequest schedules an event for an execution.
type TimerRequest struct {
	TenantID    string
	ExecutionID uint64
	EventName   string
	Payload     types.Payload
	FireTime    time.Time
	Recurrence  string
	// State binds the timer to a state; leaving it cancels the timer.
	State string
}

// TimerService stores durable timers and fires due ones exactly once across
// pollers by claiming each with a conditional pending->fired update.
type TimerService struct {
	store  storage.TimerStore
	ids    generator.Generator
	now    func() time.Time
	logger *zap.Logger
	batch  int
	// fire acts on a claimed timer.
	fire func(ctx context.Context, t types.WorkflowTimer) error
}

// Schedule creates a timer. FireTime must be in the future and Recurrence,
// when set, must parse.
func (s *TimerService) Schedule(ctx context.Context, req TimerRequest) (types.WorkflowTimer, error) {
	if req.EventName == "" {
		return types.WorkflowTimer{}, failure.Validation("event", "name must not be empty")
	}
	now := s.now()
	if !req.FireTime.After(now) {
		return types.WorkflowTimer{}, failure.Validation("fire_time", "%s is not in the future", req.FireTime.Format(time.RFC3339))
	}
	if req.Recurrence != "" {
		if _, err := definition.ParseRecurrence(req.Recurrence); err != nil {
			return types.WorkflowTimer{}, failure.Validation("recurrence", "%v", err)
		}
	}
	id, err := s.ids.NextID()
	if err != nil {
		return types.WorkflowTimer{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	t := types.WorkflowTimer{
		ID:          id,
		TenantID:    req.TenantID,
		ExecutionID: req.ExecutionID,
		Kind:        types.TimerKindEvent,
		EventName:   req.EventName,
		Payload:     req.Payload,
		State:       req.State,
		FireTime:    req.FireTime,
		Recurrence:  req.Recurrence,
		Status:      types.TimerPending,
		CreatedAt:   now,
	}
	if err := s.store.CreateTimer(ctx, t); err != nil {
		return types.WorkflowTimer{}, err
	}
	return t, nil
}

// scheduleRetry creates the timer that re-dispatches an action.
func (s *TimerService) scheduleRetry(ctx context.Context, res types.WorkflowActionResult, attempt int, delay time.Duration) (types.WorkflowTimer, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return types.WorkflowTimer{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := s.now()
	t := types.WorkflowTimer{
		ID:          id,
		TenantID:    res.TenantID,
		ExecutionID: res.ExecutionID,
		Kind:        types.TimerKindRetry,
		EventName:   res.ActionName,
		ActionKey:   res.IdempotencyKey,
		Attempt:     attempt,
		FireTime:    now.Add(delay),
		Status:      types.TimerPending,
		CreatedAt:   now,
	}
	return t, s.store.CreateTimer(ctx, t)
}

// EnterState schedules the definition's timers for the state exec just entered.
func (s *TimerService) EnterState(ctx context.Context, def types.Definition, exec types.WorkflowExecution) (int, error) {
	n := 0
	for _, spec := range def.TimersFor(exec.CurrentState) {
		fireAt := s.now().Add(spec.After)
		if spec.Recurrence != "" && spec.After <= 0 {
			next, err := definition.NextFire(spec.Recurrence, s.now())
			if err != nil {
				return n, failure.Validation("timers", "%v", err)
			}
			fireAt = next
		}
		if _, err := s.Schedule(ctx, TimerRequest{
			TenantID:    exec.TenantID,
			ExecutionID: exec.ID,
			EventName:   spec.Event,
			FireTime:    fireAt,
			Recurrence:  spec.Recurrence,
			State:       exec.CurrentState,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Cancel cancels an execution's pending timers, limited to state when non-empty.
func (s *TimerService) Cancel(ctx context.Context, tenantID string, executionID uint64, state string) (int, error) {
	return s.store.CancelTimers(ctx, tenantID, executionID, state)
}

// successor builds the next instance of a recurring timer. Its fire time is
// computed from the previous fire time so a late poll does not drift the chain.
func (s *TimerService) successor(t types.WorkflowTimer) (*types.WorkflowTimer, error) {
	if t.Recurrence == "" {
		return nil, nil
	}
	next, err := definition.NextFire(t.Recurrence, t.FireTime)
	if err != nil {
		return nil, err
	}
	id, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	succ := t
	succ.ID = id
	succ.FireTime = next
	succ.Status = types.TimerPending
	succ.PreviousID = t.ID
	succ.CreatedAt = s.now()
	succ.FiredAt = nil
	return &succ, nil
}

// Poll claims and fires due timers. It returns how many this caller fired.
func (s *TimerService) Poll(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.DueTimers(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		succ, err := s.successor(t)
		if err != nil {
			s.logger.Error("invalid recurrence, firing without successor",
				zap.Uint64("timer_id", t.ID), zap.String("recurrence", t.Recurrence), zap.Error(err))
		}
		claimed, err := s.store.ClaimTimer(ctx, t.TenantID, t.ID, now, succ)
		if err != nil {
			return fired, err
		}
		if !claimed {
			continue
		}
		fired++
		t.Status = types.TimerFired
		t.FiredAt = &now
		if s.fire == nil {
			continue
		}
		if err := s.fire(ctx, t); err != nil {
			s.onFireError(ctx, t, err)
		}
	}
	return fired, nil
}

// onFireError handles a claimed timer whose event could not be applied.
// Terminal executions and impossible transitions drop the firing; transient
// failures re-arm a one-shot copy so the firing is not lost.
func (s *TimerService) onFireError(ctx context.Context, t types.WorkflowTimer, err error) {
	fields := []zap.Field{
		zap.String("tenant_id", t.TenantID),
		zap.Uint64("execution_id", t.ExecutionID),
		zap.Uint64("timer_id", t.ID),
		zap.String("event", t.EventName),
		zap.Error(err),
	}
	class := failure.Classify(err)
	if class != failure.ClassTransient && class != failure.ClassLeaseExpired {
		s.logger.Info("timer firing dropped", append(fields, zap.String("class", class.String()))...)
		return
	}
	id, idErr := s.ids.NextID()
	if idErr != nil {
		s.logger.Error("timer firing lost", append(fields, zap.NamedError("id_error", idErr))...)
		return
	}
	now := s.now()
	again := t
	again.ID = id
	again.Recurrence = ""
	again.FireTime = now.Add(time.Second)
	again.Status = types.TimerPending
	again.PreviousID = t.ID
	again.CreatedAt = now
	again.FiredAt = nil
	if cerr := s.store.CreateTimer(ctx, again); cerr != nil {
		s.logger.Error("timer firing lost", append(fields, zap.NamedError("rearm_error", cerr))...)
		return
	}
	s.logger.Warn("timer firing re-armed", append(fields, zap.Uint64("rearmed_id", id))...)
}
