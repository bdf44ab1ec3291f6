package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/workflow-core/events"
	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// IdempotencyKey identifies one action triggered by one event of an execution.
func IdempotencyKey(executionID uint64, action string, sequence uint64) string {
	return fmt.Sprintf("%d:%s:%d", executionID, action, sequence)
}

// Outcome is the externally reported result of an awaiting action.
type Outcome struct {
	Success bool
	Result  types.Payload
	Error   string
}

// eventRun is the action set of one event being driven to completion.
type eventRun struct {
	def   types.Definition
	exec  types.WorkflowExecution
	event types.WorkflowEvent
	set   types.EventActions
}

// ActionScheduler dispatches the actions an event triggers in dependency
// order. Each action is reserved under its idempotency key before the handler
// runs, so at most one success is recorded per key however many workers race.
type ActionScheduler struct {
	store       storage.Storage
	locker      lock.Locker
	lockOpts    lock.Options
	ids         generator.Generator
	registry    *ActionRegistry
	retry       failure.RetryPolicy
	syncs       *SyncPointCoordinator
	timers      *TimerService
	definitions DefinitionSource
	now         func() time.Time
	logger      *zap.Logger
	timeout     time.Duration

	// notify publishes a lifecycle notification.
	notify func(ctx context.Context, n events.Notification)
	// continuation appends the continuation event of a satisfied join.
	continuation func(ctx context.Context, sp types.WorkflowSyncPoint) error
	// fail moves an execution to failed. The caller holds the execution lease.
	fail func(ctx context.Context, exec types.WorkflowExecution, reason string) error
}

// absorbing reports whether results may no longer be recorded for exec.
func absorbing(s types.ExecutionStatus) bool {
	return s == types.StatusFailed || s == types.StatusCancelled
}

// Schedule drives the actions triggered by ev until none is ready. Actions
// parked for retry or callback are resumed later by Retry and Resolve.
func (s *ActionScheduler) Schedule(ctx context.Context, def types.Definition, exec types.WorkflowExecution, ev types.WorkflowEvent) ([]types.WorkflowActionResult, error) {
	set, ok := def.ActionsFor(ev.Name)
	if !ok || len(set.Actions) == 0 {
		return nil, nil
	}
	run := &eventRun{def: def, exec: exec, event: ev, set: set}
	if err := s.prepare(ctx, run); err != nil {
		return nil, err
	}
	if err := s.advance(ctx, run); err != nil {
		return nil, err
	}
	return s.results(ctx, run)
}

// prepare records the dependency edges and opens the joins of run. Both are
// insert-once, so re-running it for the same event is harmless.
func (s *ActionScheduler) prepare(ctx context.Context, run *eventRun) error {
	var deps []types.WorkflowActionDependency
	members := make(map[string]int)
	for _, a := range run.set.Actions {
		for _, d := range a.DependsOn {
			deps = append(deps, types.WorkflowActionDependency{
				EventID:    run.event.ID,
				ActionName: a.Name,
				DependsOn:  d.Action,
				Type:       d.Type,
			})
		}
		if a.Join != "" {
			members[a.Join]++
		}
	}
	return lock.WithLock(ctx, s.locker, ExecutionLockKey(run.exec.TenantID, run.exec.ID), s.lockOpts, func(ctx context.Context) error {
		if len(deps) > 0 {
			if err := s.store.SaveDependencies(ctx, run.exec.TenantID, run.event.ID, deps); err != nil {
				return err
			}
		}
		for _, j := range run.set.Joins {
			if members[j.Name] == 0 {
				continue
			}
			if _, err := s.syncs.Open(ctx, run.exec.TenantID, run.exec.ID, run.event.ID, j, members[j.Name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// resultMap returns the rows recorded for run's event, keyed by action name.
func (s *ActionScheduler) resultMap(ctx context.Context, run *eventRun) (map[string]types.WorkflowActionResult, error) {
	all, err := s.store.ListActions(ctx, run.exec.TenantID, run.exec.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.WorkflowActionResult)
	for _, r := range all {
		if r.EventID == run.event.ID {
			out[r.ActionName] = r
		}
	}
	return out, nil
}

func (s *ActionScheduler) results(ctx context.Context, run *eventRun) ([]types.WorkflowActionResult, error) {
	all, err := s.store.ListActions(ctx, run.exec.TenantID, run.exec.ID)
	if err != nil {
		return nil, err
	}
	var out []types.WorkflowActionResult
	for _, r := range all {
		if r.EventID == run.event.ID {
			out = append(out, r)
		}
	}
	return out, nil
}

// satisfies reports whether a finished dependency lets its dependent run.
func satisfies(t types.DependencyType, status types.ActionStatus) bool {
	if t == types.DependencyMustComplete {
		return status == types.ActionSucceeded || status == types.ActionFailed
	}
	return status == types.ActionSucceeded
}

// frontier splits the actions without a row into those whose dependencies
// are all satisfied and those a finished dependency can no longer satisfy.
func frontier(set types.EventActions, rows map[string]types.WorkflowActionResult) (ready []types.ActionSpec, doomed map[string]string) {
	doomed = make(map[string]string)
	for _, a := range set.Actions {
		if _, ok := rows[a.Name]; ok {
			continue
		}
		blocked := false
		for _, d := range a.DependsOn {
			r, ok := rows[d.Action]
			if !ok || !r.Status.Done() {
				blocked = true
				continue
			}
			if !satisfies(d.Type, r.Status) {
				doomed[a.Name] = fmt.Sprintf("dependency %s %s", d.Action, r.Status)
				break
			}
		}
		if _, ok := doomed[a.Name]; !ok && !blocked {
			ready = append(ready, a)
		}
	}
	return ready, doomed
}

// advance dispatches the ready frontier until it is empty. Dependents of
// failed or skipped actions are recorded as skipped without running.
func (s *ActionScheduler) advance(ctx context.Context, run *eventRun) error {
	for {
		rows, err := s.resultMap(ctx, run)
		if err != nil {
			return err
		}
		ready, doomed := frontier(run.set, rows)
		if len(ready) == 0 && len(doomed) == 0 {
			return nil
		}
		for name, reason := range doomed {
			spec, _ := run.set.Action(name)
			if err := s.skip(ctx, run, spec, reason); err != nil {
				if failure.IsConflict(err) {
					return nil
				}
				return err
			}
		}

		var g errgroup.Group
		for _, spec := range ready {
			spec := spec
			g.Go(func() error {
				_, _, err := s.dispatch(ctx, run, spec, 1)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if failure.IsConflict(err) {
				return nil
			}
			return err
		}
	}
}

// newResult builds the row reserved for spec's first attempt.
func (s *ActionScheduler) newResult(run *eventRun, spec types.ActionSpec) (types.WorkflowActionResult, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return types.WorkflowActionResult{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	params, err := types.NewPayload(spec.Params)
	if err != nil {
		return types.WorkflowActionResult{}, failure.Validation("params", "action %s: %v", spec.Name, err)
	}
	return types.WorkflowActionResult{
		ID:             id,
		TenantID:       run.exec.TenantID,
		ExecutionID:    run.exec.ID,
		EventID:        run.event.ID,
		EventSequence:  run.event.Sequence,
		ActionName:     spec.Name,
		ActionKind:     spec.Kind,
		Parameters:     params,
		IdempotencyKey: IdempotencyKey(run.exec.ID, spec.Name, run.event.Sequence),
	}, nil
}

// skip records spec as permanently skipped.
func (s *ActionScheduler) skip(ctx context.Context, run *eventRun, spec types.ActionSpec, reason string) error {
	res, err := s.newResult(run, spec)
	if err != nil {
		return err
	}
	now := s.now()
	res.Status = types.ActionSkipped
	res.ErrorMessage = reason
	res.CompletedAt = &now
	return lock.WithLock(ctx, s.locker, ExecutionLockKey(run.exec.TenantID, run.exec.ID), s.lockOpts, func(ctx context.Context) error {
		if err := s.checkLive(ctx, run); err != nil {
			return err
		}
		_, err := s.store.ReserveAction(ctx, res)
		return err
	})
}

// checkLive fails with ConflictError once the execution stopped accepting results.
func (s *ActionScheduler) checkLive(ctx context.Context, run *eventRun) error {
	exec, err := s.store.GetExecution(ctx, run.exec.TenantID, run.exec.ID)
	if err != nil {
		return err
	}
	if absorbing(exec.Status) {
		return failure.Conflict("execution", idString(exec.ID), fmt.Sprintf("execution is %s", exec.Status))
	}
	return nil
}

// Dispatch runs one action of ev. dispatched is false when another caller
// already owns the action's idempotency key; res is then the existing row.
func (s *ActionScheduler) Dispatch(ctx context.Context, def types.Definition, exec types.WorkflowExecution, ev types.WorkflowEvent, action string) (types.WorkflowActionResult, bool, error) {
	set, _ := def.ActionsFor(ev.Name)
	spec, ok := set.Action(action)
	if !ok {
		return types.WorkflowActionResult{}, false, failure.NotFound("action", action)
	}
	return s.dispatch(ctx, &eventRun{def: def, exec: exec, event: ev, set: set}, spec, 1)
}

// dispatch claims spec's row for attempt, runs the handler without holding
// the lease, then records the outcome.
func (s *ActionScheduler) dispatch(ctx context.Context, run *eventRun, spec types.ActionSpec, attempt int) (types.WorkflowActionResult, bool, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}

	var res types.WorkflowActionResult
	claimed := false
	err := lock.WithLock(ctx, s.locker, ExecutionLockKey(run.exec.TenantID, run.exec.ID), s.lockOpts, func(ctx context.Context) error {
		if err := s.checkLive(ctx, run); err != nil {
			return err
		}
		now := s.now()
		deadline := now.Add(timeout)
		if attempt <= 1 {
			fresh, err := s.newResult(run, spec)
			if err != nil {
				return err
			}
			res = fresh
			res.Status = types.ActionInProgress
			res.ReadyToExecute = true
			res.Attempts = 1
			res.StartedAt = &now
			res.Deadline = &deadline
			claimed, err = s.store.ReserveAction(ctx, res)
			if err != nil || claimed {
				return err
			}
		} else {
			prev, err := s.store.GetAction(ctx, run.exec.TenantID, IdempotencyKey(run.exec.ID, spec.Name, run.event.Sequence))
			if err != nil {
				return err
			}
			res = prev
			res.Status = types.ActionInProgress
			res.Attempts = attempt
			res.StartedAt = &now
			res.Deadline = &deadline
			claimed, err = s.store.TransitionAction(ctx, res, types.ActionRetrying)
			if err != nil || claimed {
				return err
			}
		}
		existing, err := s.store.GetAction(ctx, run.exec.TenantID, res.IdempotencyKey)
		res = existing
		return err
	})
	if err != nil || !claimed {
		return res, false, err
	}

	out, runErr := s.execute(ctx, run, spec, res, timeout)
	recorded, err := s.record(ctx, spec, res, types.ActionInProgress, out, runErr)
	return recorded, true, err
}

// execute calls the handler registered for spec.Kind under the action timeout.
func (s *ActionScheduler) execute(ctx context.Context, run *eventRun, spec types.ActionSpec, res types.WorkflowActionResult, timeout time.Duration) (out types.Payload, err error) {
	action, ok := s.registry.Lookup(spec.Kind)
	if !ok {
		return types.Payload{}, failure.Validation("kind", "action kind %q is not registered", spec.Kind)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", spec.Name, r)
		}
	}()
	return action.Execute(actx, ActionRequest{
		TenantID:       run.exec.TenantID,
		ExecutionID:    run.exec.ID,
		EventID:        run.event.ID,
		EventSequence:  run.event.Sequence,
		EventName:      run.event.Name,
		ActionName:     spec.Name,
		Kind:           spec.Kind,
		Params:         spec.Params,
		IdempotencyKey: res.IdempotencyKey,
		Attempt:        res.Attempts,
		Payload:        run.event.Payload,
		Context:        run.exec.Context,
	})
}

// record stores the outcome of an attempt, moving res out of from. Results
// for absorbing executions are discarded with ConflictError.
func (s *ActionScheduler) record(ctx context.Context, spec types.ActionSpec, res types.WorkflowActionResult, from types.ActionStatus, out types.Payload, runErr error) (types.WorkflowActionResult, error) {
	now := s.now()
	res.Deadline = nil
	var (
		retry  bool
		delay  time.Duration
		poison bool
	)
	switch {
	case runErr == nil:
		res.Status = types.ActionSucceeded
		res.Success = true
		res.Result = out
		res.ErrorMessage = ""
		res.CompletedAt = &now
	case errors.Is(runErr, ErrAwaitCallback):
		res.Status = types.ActionAwaiting
		res.Result = out
	default:
		d := s.retry.Decide(runErr, res.Attempts, spec.MaxAttempts)
		res.ErrorMessage = runErr.Error()
		if d.Retry {
			res.Status = types.ActionRetrying
			retry, delay = true, d.Delay
		} else {
			res.Status = types.ActionFailed
			res.CompletedAt = &now
			poison = d.Class == failure.ClassPoison
		}
	}

	var satisfied *types.WorkflowSyncPoint
	err := lock.WithLock(ctx, s.locker, ExecutionLockKey(res.TenantID, res.ExecutionID), s.lockOpts, func(ctx context.Context) error {
		exec, err := s.store.GetExecution(ctx, res.TenantID, res.ExecutionID)
		if err != nil {
			return err
		}
		if absorbing(exec.Status) {
			return failure.Conflict("execution", idString(exec.ID), fmt.Sprintf("execution is %s", exec.Status))
		}
		if retry {
			if _, err := s.timers.scheduleRetry(ctx, res, res.Attempts+1, delay); err != nil {
				return err
			}
		}
		ok, err := s.store.TransitionAction(ctx, res, from)
		if err != nil {
			return err
		}
		if !ok {
			return failure.Conflict("action", res.IdempotencyKey, fmt.Sprintf("no longer %s", from))
		}
		if poison {
			return s.fail(ctx, exec, fmt.Sprintf("action %s: %s", res.ActionName, res.ErrorMessage))
		}
		if res.Status == types.ActionSucceeded && spec.Join != "" {
			sp, found, err := s.syncs.Find(ctx, res.TenantID, res.ExecutionID, res.EventID, spec.Join)
			if err != nil {
				return err
			}
			if !found {
				return failure.NotFound("sync point", spec.Join)
			}
			sp, ok, err := s.syncs.Complete(ctx, res.TenantID, sp.ID)
			if err != nil {
				return err
			}
			if ok {
				satisfied = &sp
			}
		}
		return nil
	})
	if err != nil {
		if failure.IsConflict(err) {
			s.logger.Info("action result discarded",
				zap.String("tenant_id", res.TenantID),
				zap.Uint64("execution_id", res.ExecutionID),
				zap.String("action", res.ActionName),
				zap.String("status", string(res.Status)),
				zap.Error(err))
		}
		return res, err
	}

	s.logOutcome(res, runErr)
	switch res.Status {
	case types.ActionSucceeded:
		s.publish(ctx, events.ActionCompleted, res)
	case types.ActionFailed:
		s.publish(ctx, events.ActionFailed, res)
	}
	if poison {
		s.notify(ctx, events.Notification{
			Type:        events.ExecutionFailed,
			TenantID:    res.TenantID,
			ExecutionID: res.ExecutionID,
			Data:        map[string]interface{}{"reason": res.ErrorMessage},
		})
	}
	if satisfied != nil {
		s.joinSatisfied(ctx, *satisfied)
	}
	return res, nil
}

func (s *ActionScheduler) publish(ctx context.Context, typ string, res types.WorkflowActionResult) {
	s.notify(ctx, events.Notification{
		Type:        typ,
		TenantID:    res.TenantID,
		ExecutionID: res.ExecutionID,
		Sequence:    res.EventSequence,
		Data: map[string]interface{}{
			"action":          res.ActionName,
			"idempotency_key": res.IdempotencyKey,
			"attempts":        res.Attempts,
			"error":           res.ErrorMessage,
		},
	})
}

func (s *ActionScheduler) logOutcome(res types.WorkflowActionResult, runErr error) {
	fields := []zap.Field{
		zap.String("tenant_id", res.TenantID),
		zap.Uint64("execution_id", res.ExecutionID),
		zap.String("action", res.ActionName),
		zap.String("idempotency_key", res.IdempotencyKey),
		zap.Int("attempt", res.Attempts),
		zap.String("status", string(res.Status)),
	}
	if runErr != nil && !errors.Is(runErr, ErrAwaitCallback) {
		s.logger.Warn("action attempt failed", append(fields, zap.Error(runErr))...)
		return
	}
	s.logger.Debug("action attempt recorded", fields...)
}

// joinSatisfied appends the continuation of a join whose last member just
// completed. A transiently failing append is re-armed as a one-shot timer.
func (s *ActionScheduler) joinSatisfied(ctx context.Context, sp types.WorkflowSyncPoint) {
	s.notify(ctx, events.Notification{
		Type:        events.SyncPointSatisfied,
		TenantID:    sp.TenantID,
		ExecutionID: sp.ExecutionID,
		Data: map[string]interface{}{
			"sync_point":   sp.Name,
			"continuation": sp.Continuation,
			"completed":    sp.CompletedActions,
		},
	})
	if sp.Continuation == "" || s.continuation == nil {
		return
	}
	err := s.continuation(ctx, sp)
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("tenant_id", sp.TenantID),
		zap.Uint64("execution_id", sp.ExecutionID),
		zap.String("sync_point", sp.Name),
		zap.String("continuation", sp.Continuation),
		zap.Error(err),
	}
	class := failure.Classify(err)
	if class != failure.ClassTransient && class != failure.ClassLeaseExpired {
		s.logger.Warn("continuation not applied", append(fields, zap.String("class", class.String()))...)
		return
	}
	if _, terr := s.timers.Schedule(context.Background(), TimerRequest{
		TenantID:    sp.TenantID,
		ExecutionID: sp.ExecutionID,
		EventName:   sp.Continuation,
		FireTime:    s.now().Add(s.retry.Delay(1)),
	}); terr != nil {
		s.logger.Error("continuation lost", append(fields, zap.NamedError("timer_error", terr))...)
		return
	}
	s.logger.Warn("continuation deferred to timer", fields...)
}

// loadRun rebuilds the eventRun an action result belongs to.
func (s *ActionScheduler) loadRun(ctx context.Context, res types.WorkflowActionResult) (*eventRun, types.ActionSpec, error) {
	exec, err := s.store.GetExecution(ctx, res.TenantID, res.ExecutionID)
	if err != nil {
		return nil, types.ActionSpec{}, err
	}
	def, err := s.definitions(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return nil, types.ActionSpec{}, err
	}
	evs, err := s.store.ReadEvents(ctx, res.TenantID, res.ExecutionID, res.EventSequence-1)
	if err != nil {
		return nil, types.ActionSpec{}, err
	}
	if len(evs) == 0 || evs[0].ID != res.EventID {
		return nil, types.ActionSpec{}, &failure.InconsistentStateError{
			ExecutionID: res.ExecutionID,
			Sequence:    res.EventSequence,
			Expected:    fmt.Sprintf("event %d", res.EventID),
			Actual:      "missing",
		}
	}
	set, _ := def.ActionsFor(evs[0].Name)
	spec, ok := set.Action(res.ActionName)
	if !ok {
		return nil, types.ActionSpec{}, failure.NotFound("action", res.ActionName)
	}
	return &eventRun{def: def, exec: exec, event: evs[0], set: set}, spec, nil
}

// Retry re-dispatches the action a retry timer points at, then advances its
// dependents. Timers whose action is no longer retrying are ignored.
func (s *ActionScheduler) Retry(ctx context.Context, t types.WorkflowTimer) error {
	res, err := s.store.GetAction(ctx, t.TenantID, t.ActionKey)
	if failure.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Status != types.ActionRetrying {
		return nil
	}
	run, spec, err := s.loadRun(ctx, res)
	if err != nil {
		return err
	}
	if _, _, err := s.dispatch(ctx, run, spec, t.Attempt); err != nil {
		return err
	}
	return s.advance(ctx, run)
}

// Resolve records the outcome of an awaiting action and advances its dependents.
func (s *ActionScheduler) Resolve(ctx context.Context, tenantID, key string, outcome Outcome) (types.WorkflowActionResult, error) {
	res, err := s.store.GetAction(ctx, tenantID, key)
	if err != nil {
		return types.WorkflowActionResult{}, err
	}
	if res.Status != types.ActionAwaiting {
		return res, failure.Conflict("action", key, fmt.Sprintf("action is %s, not awaiting", res.Status))
	}
	run, spec, err := s.loadRun(ctx, res)
	if err != nil {
		return res, err
	}
	var runErr error
	if !outcome.Success {
		msg := outcome.Error
		if msg == "" {
			msg = "reported failed"
		}
		// Reported failures are final; the reporter owns any retrying.
		runErr = failure.Validation("outcome", "%s", msg)
	}
	res, err = s.record(ctx, spec, res, types.ActionAwaiting, outcome.Result, runErr)
	if err != nil {
		return res, err
	}
	return res, s.advance(ctx, run)
}

// ReapStale fails or re-arms in-progress actions whose deadline passed before
// cutoff, which happens when a worker died mid-attempt. It returns how many
// rows it moved.
func (s *ActionScheduler) ReapStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := s.store.ListStaleActions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, res := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		ok, err := s.reap(ctx, res)
		if err != nil {
			s.logger.Warn("stale action not reaped",
				zap.String("tenant_id", res.TenantID),
				zap.Uint64("execution_id", res.ExecutionID),
				zap.String("idempotency_key", res.IdempotencyKey),
				zap.Error(err))
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

func (s *ActionScheduler) reap(ctx context.Context, res types.WorkflowActionResult) (bool, error) {
	exec, err := s.store.GetExecution(ctx, res.TenantID, res.ExecutionID)
	if err != nil {
		return false, err
	}
	if absorbing(exec.Status) {
		var moved bool
		err := lock.WithLock(ctx, s.locker, ExecutionLockKey(res.TenantID, res.ExecutionID), s.lockOpts, func(ctx context.Context) error {
			now := s.now()
			res.Status = types.ActionFailed
			res.ErrorMessage = fmt.Sprintf("abandoned: execution %s", exec.Status)
			res.CompletedAt = &now
			res.Deadline = nil
			var err error
			moved, err = s.store.TransitionAction(ctx, res, types.ActionInProgress)
			return err
		})
		return moved, err
	}

	run, spec, err := s.loadRun(ctx, res)
	if err != nil {
		return false, err
	}
	timeout := failure.Transient("action "+res.ActionName, context.DeadlineExceeded)
	if _, err := s.record(ctx, spec, res, types.ActionInProgress, types.Payload{}, timeout); err != nil {
		if failure.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, s.advance(ctx, run)
}
