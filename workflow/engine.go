package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/workflow-core/definition"
	"github.com/songzhibin97/workflow-core/events"
	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/rules"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

// Standard error definitions
var (
	ErrGeneratorRequired = errors.New("generator is required")
	ErrStorageRequired   = errors.New("storage is required")
	ErrNoTriggers        = errors.New("no trigger registry configured")
)

const (
	// MaxRecursionDepth bounds continuation chains started by one call.
	MaxRecursionDepth = 100

	defaultActionTimeout = 30 * time.Second
	defaultTimerBatch    = 100
	defaultStaleGrace    = 10 * time.Second
)

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func idString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// AppendResult is what an append produced: the execution after processing,
// the stored event and the results of the actions the event triggered.
type AppendResult struct {
	Execution     types.WorkflowExecution
	Event         types.WorkflowEvent
	ActionResults []types.WorkflowActionResult
}

// Engine is the outbound API of the execution core. It is safe for
// concurrent use by many workers sharing one Storage and Locker.
type Engine struct {
	store         storage.Storage
	ids           generator.Generator
	locker        lock.Locker
	lockOpts      lock.Options
	evaluator     rules.Evaluator
	registry      *ActionRegistry
	retry         failure.RetryPolicy
	snapPolicy    SnapshotPolicy
	logger        *zap.Logger
	triggers      definition.TriggerRegistry
	bus           *events.Bus
	ownsBus       bool
	now           func() time.Time
	actionTimeout time.Duration
	timerBatch    int
	staleGrace    time.Duration

	machine   *StateMachine
	log       *EventStore
	snapshots *SnapshotManager
	syncs     *SyncPointCoordinator
	timers    *TimerService
	scheduler *ActionScheduler

	mu          sync.RWMutex
	definitions map[string]types.Definition
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the lease backend. Defaults to an in-process MemoryLocker.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLockOptions sets lease TTL and acquisition timing.
func WithLockOptions(opts lock.Options) Option {
	return func(e *Engine) { e.lockOpts = opts }
}

// WithEvaluator sets the guard evaluator.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithRetryPolicy sets the retry policy applied to failed actions.
func WithRetryPolicy(p failure.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithSnapshotPolicy sets when snapshots are taken.
func WithSnapshotPolicy(p SnapshotPolicy) Option {
	return func(e *Engine) { e.snapPolicy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTriggers sets the registry StartFromTrigger resolves through.
func WithTriggers(t definition.TriggerRegistry) Option {
	return func(e *Engine) { e.triggers = t }
}

// WithEventBus publishes notifications on bus. The caller keeps ownership.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithActionTimeout sets the deadline for actions that declare none.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

// WithTimerBatch bounds how many due timers one poll claims.
func WithTimerBatch(n int) Option {
	return func(e *Engine) { e.timerBatch = n }
}

// WithStaleGrace sets how long past its deadline an in-progress action
// must be before it is reaped.
func WithStaleGrace(d time.Duration) Option {
	return func(e *Engine) { e.staleGrace = d }
}

// NewEngine creates an Engine over store, generating IDs with gen.
func NewEngine(gen generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, ErrGeneratorRequired
	}
	if store == nil {
		return nil, ErrStorageRequired
	}

	e := &Engine{
		store:         store,
		ids:           gen,
		lockOpts:      lock.DefaultOptions(),
		retry:         failure.DefaultRetryPolicy(),
		snapPolicy:    DefaultSnapshotPolicy(),
		now:           time.Now,
		actionTimeout: defaultActionTimeout,
		timerBatch:    defaultTimerBatch,
		staleGrace:    defaultStaleGrace,
		registry:      NewActionRegistry(),
		definitions:   make(map[string]types.Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lock.NewMemoryLocker()
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}

	e.machine = NewStateMachine(e.evaluator)
	e.snapshots = NewSnapshotManager(store, e.snapPolicy, e.now)
	e.syncs = NewSyncPointCoordinator(store, gen, e.now)
	e.log = &EventStore{
		store:       store,
		locker:      e.locker,
		lockOpts:    e.lockOpts,
		ids:         gen,
		machine:     e.machine,
		definitions: e.definition,
		now:         e.now,
		logger:      e.logger.Named("eventstore"),
	}
	e.timers = &TimerService{
		store:  store,
		ids:    gen,
		now:    e.now,
		logger: e.logger.Named("timers"),
		batch:  e.timerBatch,
		fire:   e.fireTimer,
	}
	e.scheduler = &ActionScheduler{
		store:        store,
		locker:       e.locker,
		lockOpts:     e.lockOpts,
		ids:          gen,
		registry:     e.registry,
		retry:        e.retry,
		syncs:        e.syncs,
		timers:       e.timers,
		definitions:  e.definition,
		now:          e.now,
		logger:       e.logger.Named("scheduler"),
		timeout:      e.actionTimeout,
		notify:       e.notify,
		continuation: e.appendContinuation,
		fail:         e.failLocked,
	}

	_ = e.registry.Register("noop", NoopAction())
	_ = e.registry.Register("log", LogAction(e.logger.Named("action")))
	return e, nil
}

// Subscribe registers handler for a notification type, or events.AllTypes.
func (e *Engine) Subscribe(notificationType string, handler events.Handler) events.Subscription {
	return e.bus.Subscribe(notificationType, handler)
}

// Stop releases the engine's own resources. Storage and Locker stay open.
func (e *Engine) Stop() {
	if e.ownsBus {
		e.bus.Stop()
	}
}

func (e *Engine) notify(ctx context.Context, n events.Notification) {
	if n.At.IsZero() {
		n.At = e.now()
	}
	if err := e.bus.Publish(ctx, n); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("notification not published",
			zap.String("type", n.Type),
			zap.String("tenant_id", n.TenantID),
			zap.Uint64("execution_id", n.ExecutionID),
			zap.Error(err))
	}
}

// RegisterAction registers the handler for an action kind.
func (e *Engine) RegisterAction(kind string, action Action) error {
	return e.registry.Register(kind, action)
}

// RegisterWorkflow validates def and persists it. Every action kind must
// already be registered and every guard must compile.
func (e *Engine) RegisterWorkflow(ctx context.Context, def types.Definition) (err error) {
	ctx, span := startSpan(ctx, "workflow.RegisterWorkflow", AttrWorkflow.String(def.Key()))
	defer func() { endSpan(span, err) }()

	v := definition.Validator{ActionKinds: e.registry.Has, CheckGuard: e.evaluator.Compile}
	if err := v.Validate(def); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	e.mu.Lock()
	e.definitions[def.Key()] = def
	e.mu.Unlock()
	return nil
}

// definition retrieves a definition, checking the cache first then storage.
func (e *Engine) definition(ctx context.Context, name string, version int) (types.Definition, error) {
	key := types.DefinitionKey(name, version)
	e.mu.RLock()
	def, ok := e.definitions[key]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, name, version)
	if err != nil {
		return types.Definition{}, err
	}
	e.mu.Lock()
	e.definitions[key] = def
	e.mu.Unlock()
	return def, nil
}

// StartExecution creates an execution of name@version in its initial state.
// initialContext is stored as the immutable execution context.
func (e *Engine) StartExecution(ctx context.Context, tenantID, name string, version int, initialContext types.Payload) (exec types.WorkflowExecution, err error) {
	ctx, span := startSpan(ctx, "workflow.StartExecution",
		AttrTenantID.String(tenantID), AttrWorkflow.String(types.DefinitionKey(name, version)))
	defer func() { endSpan(span, err) }()

	if tenantID == "" {
		return types.WorkflowExecution{}, failure.Validation("tenant_id", "must not be empty")
	}
	def, err := e.definition(ctx, name, version)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	if _, err := initialContext.Map(); err != nil {
		return types.WorkflowExecution{}, failure.Validation("context", "not decodable: %v", err)
	}

	id, err := e.ids.NextID()
	if err != nil {
		return types.WorkflowExecution{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := e.now()
	exec = types.WorkflowExecution{
		ID:              id,
		TenantID:        tenantID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		CurrentState:    def.InitialState,
		Status:          StatusFor(def, def.InitialState),
		Context:         initialContext,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return types.WorkflowExecution{}, err
	}
	e.logger.Info("execution started",
		zap.String("tenant_id", tenantID),
		zap.Uint64("execution_id", id),
		zap.String("workflow", def.Key()))
	e.notify(ctx, events.Notification{
		Type:        events.ExecutionStarted,
		TenantID:    tenantID,
		ExecutionID: id,
		Data:        map[string]interface{}{"workflow": def.Name, "version": def.Version, "state": exec.CurrentState},
	})

	if _, err := e.timers.EnterState(ctx, def, exec); err != nil {
		return exec, err
	}
	return e.refreshStatus(ctx, tenantID, id)
}

// StartFromTrigger starts the workflow bound to triggerType for the tenant.
func (e *Engine) StartFromTrigger(ctx context.Context, tenantID, triggerType string, initialContext types.Payload) (types.WorkflowExecution, error) {
	if e.triggers == nil {
		return types.WorkflowExecution{}, ErrNoTriggers
	}
	name, version, err := e.triggers.ResolveTrigger(ctx, tenantID, triggerType)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	return e.StartExecution(ctx, tenantID, name, version, initialContext)
}

// AppendEvent applies a named event to an execution and dispatches the
// actions it triggers. A non-nil error with a non-zero result.Event means the
// event is durable but follow-up processing failed.
func (e *Engine) AppendEvent(ctx context.Context, tenantID string, executionID uint64, name string, payload types.Payload, userID string) (res AppendResult, err error) {
	attrs := append(executionAttrs(tenantID, executionID), AttrEvent.String(name))
	ctx, span := startSpan(ctx, "workflow.AppendEvent", attrs...)
	defer func() { endSpan(span, err) }()

	if name == types.CancelEventName {
		return AppendResult{}, failure.Validation("event", "%q is reserved, use CancelExecution", name)
	}
	return e.process(ctx, tenantID, executionID, Append{
		Name:    name,
		Type:    types.EventTypeTransition,
		Payload: payload,
		UserID:  userID,
	})
}

// process appends in and runs everything that follows from it.
func (e *Engine) process(ctx context.Context, tenantID string, executionID uint64, in Append) (AppendResult, error) {
	select {
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	default:
	}
	depth := depthFrom(ctx)
	if depth >= MaxRecursionDepth {
		return AppendResult{}, failure.Validation("event", "maximum recursion depth %d exceeded", MaxRecursionDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	ev, exec, err := e.log.Append(ctx, tenantID, executionID, in)
	if err != nil {
		if failure.IsInconsistent(err) {
			e.poison(ctx, tenantID, executionID, err)
		}
		return AppendResult{}, err
	}
	return e.afterAppend(ctx, exec, ev)
}

// afterAppend publishes the transition, maintains snapshots and state
// timers, dispatches the event's actions and settles the status.
func (e *Engine) afterAppend(ctx context.Context, exec types.WorkflowExecution, ev types.WorkflowEvent) (AppendResult, error) {
	out := AppendResult{Execution: exec, Event: ev}
	e.notify(ctx, events.Notification{
		Type:        events.StateChanged,
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Sequence:    ev.Sequence,
		Data: map[string]interface{}{
			"event":  ev.Name,
			"from":   ev.FromState,
			"to":     ev.ToState,
			"status": string(exec.Status),
		},
	})
	if _, err := e.snapshots.MaybeSnapshot(ctx, exec); err != nil {
		e.logger.Warn("snapshot failed",
			zap.String("tenant_id", exec.TenantID),
			zap.Uint64("execution_id", exec.ID),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err))
	}

	def, err := e.definition(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return out, err
	}
	switch {
	case exec.Status.Terminal():
		if _, err := e.timers.Cancel(ctx, exec.TenantID, exec.ID, ""); err != nil {
			return out, err
		}
	case ev.FromState != ev.ToState:
		if _, err := e.timers.Cancel(ctx, exec.TenantID, exec.ID, ev.FromState); err != nil {
			return out, err
		}
		if _, err := e.timers.EnterState(ctx, def, exec); err != nil {
			return out, err
		}
	}

	if ev.Type != types.EventTypeCancel {
		results, err := e.scheduler.Schedule(ctx, def, exec, ev)
		out.ActionResults = results
		if err != nil {
			return out, err
		}
	}

	cur, err := e.refreshStatus(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return out, err
	}
	out.Execution = cur
	return out, nil
}

// appendContinuation appends the continuation event of a satisfied join.
func (e *Engine) appendContinuation(ctx context.Context, sp types.WorkflowSyncPoint) error {
	_, err := e.process(ctx, sp.TenantID, sp.ExecutionID, Append{
		Name: sp.Continuation,
		Type: types.EventTypeContinuation,
	})
	return err
}

// refreshStatus settles a live execution between running and waiting.
func (e *Engine) refreshStatus(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	err := lock.WithLock(ctx, e.locker, ExecutionLockKey(tenantID, executionID), e.lockOpts, func(ctx context.Context) error {
		var err error
		exec, err = e.log.load(ctx, tenantID, executionID)
		if err != nil || exec.Status.Terminal() {
			return err
		}
		busy, err := e.busy(ctx, exec)
		if err != nil {
			return err
		}
		want := types.StatusRunning
		if busy {
			want = types.StatusWaiting
		}
		if exec.Status == want {
			return nil
		}
		exec.Status = want
		exec.UpdatedAt = e.now()
		return e.store.UpdateExecution(ctx, exec, exec.LastSequence)
	})
	return exec, err
}

// busy reports whether exec has in-flight actions, pending timers or open joins.
func (e *Engine) busy(ctx context.Context, exec types.WorkflowExecution) (bool, error) {
	results, err := e.store.ListActions(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if !r.Status.Done() {
			return true, nil
		}
	}
	timers, err := e.store.ListTimers(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false, err
	}
	for _, t := range timers {
		if t.Status == types.TimerPending {
			return true, nil
		}
	}
	syncs, err := e.store.ListSyncPoints(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false, err
	}
	for _, sp := range syncs {
		if sp.Status == types.SyncPointOpen {
			return true, nil
		}
	}
	return false, nil
}

// failLocked moves exec to failed and cancels its timers. The caller holds
// the execution lease.
func (e *Engine) failLocked(ctx context.Context, exec types.WorkflowExecution, reason string) error {
	exec.Status = types.StatusFailed
	exec.FailureReason = reason
	exec.UpdatedAt = e.now()
	if err := e.store.UpdateExecution(ctx, exec, exec.LastSequence); err != nil {
		return err
	}
	_, err := e.timers.Cancel(ctx, exec.TenantID, exec.ID, "")
	return err
}

// poison fails an execution whose log cannot be replayed. No automatic
// processing happens for it afterwards.
func (e *Engine) poison(ctx context.Context, tenantID string, executionID uint64, cause error) {
	failed := false
	err := lock.WithLock(ctx, e.locker, ExecutionLockKey(tenantID, executionID), e.lockOpts, func(ctx context.Context) error {
		exec, err := e.store.GetExecution(ctx, tenantID, executionID)
		if err != nil || exec.Status == types.StatusFailed {
			return err
		}
		failed = true
		return e.failLocked(ctx, exec, cause.Error())
	})
	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.Uint64("execution_id", executionID),
		zap.NamedError("cause", cause),
	}
	if err != nil {
		e.logger.Error("poisoned execution could not be failed", append(fields, zap.Error(err))...)
		return
	}
	if !failed {
		return
	}
	e.logger.Error("execution poisoned", fields...)
	e.notify(ctx, events.Notification{
		Type:        events.ExecutionFailed,
		TenantID:    tenantID,
		ExecutionID: executionID,
		Data:        map[string]interface{}{"reason": cause.Error()},
	})
}

// GetExecution returns an execution.
func (e *Engine) GetExecution(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowExecution, error) {
	return e.store.GetExecution(ctx, tenantID, executionID)
}

// GetHistory returns an execution's events in sequence order.
func (e *Engine) GetHistory(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowEvent, error) {
	return e.log.Read(ctx, tenantID, executionID, 0)
}

// ListActionResults returns an execution's action results ordered by event
// sequence then action name.
func (e *Engine) ListActionResults(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowActionResult, error) {
	if _, err := e.store.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return e.store.ListActions(ctx, tenantID, executionID)
}

// CancelExecution appends the cancel marker. Afterwards every append is
// rejected with ConflictError and pending timers are cancelled.
func (e *Engine) CancelExecution(ctx context.Context, tenantID string, executionID uint64, userID string) (exec types.WorkflowExecution, err error) {
	ctx, span := startSpan(ctx, "workflow.CancelExecution", executionAttrs(tenantID, executionID)...)
	defer func() { endSpan(span, err) }()

	res, err := e.process(ctx, tenantID, executionID, Append{
		Name:   types.CancelEventName,
		Type:   types.EventTypeCancel,
		UserID: userID,
	})
	if err != nil {
		return res.Execution, err
	}
	e.logger.Info("execution cancelled",
		zap.String("tenant_id", tenantID),
		zap.Uint64("execution_id", executionID),
		zap.String("user_id", userID))
	e.notify(ctx, events.Notification{
		Type:        events.ExecutionCancelled,
		TenantID:    tenantID,
		ExecutionID: executionID,
		Sequence:    res.Event.Sequence,
		Data:        map[string]interface{}{"user_id": userID},
	})
	return res.Execution, nil
}

// CompleteAction reports the outcome of an action parked with ErrAwaitCallback.
func (e *Engine) CompleteAction(ctx context.Context, tenantID, idempotencyKey string, outcome Outcome) (res types.WorkflowActionResult, err error) {
	ctx, span := startSpan(ctx, "workflow.CompleteAction", AttrTenantID.String(tenantID))
	defer func() { endSpan(span, err) }()

	res, err = e.scheduler.Resolve(ctx, tenantID, idempotencyKey, outcome)
	if err != nil {
		return res, err
	}
	_, err = e.refreshStatus(ctx, tenantID, res.ExecutionID)
	return res, err
}

// ScheduleTimer creates an ad hoc timer for a live execution.
func (e *Engine) ScheduleTimer(ctx context.Context, req TimerRequest) (types.WorkflowTimer, error) {
	exec, err := e.store.GetExecution(ctx, req.TenantID, req.ExecutionID)
	if err != nil {
		return types.WorkflowTimer{}, err
	}
	if exec.Status.Terminal() {
		return types.WorkflowTimer{}, failure.Conflict("execution", idString(exec.ID), fmt.Sprintf("execution is %s", exec.Status))
	}
	t, err := e.timers.Schedule(ctx, req)
	if err != nil {
		return types.WorkflowTimer{}, err
	}
	_, err = e.refreshStatus(ctx, req.TenantID, req.ExecutionID)
	return t, err
}

// ListTimers returns an execution's timers.
func (e *Engine) ListTimers(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowTimer, error) {
	return e.store.ListTimers(ctx, tenantID, executionID)
}

// fireTimer acts on a claimed timer.
func (e *Engine) fireTimer(ctx context.Context, t types.WorkflowTimer) error {
	ctx, span := startSpan(ctx, "workflow.FireTimer",
		append(executionAttrs(t.TenantID, t.ExecutionID), AttrEvent.String(t.EventName))...)
	var err error
	defer func() { endSpan(span, err) }()

	if t.Kind == types.TimerKindRetry {
		if err = e.scheduler.Retry(ctx, t); err != nil {
			return err
		}
		_, err = e.refreshStatus(ctx, t.TenantID, t.ExecutionID)
		return err
	}

	var res AppendResult
	res, err = e.process(ctx, t.TenantID, t.ExecutionID, Append{
		Name:    t.EventName,
		Type:    types.EventTypeTimer,
		Payload: t.Payload,
	})
	if err != nil && res.Event.ID == 0 {
		return err
	}
	e.notify(ctx, events.Notification{
		Type:        events.TimerFired,
		TenantID:    t.TenantID,
		ExecutionID: t.ExecutionID,
		Sequence:    res.Event.Sequence,
		Data:        map[string]interface{}{"timer_id": t.ID, "event": t.EventName},
	})
	// The event is durable; follow-up failures must not re-arm the timer.
	if err != nil {
		e.logger.Warn("timer event applied with errors",
			zap.String("tenant_id", t.TenantID),
			zap.Uint64("execution_id", t.ExecutionID),
			zap.Uint64("timer_id", t.ID),
			zap.Error(err))
		err = nil
	}
	return nil
}

// PollTimers fires due timers and returns how many this caller fired.
func (e *Engine) PollTimers(ctx context.Context) (int, error) {
	return e.timers.Poll(ctx)
}

// ReapStale re-arms or fails in-progress actions abandoned past their
// deadline plus the stale grace.
func (e *Engine) ReapStale(ctx context.Context, limit int) (int, error) {
	return e.scheduler.ReapStale(ctx, e.now().Add(-e.staleGrace), limit)
}

type replayOptions struct {
	genesis bool
}

// ReplayOption configures Replay.
type ReplayOption func(*replayOptions)

// FromGenesis replays the whole log, ignoring snapshots.
func FromGenesis() ReplayOption {
	return func(o *replayOptions) { o.genesis = true }
}

// Replay rebuilds an execution's state from its log, starting at the latest
// snapshot unless FromGenesis is given. It writes nothing, so repeated calls
// return the same state.
func (e *Engine) Replay(ctx context.Context, tenantID string, executionID uint64, opts ...ReplayOption) (st ReplayState, err error) {
	ctx, span := startSpan(ctx, "workflow.Replay", executionAttrs(tenantID, executionID)...)
	defer func() { endSpan(span, err) }()

	var o replayOptions
	for _, opt := range opts {
		opt(&o)
	}
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return ReplayState{}, err
	}
	def, err := e.definition(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return ReplayState{}, err
	}
	from := Genesis(def)
	if !o.genesis {
		snap, found, err := e.snapshots.Latest(ctx, tenantID, executionID)
		if err != nil {
			return ReplayState{}, err
		}
		if found {
			from = FromSnapshot(snap)
		}
	}
	evs, err := e.store.ReadEvents(ctx, tenantID, executionID, from.Version)
	if err != nil {
		return ReplayState{}, err
	}
	st, err = e.machine.Fold(def, executionID, from, evs)
	if err != nil && failure.IsInconsistent(err) {
		e.poison(ctx, tenantID, executionID, err)
	}
	return st, err
}

// Snapshot forces a snapshot at the execution's current sequence. It runs
// under the execution lease so the snapshot never covers an event that is
// not in the log.
func (e *Engine) Snapshot(ctx context.Context, tenantID string, executionID uint64) (created bool, err error) {
	err = lock.WithLock(ctx, e.locker, ExecutionLockKey(tenantID, executionID), e.lockOpts, func(ctx context.Context) error {
		exec, err := e.log.load(ctx, tenantID, executionID)
		if err != nil {
			return err
		}
		if exec.LastSequence == 0 {
			return nil
		}
		created, err = e.snapshots.Save(ctx, exec)
		return err
	})
	return created, err
}
