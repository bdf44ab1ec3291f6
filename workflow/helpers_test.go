package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/types"
)

const tenant = "acme"

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingAction succeeds and counts its calls.
type countingAction struct {
	calls int64
}

func (a *countingAction) Execute(ctx context.Context, req ActionRequest) (types.Payload, error) {
	atomic.AddInt64(&a.calls, 1)
	return types.NewPayload(map[string]string{"action": req.ActionName})
}

func (a *countingAction) Calls() int64 { return atomic.LoadInt64(&a.calls) }

// flakyAction fails transiently until attempt reaches succeedOn.
type flakyAction struct {
	succeedOn int
	calls     int64
}

func (a *flakyAction) Execute(ctx context.Context, req ActionRequest) (types.Payload, error) {
	atomic.AddInt64(&a.calls, 1)
	if req.Attempt < a.succeedOn {
		return types.Payload{}, failure.Transient("call upstream", context.DeadlineExceeded)
	}
	return types.Payload{}, nil
}

type testEnv struct {
	engine *Engine
	store  *storage.MemoryStorage
	clock  *fakeClock
	notify *countingAction
}

func testRetryPolicy() failure.RetryPolicy {
	return failure.RetryPolicy{MaxAttempts: 3, Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  storage.NewMemoryStorage(),
		clock:  newFakeClock(),
		notify: &countingAction{},
	}
	base := []Option{
		WithClock(env.clock.Now),
		WithRetryPolicy(testRetryPolicy()),
		WithLockOptions(lock.Options{TTL: 2 * time.Second, AcquireTimeout: 2 * time.Second, RetryInterval: time.Millisecond}),
		WithActionTimeout(time.Second),
	}
	engine, err := NewEngine(&MockGenerator{}, env.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	env.engine = engine

	if err := engine.RegisterAction("notify", env.notify); err != nil {
		t.Fatalf("failed to register action: %v", err)
	}
	if err := engine.RegisterAction("approval", ActionFunc(func(ctx context.Context, req ActionRequest) (types.Payload, error) {
		return types.Payload{}, ErrAwaitCallback
	})); err != nil {
		t.Fatalf("failed to register action: %v", err)
	}
	if err := engine.RegisterAction("reject", ActionFunc(func(ctx context.Context, req ActionRequest) (types.Payload, error) {
		return types.Payload{}, failure.Validation("order", "amount %v exceeds the limit", req.Params["amount"])
	})); err != nil {
		t.Fatalf("failed to register action: %v", err)
	}
	for _, def := range []types.Definition{approvalDefinition(), fanOutDefinition(), pipelineDefinition()} {
		if err := engine.RegisterWorkflow(context.Background(), def); err != nil {
			t.Fatalf("failed to register %s: %v", def.Key(), err)
		}
	}
	return env
}

// approvalDefinition is a single approver chain with an escalation timer
// and a reminder event.
func approvalDefinition() types.Definition {
	return types.Definition{
		Name:         "approval",
		Version:      1,
		InitialState: "Draft",
		States: []types.State{
			{Name: "Draft"},
			{Name: "PendingApproval"},
			{Name: "Escalated"},
			{Name: "Approved", Final: types.StatusCompleted},
			{Name: "Rejected", Final: types.StatusFailed},
		},
		Transitions: []types.Transition{
			{Event: "Submit", From: "Draft", To: "PendingApproval"},
			{Event: "Remind", From: "PendingApproval", To: "PendingApproval"},
			{Event: "Escalate", From: "PendingApproval", To: "Escalated"},
			{Event: "Approve", From: "PendingApproval", To: "Approved", Guard: "payload.amount <= 1000 || context.vip == true"},
			{Event: "Approve", From: "Escalated", To: "Approved"},
			{Event: "Reject", From: "PendingApproval", To: "Rejected"},
		},
		Actions: []types.EventActions{
			{Event: "Submit", Actions: []types.ActionSpec{{Name: "notify_approver", Kind: "notify"}}},
		},
		Timers: []types.TimerSpec{
			{State: "PendingApproval", Event: "Escalate", After: 48 * time.Hour},
		},
	}
}

// fanOutDefinition waits for three approvals joined into one continuation.
func fanOutDefinition() types.Definition {
	branch := func(name string) types.ActionSpec {
		return types.ActionSpec{Name: name, Kind: "approval", Join: "all_approvals"}
	}
	return types.Definition{
		Name:         "fanout",
		Version:      1,
		InitialState: "Draft",
		States: []types.State{
			{Name: "Draft"},
			{Name: "PendingApproval"},
			{Name: "Approved", Final: types.StatusCompleted},
		},
		Transitions: []types.Transition{
			{Event: "Submit", From: "Draft", To: "PendingApproval"},
			{Event: "Approved", From: "PendingApproval", To: "Approved"},
		},
		Actions: []types.EventActions{{
			Event:   "Submit",
			Actions: []types.ActionSpec{branch("legal"), branch("finance"), branch("security")},
			Joins:   []types.JoinSpec{{Name: "all_approvals", Continuation: "Approved"}},
		}},
	}
}

// pipelineDefinition chains actions with both dependency types.
func pipelineDefinition() types.Definition {
	return types.Definition{
		Name:         "pipeline",
		Version:      1,
		InitialState: "Draft",
		States: []types.State{
			{Name: "Draft"},
			{Name: "Processing"},
			{Name: "Done", Final: types.StatusCompleted},
		},
		Transitions: []types.Transition{
			{Event: "Start", From: "Draft", To: "Processing"},
			{Event: "Finish", From: "Processing", To: "Done"},
		},
		Actions: []types.EventActions{{
			Event: "Start",
			Actions: []types.ActionSpec{
				{Name: "validate", Kind: "reject", Params: map[string]interface{}{"amount": 5000}},
				{Name: "charge", Kind: "notify", DependsOn: []types.DependencySpec{{Action: "validate", Type: types.DependencyMustSucceed}}},
				{Name: "ship", Kind: "notify", DependsOn: []types.DependencySpec{{Action: "charge", Type: types.DependencyMustSucceed}}},
				{Name: "audit", Kind: "noop", DependsOn: []types.DependencySpec{{Action: "validate", Type: types.DependencyMustComplete}}},
			},
		}},
	}
}

func resultsByName(rs []types.WorkflowActionResult) map[string]types.WorkflowActionResult {
	out := make(map[string]types.WorkflowActionResult, len(rs))
	for _, r := range rs {
		out[r.ActionName] = r
	}
	return out
}
