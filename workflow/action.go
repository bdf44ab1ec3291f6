package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/songzhibin97/workflow-core/types"
)

// ErrAwaitCallback is returned by an action whose outcome arrives later
// through Engine.CompleteAction, such as a human approval.
var ErrAwaitCallback = errors.New("action awaits callback")

// ActionRequest is everything an action handler receives for one attempt.
type ActionRequest struct {
	TenantID       string
	ExecutionID    uint64
	EventID        uint64
	EventSequence  uint64
	EventName      string
	ActionName     string
	Kind           string
	Params         map[string]interface{}
	IdempotencyKey string
	Attempt        int
	Payload        types.Payload
	Context        types.Payload
}

// Action defines the interface for side-effecting work triggered by an event.
// Handlers should use IdempotencyKey when calling external systems; the engine
// guarantees at most one recorded success per key, not at most one call.
type Action interface {
	Execute(ctx context.Context, req ActionRequest) (types.Payload, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, req ActionRequest) (types.Payload, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, req ActionRequest) (types.Payload, error) {
	return f(ctx, req)
}

// ActionRegistry maps action kinds to handlers.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds or replaces the handler for kind.
func (r *ActionRegistry) Register(kind string, action Action) error {
	if kind == "" || action == nil {
		return errors.New("kind and action are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[kind] = action
	return nil
}

// Lookup returns the handler for kind.
func (r *ActionRegistry) Lookup(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	return a, ok
}

// Has reports whether kind is registered.
func (r *ActionRegistry) Has(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Kinds lists the registered kinds in order.
func (r *ActionRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NoopAction succeeds immediately with an empty result.
func NoopAction() Action {
	return ActionFunc(func(ctx context.Context, req ActionRequest) (types.Payload, error) {
		return types.Payload{}, ctx.Err()
	})
}

// LogAction writes params["message"] to logger and echoes it as the result.
func LogAction(logger *zap.Logger) Action {
	return ActionFunc(func(ctx context.Context, req ActionRequest) (types.Payload, error) {
		msg := fmt.Sprint(req.Params["message"])
		logger.Info(msg,
			zap.String("tenant_id", req.TenantID),
			zap.Uint64("execution_id", req.ExecutionID),
			zap.String("action", req.ActionName),
			zap.Int("attempt", req.Attempt),
		)
		return types.NewPayload(map[string]string{"message": msg})
	})
}
