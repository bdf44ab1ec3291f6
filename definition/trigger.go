package definition

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/workflow-core/failure"
)

// AnyTenant matches every tenant in a trigger binding.
const AnyTenant = "*"

// TriggerRegistry resolves an inbound trigger to the workflow it starts.
type TriggerRegistry interface {
	ResolveTrigger(ctx context.Context, tenantID, triggerType string) (name string, version int, err error)
}

// Binding maps a trigger type to a workflow version for one tenant or AnyTenant.
type Binding struct {
	Tenant   string `yaml:"tenant"`
	Trigger  string `yaml:"trigger"`
	Workflow string `yaml:"workflow"`
	Version  int    `yaml:"version"`
}

type bindingKey struct {
	tenant  string
	trigger string
}

type target struct {
	name    string
	version int
}

// StaticTriggerRegistry is an in-memory TriggerRegistry. Tenant-specific
// bindings win over AnyTenant bindings.
type StaticTriggerRegistry struct {
	mu       sync.RWMutex
	bindings map[bindingKey]target
}

// NewStaticTriggerRegistry creates a registry holding bindings.
func NewStaticTriggerRegistry(bindings ...Binding) (*StaticTriggerRegistry, error) {
	r := &StaticTriggerRegistry{bindings: make(map[bindingKey]target)}
	for _, b := range bindings {
		if err := r.Bind(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadTriggers reads a YAML list of bindings under "triggers".
func LoadTriggers(path string) (*StaticTriggerRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read triggers %s: %w", path, err)
	}
	var doc struct {
		Triggers []Binding `yaml:"triggers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse triggers %s: %w", path, err)
	}
	return NewStaticTriggerRegistry(doc.Triggers...)
}

// Bind adds or replaces a binding.
func (r *StaticTriggerRegistry) Bind(b Binding) error {
	if b.Trigger == "" || b.Workflow == "" {
		return failure.Validation("trigger", "trigger and workflow are required")
	}
	if b.Version <= 0 {
		return failure.Validation("trigger", "trigger %q: version must be positive", b.Trigger)
	}
	if b.Tenant == "" {
		b.Tenant = AnyTenant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[bindingKey{b.Tenant, b.Trigger}] = target{b.Workflow, b.Version}
	return nil
}

// ResolveTrigger implements TriggerRegistry.
func (r *StaticTriggerRegistry) ResolveTrigger(ctx context.Context, tenantID, triggerType string) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.bindings[bindingKey{tenantID, triggerType}]; ok {
		return t.name, t.version, nil
	}
	if t, ok := r.bindings[bindingKey{AnyTenant, triggerType}]; ok {
		return t.name, t.version, nil
	}
	return "", 0, failure.NotFound("trigger", triggerType)
}
