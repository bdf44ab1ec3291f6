// Package definition validates, loads and resolves workflow definitions.
package definition

import (
	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
)

// Validator checks a definition before it is registered. ActionKinds reports
// whether a handler kind is registered; CheckGuard compiles a guard expression.
// Either may be nil to skip that check.
type Validator struct {
	ActionKinds func(kind string) bool
	CheckGuard  func(expression string) error
}

// Validate returns a ValidationError describing the first defect found.
func (v Validator) Validate(def types.Definition) error {
	if def.Name == "" {
		return failure.Validation("name", "must not be empty")
	}
	if def.Version <= 0 {
		return failure.Validation("version", "must be positive, got %d", def.Version)
	}
	if err := v.validateStates(def); err != nil {
		return err
	}
	events, err := v.validateTransitions(def)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, ea := range def.Actions {
		if seen[ea.Event] {
			return failure.Validation("actions", "event %q has more than one action block", ea.Event)
		}
		seen[ea.Event] = true
		if err := v.validateActions(ea, events); err != nil {
			return err
		}
	}
	return validateTimers(def, events)
}

func (v Validator) validateStates(def types.Definition) error {
	if len(def.States) == 0 {
		return failure.Validation("states", "at least one state is required")
	}
	names := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		if s.Name == "" {
			return failure.Validation("states", "state name must not be empty")
		}
		if names[s.Name] {
			return failure.Validation("states", "duplicate state %q", s.Name)
		}
		names[s.Name] = true
		switch s.Final {
		case "", types.StatusCompleted, types.StatusFailed:
		default:
			return failure.Validation("states", "state %q: final must be completed or failed, got %q", s.Name, s.Final)
		}
	}
	if _, ok := def.State(def.InitialState); !ok {
		return failure.Validation("initial_state", "unknown state %q", def.InitialState)
	}
	return nil
}

func (v Validator) validateTransitions(def types.Definition) (map[string]bool, error) {
	events := make(map[string]bool)
	for i, tr := range def.Transitions {
		if tr.Event == "" {
			return nil, failure.Validation("transitions", "transition %d: event must not be empty", i)
		}
		if tr.Event == types.CancelEventName {
			return nil, failure.Validation("transitions", "event name %q is reserved", tr.Event)
		}
		if _, ok := def.State(tr.From); !ok {
			return nil, failure.Validation("transitions", "transition %q: unknown from state %q", tr.Event, tr.From)
		}
		if _, ok := def.State(tr.To); !ok {
			return nil, failure.Validation("transitions", "transition %q: unknown to state %q", tr.Event, tr.To)
		}
		if tr.Guard != "" && v.CheckGuard != nil {
			if err := v.CheckGuard(tr.Guard); err != nil {
				return nil, failure.Validation("transitions", "transition %q: invalid guard: %v", tr.Event, err)
			}
		}
		events[tr.Event] = true
	}
	return events, nil
}

func (v Validator) validateActions(ea types.EventActions, events map[string]bool) error {
	if !events[ea.Event] {
		return failure.Validation("actions", "actions bound to unknown event %q", ea.Event)
	}

	joins := make(map[string]types.JoinSpec, len(ea.Joins))
	for _, j := range ea.Joins {
		if j.Name == "" {
			return failure.Validation("joins", "event %q: join name must not be empty", ea.Event)
		}
		if _, dup := joins[j.Name]; dup {
			return failure.Validation("joins", "event %q: duplicate join %q", ea.Event, j.Name)
		}
		if !events[j.Continuation] {
			return failure.Validation("joins", "join %q: continuation %q is not a transition event", j.Name, j.Continuation)
		}
		if j.SyncType != "" && j.SyncType != "all" {
			return failure.Validation("joins", "join %q: unsupported sync type %q", j.Name, j.SyncType)
		}
		joins[j.Name] = j
	}

	names := make(map[string]bool, len(ea.Actions))
	members := make(map[string]int)
	for _, a := range ea.Actions {
		if a.Name == "" {
			return failure.Validation("actions", "event %q: action name must not be empty", ea.Event)
		}
		if names[a.Name] {
			return failure.Validation("actions", "event %q: duplicate action %q", ea.Event, a.Name)
		}
		names[a.Name] = true
		if v.ActionKinds != nil && !v.ActionKinds(a.Kind) {
			return failure.Validation("actions", "action %q: unregistered kind %q", a.Name, a.Kind)
		}
		if a.Timeout < 0 || a.MaxAttempts < 0 {
			return failure.Validation("actions", "action %q: timeout and max_attempts must not be negative", a.Name)
		}
		if a.Join != "" {
			if _, ok := joins[a.Join]; !ok {
				return failure.Validation("actions", "action %q: unknown join %q", a.Name, a.Join)
			}
			members[a.Join]++
		}
	}
	for name := range joins {
		if members[name] == 0 {
			return failure.Validation("joins", "join %q has no member actions", name)
		}
	}

	for _, a := range ea.Actions {
		for _, dep := range a.DependsOn {
			if !names[dep.Action] {
				return failure.Validation("depends_on", "action %q depends on unknown action %q", a.Name, dep.Action)
			}
			if dep.Action == a.Name {
				return failure.Validation("depends_on", "action %q depends on itself", a.Name)
			}
			if !dep.Type.Valid() {
				return failure.Validation("depends_on", "action %q: unknown dependency type %q", a.Name, dep.Type)
			}
		}
	}
	if cycle := findCycle(ea.Actions); cycle != "" {
		return failure.Validation("depends_on", "event %q: dependency cycle through %q", ea.Event, cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns an action left on a cycle, or "".
func findCycle(actions []types.ActionSpec) string {
	indegree := make(map[string]int, len(actions))
	dependents := make(map[string][]string)
	for _, a := range actions {
		indegree[a.Name] += 0
		for _, dep := range a.DependsOn {
			indegree[a.Name]++
			dependents[dep.Action] = append(dependents[dep.Action], a.Name)
		}
	}
	queue := make([]string, 0, len(actions))
	for _, a := range actions {
		if indegree[a.Name] == 0 {
			queue = append(queue, a.Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(actions) {
		return ""
	}
	for _, a := range actions {
		if indegree[a.Name] > 0 {
			return a.Name
		}
	}
	return ""
}

func validateTimers(def types.Definition, events map[string]bool) error {
	for _, t := range def.Timers {
		if _, ok := def.State(t.State); !ok {
			return failure.Validation("timers", "timer %q: unknown state %q", t.Event, t.State)
		}
		if !events[t.Event] {
			return failure.Validation("timers", "timer on %q: %q is not a transition event", t.State, t.Event)
		}
		if t.Recurrence != "" {
			if _, err := ParseRecurrence(t.Recurrence); err != nil {
				return failure.Validation("timers", "timer %q: %v", t.Event, err)
			}
		} else if t.After <= 0 {
			return failure.Validation("timers", "timer %q: after must be positive", t.Event)
		}
	}
	return nil
}
