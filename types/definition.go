package types

import (
	"fmt"
	"time"
)

// Definition is a versioned workflow definition: a transition table plus the
// per-event action graphs, joins and state timers.
type Definition struct {
	Name         string         `json:"name" yaml:"name"`
	Version      int            `json:"version" yaml:"version"`
	InitialState string         `json:"initial_state" yaml:"initial_state"`
	States       []State        `json:"states" yaml:"states"`
	Transitions  []Transition   `json:"transitions" yaml:"transitions"`
	Actions      []EventActions `json:"actions,omitempty" yaml:"actions,omitempty"`
	Timers       []TimerSpec    `json:"timers,omitempty" yaml:"timers,omitempty"`
}

// State is a node of the transition table. Final marks the execution status
// reached when the state is entered ("completed" or "failed").
type State struct {
	Name  string          `json:"name" yaml:"name"`
	Final ExecutionStatus `json:"final,omitempty" yaml:"final,omitempty"`
}

// Transition moves From to To on Event when Guard (an expression, optional) holds.
type Transition struct {
	Event string `json:"event" yaml:"event"`
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// EventActions is the action set triggered by one event.
type EventActions struct {
	Event   string       `json:"event" yaml:"event"`
	Actions []ActionSpec `json:"actions" yaml:"actions"`
	Joins   []JoinSpec   `json:"joins,omitempty" yaml:"joins,omitempty"`
}

// ActionSpec declares one action, its handler kind and its dependencies.
type ActionSpec struct {
	Name        string                 `json:"name" yaml:"name"`
	Kind        string                 `json:"kind" yaml:"kind"`
	Params      map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []DependencySpec       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Join        string                 `json:"join,omitempty" yaml:"join,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// DependencySpec is an edge to another action of the same event.
type DependencySpec struct {
	Action string         `json:"action" yaml:"action"`
	Type   DependencyType `json:"type" yaml:"type"`
}

// JoinSpec is a fan-in barrier over the actions that name it.
type JoinSpec struct {
	Name         string `json:"name" yaml:"name"`
	Continuation string `json:"continuation" yaml:"continuation"`
	SyncType     string `json:"sync_type,omitempty" yaml:"sync_type,omitempty"`
}

// TimerSpec schedules Event when State is entered, After later or per Recurrence.
type TimerSpec struct {
	State      string        `json:"state" yaml:"state"`
	Event      string        `json:"event" yaml:"event"`
	After      time.Duration `json:"after,omitempty" yaml:"after,omitempty"`
	Recurrence string        `json:"recurrence,omitempty" yaml:"recurrence,omitempty"`
}

// Key identifies a definition version.
func (d Definition) Key() string {
	return DefinitionKey(d.Name, d.Version)
}

// DefinitionKey formats name@version.
func DefinitionKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// State looks up a state by name.
func (d Definition) State(name string) (State, bool) {
	for _, s := range d.States {
		if s.Name == name {
			return s, true
		}
	}
	return State{}, false
}

// ActionsFor returns the action set triggered by event.
func (d Definition) ActionsFor(event string) (EventActions, bool) {
	for _, ea := range d.Actions {
		if ea.Event == event {
			return ea, true
		}
	}
	return EventActions{}, false
}

// TimersFor returns the timers bound to state.
func (d Definition) TimersFor(state string) []TimerSpec {
	var out []TimerSpec
	for _, t := range d.Timers {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out
}

// Action looks up an action spec by name.
func (ea EventActions) Action(name string) (ActionSpec, bool) {
	for _, a := range ea.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// Join looks up a join by name.
func (ea EventActions) Join(name string) (JoinSpec, bool) {
	for _, j := range ea.Joins {
		if j.Name == name {
			return j, true
		}
	}
	return JoinSpec{}, false
}
