package workflow

import (
	"fmt"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/rules"
	"github.com/songzhibin97/workflow-core/types"
)

// ReplayState is the state derived by folding an execution's events.
type ReplayState struct {
	State   string
	Status  types.ExecutionStatus
	Version uint64
}

// StateMachine applies a definition's transition table to events.
type StateMachine struct {
	evaluator rules.Evaluator
}

// NewStateMachine creates a StateMachine evaluating guards with evaluator.
func NewStateMachine(evaluator rules.Evaluator) *StateMachine {
	return &StateMachine{evaluator: evaluator}
}

// guardEnv builds the variables visible to guard expressions.
func guardEnv(exec types.WorkflowExecution, event string, payload types.Payload) (map[string]interface{}, error) {
	data, err := payload.Map()
	if err != nil {
		return nil, failure.Validation("payload", "not decodable: %v", err)
	}
	ctxData, err := exec.Context.Map()
	if err != nil {
		return nil, failure.Validation("context", "not decodable: %v", err)
	}
	return map[string]interface{}{
		"tenant":  exec.TenantID,
		"state":   exec.CurrentState,
		"event":   event,
		"payload": data,
		"context": ctxData,
	}, nil
}

// Transition resolves event from the execution's current state. The first
// matching transition whose guard holds wins; none is a ValidationError.
func (m *StateMachine) Transition(def types.Definition, exec types.WorkflowExecution, event string, payload types.Payload) (types.Transition, error) {
	var env map[string]interface{}
	matched := false
	for _, tr := range def.Transitions {
		if tr.Event != event || tr.From != exec.CurrentState {
			continue
		}
		matched = true
		if tr.Guard == "" {
			return tr, nil
		}
		if env == nil {
			var err error
			if env, err = guardEnv(exec, event, payload); err != nil {
				return types.Transition{}, err
			}
		}
		ok, err := m.evaluator.Evaluate(tr.Guard, env)
		if err != nil {
			return types.Transition{}, failure.Validation("guard", "event %q: %v", event, err)
		}
		if ok {
			return tr, nil
		}
	}
	if matched {
		return types.Transition{}, failure.Validation("event", "guards rejected %q in state %q", event, exec.CurrentState)
	}
	return types.Transition{}, failure.Validation("event", "no transition for %q from state %q", event, exec.CurrentState)
}

// StatusFor derives the status an execution has after entering state.
func StatusFor(def types.Definition, state string) types.ExecutionStatus {
	if s, ok := def.State(state); ok && s.Final != "" {
		return s.Final
	}
	return types.StatusRunning
}

// Fold applies events on top of from, verifying every event departs from the
// running state. A mismatch is an InconsistentStateError.
func (m *StateMachine) Fold(def types.Definition, executionID uint64, from ReplayState, events []types.WorkflowEvent) (ReplayState, error) {
	cur := from
	for _, ev := range events {
		if ev.Sequence != cur.Version+1 {
			return cur, &failure.InconsistentStateError{
				ExecutionID: executionID,
				Sequence:    ev.Sequence,
				Expected:    fmt.Sprintf("sequence %d", cur.Version+1),
				Actual:      fmt.Sprintf("sequence %d", ev.Sequence),
			}
		}
		if ev.FromState != cur.State {
			return cur, &failure.InconsistentStateError{
				ExecutionID: executionID,
				Sequence:    ev.Sequence,
				Expected:    cur.State,
				Actual:      ev.FromState,
			}
		}
		if cur.Status.Terminal() {
			return cur, &failure.InconsistentStateError{
				ExecutionID: executionID,
				Sequence:    ev.Sequence,
				Expected:    string(cur.Status),
				Actual:      ev.Name,
			}
		}
		cur.State = ev.ToState
		cur.Version = ev.Sequence
		if ev.Type == types.EventTypeCancel {
			cur.Status = types.StatusCancelled
		} else {
			cur.Status = StatusFor(def, ev.ToState)
		}
	}
	return cur, nil
}

// Genesis is the replay state before the first event.
func Genesis(def types.Definition) ReplayState {
	return ReplayState{State: def.InitialState, Status: StatusFor(def, def.InitialState)}
}

// FromSnapshot is the replay state captured by snap.
func FromSnapshot(snap types.WorkflowSnapshot) ReplayState {
	return ReplayState{State: snap.CurrentState, Status: snap.Status, Version: snap.Version}
}
