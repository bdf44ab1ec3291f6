package types

import "time"

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusWaiting   ExecutionStatus = "waiting"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further event may be applied.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EventType distinguishes how an event entered the log.
type EventType string

const (
	EventTypeTransition   EventType = "transition"
	EventTypeTimer        EventType = "timer"
	EventTypeContinuation EventType = "continuation"
	EventTypeCancel       EventType = "cancel"
)

// CancelEventName is the reserved name of the cancellation marker event.
const CancelEventName = "cancelled"

// WorkflowExecution is one running instance of a workflow definition for one tenant.
type WorkflowExecution struct {
	ID              uint64          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	CurrentState    string          `json:"current_state"`
	Status          ExecutionStatus `json:"status"`
	Context         Payload         `json:"context"`
	LastSequence    uint64          `json:"last_sequence"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// WorkflowEvent is an immutable fact in an execution's log.
type WorkflowEvent struct {
	ID          uint64    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ExecutionID uint64    `json:"execution_id"`
	Sequence    uint64    `json:"sequence"`
	Name        string    `json:"name"`
	Type        EventType `json:"type"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	UserID      string    `json:"user_id,omitempty"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActionStatus tracks one action result through dispatch.
type ActionStatus string

const (
	ActionInProgress ActionStatus = "in_progress"
	ActionAwaiting   ActionStatus = "awaiting"
	ActionRetrying   ActionStatus = "retrying"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionSkipped    ActionStatus = "skipped"
)

// Done reports whether the action reached a final outcome.
func (s ActionStatus) Done() bool {
	return s == ActionSucceeded || s == ActionFailed || s == ActionSkipped
}

// WorkflowActionResult is the outcome of one action triggered by an event.
// (TenantID, IdempotencyKey) is unique.
type WorkflowActionResult struct {
	ID             uint64       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	ExecutionID    uint64       `json:"execution_id"`
	EventID        uint64       `json:"event_id"`
	EventSequence  uint64       `json:"event_sequence"`
	ActionName     string       `json:"action_name"`
	ActionKind     string       `json:"action_kind"`
	Parameters     Payload      `json:"parameters"`
	Result         Payload      `json:"result"`
	Status         ActionStatus `json:"status"`
	Success        bool         `json:"success"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	ReadyToExecute bool         `json:"ready_to_execute"`
	Attempts       int          `json:"attempts"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
}

// DependencyType is the closed set of dependency edge semantics.
type DependencyType string

const (
	// DependencyMustSucceed is satisfied only by a successful result.
	DependencyMustSucceed DependencyType = "must-succeed"
	// DependencyMustComplete is satisfied by any executed result, failed included.
	DependencyMustComplete DependencyType = "must-complete"
)

// Valid reports whether t belongs to the closed set.
func (t DependencyType) Valid() bool {
	return t == DependencyMustSucceed || t == DependencyMustComplete
}

// WorkflowActionDependency is an edge ActionName -> DependsOn within one event's action set.
type WorkflowActionDependency struct {
	EventID    uint64         `json:"event_id"`
	ActionName string         `json:"action_name"`
	DependsOn  string         `json:"depends_on"`
	Type       DependencyType `json:"dependency_type"`
}

// SyncPointStatus is the barrier state.
type SyncPointStatus string

const (
	SyncPointOpen      SyncPointStatus = "open"
	SyncPointSatisfied SyncPointStatus = "satisfied"
)

// WorkflowSyncPoint is a join barrier over parallel branches.
type WorkflowSyncPoint struct {
	ID               uint64          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	ExecutionID      uint64          `json:"execution_id"`
	EventID          uint64          `json:"event_id"`
	Name             string          `json:"name"`
	SyncType         string          `json:"sync_type"`
	Status           SyncPointStatus `json:"status"`
	TotalActions     int             `json:"total_actions"`
	CompletedActions int             `json:"completed_actions"`
	Continuation     string          `json:"continuation"`
	CreatedAt        time.Time       `json:"created_at"`
	SatisfiedAt      *time.Time      `json:"satisfied_at,omitempty"`
}

// TimerStatus is the lifecycle of a durable timer.
type TimerStatus string

const (
	TimerPending   TimerStatus = "pending"
	TimerFired     TimerStatus = "fired"
	TimerCancelled TimerStatus = "cancelled"
)

// TimerKind says what a timer does when it fires.
type TimerKind string

const (
	// TimerKindEvent appends EventName to the execution.
	TimerKindEvent TimerKind = "event"
	// TimerKindRetry re-dispatches the action identified by ActionKey.
	TimerKindRetry TimerKind = "retry"
)

// WorkflowTimer is a durable scheduled trigger.
type WorkflowTimer struct {
	ID          uint64      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	ExecutionID uint64      `json:"execution_id"`
	Kind        TimerKind   `json:"kind"`
	EventName   string      `json:"event_name,omitempty"`
	Payload     Payload     `json:"payload"`
	State       string      `json:"state,omitempty"`
	ActionKey   string      `json:"action_key,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	FireTime    time.Time   `json:"fire_time"`
	Recurrence  string      `json:"recurrence,omitempty"`
	Status      TimerStatus `json:"status"`
	PreviousID  uint64      `json:"previous_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	FiredAt     *time.Time  `json:"fired_at,omitempty"`
}

// WorkflowSnapshot is a materialized checkpoint; Version is the sequence of the last folded event.
type WorkflowSnapshot struct {
	TenantID     string          `json:"tenant_id"`
	ExecutionID  uint64          `json:"execution_id"`
	Version      uint64          `json:"version"`
	CurrentState string          `json:"current_state"`
	Status       ExecutionStatus `json:"status"`
	Data         Payload         `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`
}
