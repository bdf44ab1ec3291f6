// Package failure holds the engine's error taxonomy, the classifier that maps
// any error onto it, and the retry policy driven by that classification.
package failure

import (
	"errors"
	"fmt"
)

// ConflictError signals a write that must not happen: the execution is terminal,
// the idempotency key is already reserved, a sequence was already taken. For
// duplicate dispatch it is a no-op signal, not a fault.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// NotFoundError reports an unknown execution, definition, trigger or record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InconsistentStateError is raised when replay finds an event whose from-state
// does not match the folded state. It is a poison condition.
type InconsistentStateError struct {
	ExecutionID uint64
	Sequence    uint64
	Expected    string
	Actual      string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state in execution %d at sequence %d: event from %q, replayed state %q",
		e.ExecutionID, e.Sequence, e.Actual, e.Expected)
}

// TransientError wraps a retryable infrastructure fault.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient failure in %s", e.Op)
	}
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError reports a bad payload, definition or impossible transition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// LockLeaseExpiredError means exclusivity was lost mid-operation. Callers must
// re-read state before resuming and never assume their write landed.
type LockLeaseExpiredError struct {
	Key string
}

func (e *LockLeaseExpiredError) Error() string {
	return "lock lease expired: " + e.Key
}

// Constructors.

func Conflict(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func LeaseExpired(key string) error {
	return &LockLeaseExpiredError{Key: key}
}

// Predicates.

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsInconsistent(err error) bool {
	var target *InconsistentStateError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsLeaseExpired(err error) bool {
	var target *LockLeaseExpiredError
	return errors.As(err, &target)
}
