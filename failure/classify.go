package failure

import (
	"context"
	"errors"
	"net"
)

// Class is the failure category that decides retry behaviour.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassValidation
	ClassPoison
	ClassConflict
	ClassNotFound
	ClassLeaseExpired
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassPoison:
		return "poison"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	case ClassLeaseExpired:
		return "lease_expired"
	default:
		return "unknown"
	}
}

// Fatal reports whether the class is never retried.
func (c Class) Fatal() bool {
	return c == ClassValidation || c == ClassPoison || c == ClassNotFound
}

// Classify maps err onto the taxonomy. Typed errors win, then well-known
// sentinels. Anything unrecognised is treated as transient so that the
// attempt cap, not the classifier, bounds it.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if c := classifyTyped(err); c != ClassNone {
		return c
	}
	if c := classifySentinel(err); c != ClassNone {
		return c
	}
	return ClassTransient
}

func classifyTyped(err error) Class {
	switch {
	case IsInconsistent(err):
		return ClassPoison
	case IsValidation(err):
		return ClassValidation
	case IsLeaseExpired(err):
		return ClassLeaseExpired
	case IsConflict(err):
		return ClassConflict
	case IsNotFound(err):
		return ClassNotFound
	case IsTransient(err):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassNone
}

func classifySentinel(err error) Class {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassTransient
	}
	return ClassNone
}
