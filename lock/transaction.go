package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/workflow-core/failure"
)

// Step is one write of a transaction. Undo, when set, compensates a completed Do.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Transaction runs a sequence of steps under one lease so that either every
// step's effect remains visible or the completed ones are compensated. The
// lease is re-verified before each step; losing it aborts and compensates.
type Transaction struct {
	locker Locker
	key    string
	opts   Options
	steps  []Step
}

// NewTransaction creates a transaction serialized on key.
func NewTransaction(locker Locker, key string, opts Options) *Transaction {
	return &Transaction{locker: locker, key: key, opts: opts}
}

// Step appends a step.
func (t *Transaction) Step(name string, do, undo func(ctx context.Context) error) *Transaction {
	t.steps = append(t.steps, Step{Name: name, Do: do, Undo: undo})
	return t
}

// Run acquires the lease and executes the steps in order. When every step
// succeeded but the lease expired before release, Run returns
// LockLeaseExpiredError and the caller must re-verify its writes.
func (t *Transaction) Run(ctx context.Context) (err error) {
	m := NewMutex(t.locker, t.key, t.opts)
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AcquireTimeout)
		defer cancel()
		relErr := m.Unlock(releaseCtx)
		if relErr == nil || err != nil {
			return
		}
		if errors.Is(relErr, ErrNotHeld) {
			err = failure.LeaseExpired(t.key)
			return
		}
		err = relErr
	}()

	done := make([]Step, 0, len(t.steps))
	for i, step := range t.steps {
		if i > 0 {
			if err := m.Extend(ctx); err != nil {
				return t.compensate(ctx, done, fmt.Errorf("step %s: %w", step.Name, err))
			}
		}
		if err := step.Do(ctx); err != nil {
			return t.compensate(ctx, done, fmt.Errorf("step %s: %w", step.Name, err))
		}
		done = append(done, step)
	}
	return nil
}

func (t *Transaction) compensate(ctx context.Context, done []Step, cause error) error {
	undoCtx := context.WithoutCancel(ctx)
	var undoErrs []error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].Undo == nil {
			continue
		}
		if err := done[i].Undo(undoCtx); err != nil {
			undoErrs = append(undoErrs, fmt.Errorf("undo %s: %w", done[i].Name, err))
		}
	}
	if len(undoErrs) == 0 {
		return cause
	}
	return errors.Join(append([]error{cause}, undoErrs...)...)
}
