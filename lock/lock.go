// Package lock provides lease-based mutual exclusion over a shared backend and
// a small transaction helper that runs compensable steps under one lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/workflow-core/failure"
)

// ErrNotHeld is returned when releasing or renewing a lease the caller no longer owns.
var ErrNotHeld = errors.New("lock not held")

// Locker is the lease backend. Every call is keyed by the holder's token so a
// holder can never renew or release a lease that expired and was re-acquired.
type Locker interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options tunes acquisition.
type Options struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
}

// DefaultOptions returns a 10s lease acquired within 5s, polling every 20ms.
func DefaultOptions() Options {
	return Options{
		TTL:            10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RetryInterval:  20 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = d.AcquireTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	return o
}

// Mutex is a single lease on one key.
type Mutex struct {
	locker Locker
	key    string
	token  string
	opts   Options
}

// NewMutex creates a mutex for key with a fresh holder token.
func NewMutex(locker Locker, key string, opts Options) *Mutex {
	return &Mutex{
		locker: locker,
		key:    key,
		token:  uuid.NewString(),
		opts:   opts.withDefaults(),
	}
}

// Key returns the locked key.
func (m *Mutex) Key() string { return m.key }

// TTL returns the lease duration.
func (m *Mutex) TTL() time.Duration { return m.opts.TTL }

// Lock blocks until the lease is acquired, the acquire timeout passes
// (a transient lock-contention failure) or ctx ends.
func (m *Mutex) Lock(ctx context.Context) error {
	deadline := time.Now().Add(m.opts.AcquireTimeout)
	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := m.locker.TryAcquire(ctx, m.key, m.token, m.opts.TTL)
		if err != nil {
			return failure.Transient("lock acquire "+m.key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return failure.Transient("lock acquire "+m.key, fmt.Errorf("contention: not acquired within %s", m.opts.AcquireTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Extend renews the lease. A lost lease yields LockLeaseExpiredError.
func (m *Mutex) Extend(ctx context.Context) error {
	ok, err := m.locker.Renew(ctx, m.key, m.token, m.opts.TTL)
	if err != nil {
		return failure.Transient("lock renew "+m.key, err)
	}
	if !ok {
		return failure.LeaseExpired(m.key)
	}
	return nil
}

// Unlock releases the lease. Releasing a lease that already expired returns ErrNotHeld.
func (m *Mutex) Unlock(ctx context.Context) error {
	ok, err := m.locker.Release(ctx, m.key, m.token)
	if err != nil {
		return failure.Transient("lock release "+m.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding a lease on key, renewing it every TTL/3.
// If a renewal fails, fn's context is cancelled and LockLeaseExpiredError is
// returned regardless of what fn returned.
func WithLock(ctx context.Context, locker Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	m := NewMutex(locker, key, opts)
	if err := m.Lock(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.opts.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.Extend(runCtx); err != nil {
					lost <- err
					cancel()
					return
				}
			}
		}
	}()

	err := fn(runCtx)
	close(done)

	select {
	case lostErr := <-lost:
		return failure.LeaseExpired(fmt.Sprintf("%s (%v)", key, lostErr))
	default:
	}

	// Release on a fresh context so a cancelled caller still frees the lease.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AcquireTimeout)
	defer releaseCancel()
	if relErr := m.Unlock(releaseCtx); relErr != nil && err == nil {
		if errors.Is(relErr, ErrNotHeld) {
			return failure.LeaseExpired(key)
		}
		return relErr
	}
	return err
}
