package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker for tests and single-node deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// TryAcquire takes the lease if it is free or expired.
func (l *MemoryLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.expiresAt.After(now) && cur.token != token {
		return false, nil
	}
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Renew extends the lease if token still owns it.
func (l *MemoryLocker) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.token != token || !cur.expiresAt.After(now) {
		return false, nil
	}
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lease if token still owns it.
func (l *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.token != token {
		return false, nil
	}
	delete(l.leases, key)
	return cur.expiresAt.After(l.now()), nil
}
