package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
)

type execKey struct {
	tenant string
	id     uint64
}

type actionKey struct {
	tenant string
	key    string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// A single mutex makes every conditional update atomic.
type MemoryStorage struct {
	mu           sync.RWMutex
	definitions  map[string]types.Definition
	executions   map[execKey]types.WorkflowExecution
	events       map[execKey][]types.WorkflowEvent
	snapshots    map[execKey]map[uint64]types.WorkflowSnapshot
	actions      map[actionKey]types.WorkflowActionResult
	dependencies map[execKey][]types.WorkflowActionDependency
	syncPoints   map[execKey]types.WorkflowSyncPoint
	timers       map[execKey]types.WorkflowTimer
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions:  make(map[string]types.Definition),
		executions:   make(map[execKey]types.WorkflowExecution),
		events:       make(map[execKey][]types.WorkflowEvent),
		snapshots:    make(map[execKey]map[uint64]types.WorkflowSnapshot),
		actions:      make(map[actionKey]types.WorkflowActionResult),
		dependencies: make(map[execKey][]types.WorkflowActionDependency),
		syncPoints:   make(map[execKey]types.WorkflowSyncPoint),
		timers:       make(map[execKey]types.WorkflowTimer),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, key K, notFound func() error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, notFound()
		}
		return item, nil
	})
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.Key()] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, name string, version int) (types.Definition, error) {
	key := types.DefinitionKey(name, version)
	return getItem(ctx, &s.mu, s.definitions, key, func() error {
		return failure.NotFound("definition", key)
	})
}

// CreateExecution inserts a new execution.
func (s *MemoryStorage) CreateExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{exec.TenantID, exec.ID}
		if _, ok := s.executions[k]; ok {
			return failure.Conflict("execution", idString(exec.ID), "already exists")
		}
		s.executions[k] = exec
		return nil
	})
}

// GetExecution retrieves an execution.
func (s *MemoryStorage) GetExecution(ctx context.Context, tenantID string, id uint64) (types.WorkflowExecution, error) {
	return getItem(ctx, &s.mu, s.executions, execKey{tenantID, id}, func() error {
		return failure.NotFound("execution", idString(id))
	})
}

// UpdateExecution replaces an execution guarded by its last sequence.
func (s *MemoryStorage) UpdateExecution(ctx context.Context, exec types.WorkflowExecution, expectedSeq uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{exec.TenantID, exec.ID}
		cur, ok := s.executions[k]
		if !ok {
			return failure.NotFound("execution", idString(exec.ID))
		}
		if cur.LastSequence != expectedSeq {
			return failure.Conflict("execution", idString(exec.ID),
				fmt.Sprintf("sequence moved: expected %d, stored %d", expectedSeq, cur.LastSequence))
		}
		s.executions[k] = exec
		return nil
	})
}

// AppendEvent appends an event at the next sequence.
func (s *MemoryStorage) AppendEvent(ctx context.Context, ev types.WorkflowEvent) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{ev.TenantID, ev.ExecutionID}
		log := s.events[k]
		if want := uint64(len(log)) + 1; ev.Sequence != want {
			return failure.Conflict("event", idString(ev.ExecutionID),
				fmt.Sprintf("sequence %d taken, next is %d", ev.Sequence, want))
		}
		s.events[k] = append(log, ev)
		return nil
	})
}

// ReadEvents returns events after the given sequence.
func (s *MemoryStorage) ReadEvents(ctx context.Context, tenantID string, executionID, after uint64) ([]types.WorkflowEvent, error) {
	return withContext(ctx, func() ([]types.WorkflowEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log := s.events[execKey{tenantID, executionID}]
		if after >= uint64(len(log)) {
			return []types.WorkflowEvent{}, nil
		}
		out := make([]types.WorkflowEvent, len(log)-int(after))
		copy(out, log[after:])
		return out, nil
	})
}

// LastSequence returns the highest stored event sequence, zero when none.
func (s *MemoryStorage) LastSequence(ctx context.Context, tenantID string, executionID uint64) (uint64, error) {
	return withContext(ctx, func() (uint64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return uint64(len(s.events[execKey{tenantID, executionID}])), nil
	})
}

// SaveSnapshot inserts a snapshot once per version.
func (s *MemoryStorage) SaveSnapshot(ctx context.Context, snap types.WorkflowSnapshot) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{snap.TenantID, snap.ExecutionID}
		versions, ok := s.snapshots[k]
		if !ok {
			versions = make(map[uint64]types.WorkflowSnapshot)
			s.snapshots[k] = versions
		}
		if _, exists := versions[snap.Version]; exists {
			return false, nil
		}
		versions[snap.Version] = snap
		return true, nil
	})
}

// LatestSnapshot returns the highest-version snapshot.
func (s *MemoryStorage) LatestSnapshot(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowSnapshot, error) {
	return withContext(ctx, func() (types.WorkflowSnapshot, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var (
			latest types.WorkflowSnapshot
			found  bool
		)
		for v, snap := range s.snapshots[execKey{tenantID, executionID}] {
			if !found || v > latest.Version {
				latest, found = snap, true
			}
		}
		if !found {
			return types.WorkflowSnapshot{}, failure.NotFound("snapshot", idString(executionID))
		}
		return latest, nil
	})
}

// ReserveAction inserts the result if its idempotency key is free.
func (s *MemoryStorage) ReserveAction(ctx context.Context, res types.WorkflowActionResult) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := actionKey{res.TenantID, res.IdempotencyKey}
		if _, exists := s.actions[k]; exists {
			return false, nil
		}
		s.actions[k] = res
		return true, nil
	})
}

// GetAction retrieves an action result by idempotency key.
func (s *MemoryStorage) GetAction(ctx context.Context, tenantID, key string) (types.WorkflowActionResult, error) {
	return getItem(ctx, &s.mu, s.actions, actionKey{tenantID, key}, func() error {
		return failure.NotFound("action result", key)
	})
}

// TransitionAction replaces a result whose status is one of from.
func (s *MemoryStorage) TransitionAction(ctx context.Context, res types.WorkflowActionResult, from ...types.ActionStatus) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := actionKey{res.TenantID, res.IdempotencyKey}
		cur, ok := s.actions[k]
		if !ok {
			return false, failure.NotFound("action result", res.IdempotencyKey)
		}
		if !statusIn(cur.Status, from) {
			return false, nil
		}
		s.actions[k] = res
		return true, nil
	})
}

func statusIn(status types.ActionStatus, set []types.ActionStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// ListActions returns all results of an execution ordered by event sequence then name.
func (s *MemoryStorage) ListActions(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowActionResult, error) {
	return withContext(ctx, func() ([]types.WorkflowActionResult, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowActionResult, 0)
		for k, res := range s.actions {
			if k.tenant == tenantID && res.ExecutionID == executionID {
				out = append(out, res)
			}
		}
		sortActions(out)
		return out, nil
	})
}

func sortActions(out []types.WorkflowActionResult) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventSequence != out[j].EventSequence {
			return out[i].EventSequence < out[j].EventSequence
		}
		return out[i].ActionName < out[j].ActionName
	})
}

// ListStaleActions returns in-progress results past their deadline.
func (s *MemoryStorage) ListStaleActions(ctx context.Context, cutoff time.Time, limit int) ([]types.WorkflowActionResult, error) {
	return withContext(ctx, func() ([]types.WorkflowActionResult, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowActionResult, 0)
		for _, res := range s.actions {
			if res.Status == types.ActionInProgress && res.Deadline != nil && res.Deadline.Before(cutoff) {
				out = append(out, res)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// SaveDependencies stores the dependency edges of an event once.
func (s *MemoryStorage) SaveDependencies(ctx context.Context, tenantID string, eventID uint64, deps []types.WorkflowActionDependency) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{tenantID, eventID}
		if _, exists := s.dependencies[k]; exists {
			return nil
		}
		s.dependencies[k] = append([]types.WorkflowActionDependency(nil), deps...)
		return nil
	})
}

// ListDependencies returns the dependency edges of an event.
func (s *MemoryStorage) ListDependencies(ctx context.Context, tenantID string, eventID uint64) ([]types.WorkflowActionDependency, error) {
	return withContext(ctx, func() ([]types.WorkflowActionDependency, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.WorkflowActionDependency{}, s.dependencies[execKey{tenantID, eventID}]...), nil
	})
}

// CreateSyncPoint inserts a sync point once.
func (s *MemoryStorage) CreateSyncPoint(ctx context.Context, sp types.WorkflowSyncPoint) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{sp.TenantID, sp.ID}
		if _, exists := s.syncPoints[k]; exists {
			return false, nil
		}
		s.syncPoints[k] = sp
		return true, nil
	})
}

// GetSyncPoint retrieves a sync point.
func (s *MemoryStorage) GetSyncPoint(ctx context.Context, tenantID string, id uint64) (types.WorkflowSyncPoint, error) {
	return getItem(ctx, &s.mu, s.syncPoints, execKey{tenantID, id}, func() error {
		return failure.NotFound("sync point", idString(id))
	})
}

// ListSyncPoints returns the sync points of an execution.
func (s *MemoryStorage) ListSyncPoints(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowSyncPoint, error) {
	return withContext(ctx, func() ([]types.WorkflowSyncPoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowSyncPoint, 0)
		for k, sp := range s.syncPoints {
			if k.tenant == tenantID && sp.ExecutionID == executionID {
				out = append(out, sp)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// IncrementSyncPoint bumps the completion counter under the storage mutex.
func (s *MemoryStorage) IncrementSyncPoint(ctx context.Context, tenantID string, id uint64, at time.Time) (types.WorkflowSyncPoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.WorkflowSyncPoint{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := execKey{tenantID, id}
	sp, ok := s.syncPoints[k]
	if !ok {
		return types.WorkflowSyncPoint{}, false, failure.NotFound("sync point", idString(id))
	}
	if sp.CompletedActions >= sp.TotalActions {
		return sp, false, nil
	}
	sp.CompletedActions++
	satisfied := sp.CompletedActions == sp.TotalActions
	if satisfied {
		sp.Status = types.SyncPointSatisfied
		sp.SatisfiedAt = &at
	}
	s.syncPoints[k] = sp
	return sp, satisfied, nil
}

// CreateTimer inserts a timer.
func (s *MemoryStorage) CreateTimer(ctx context.Context, t types.WorkflowTimer) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{t.TenantID, t.ID}
		if _, exists := s.timers[k]; exists {
			return failure.Conflict("timer", idString(t.ID), "already exists")
		}
		s.timers[k] = t
		return nil
	})
}

// GetTimer retrieves a timer.
func (s *MemoryStorage) GetTimer(ctx context.Context, tenantID string, id uint64) (types.WorkflowTimer, error) {
	return getItem(ctx, &s.mu, s.timers, execKey{tenantID, id}, func() error {
		return failure.NotFound("timer", idString(id))
	})
}

// ListTimers returns the timers of an execution ordered by fire time.
func (s *MemoryStorage) ListTimers(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowTimer, error) {
	return withContext(ctx, func() ([]types.WorkflowTimer, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowTimer, 0)
		for k, t := range s.timers {
			if k.tenant == tenantID && t.ExecutionID == executionID {
				out = append(out, t)
			}
		}
		sortTimers(out)
		return out, nil
	})
}

func sortTimers(out []types.WorkflowTimer) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireTime.Equal(out[j].FireTime) {
			return out[i].FireTime.Before(out[j].FireTime)
		}
		return out[i].ID < out[j].ID
	})
}

// DueTimers returns pending timers whose fire time has passed.
func (s *MemoryStorage) DueTimers(ctx context.Context, now time.Time, limit int) ([]types.WorkflowTimer, error) {
	return withContext(ctx, func() ([]types.WorkflowTimer, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowTimer, 0)
		for _, t := range s.timers {
			if t.Status == types.TimerPending && !t.FireTime.After(now) {
				out = append(out, t)
			}
		}
		sortTimers(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// ClaimTimer marks a pending timer fired and inserts its successor atomically.
func (s *MemoryStorage) ClaimTimer(ctx context.Context, tenantID string, id uint64, firedAt time.Time, successor *types.WorkflowTimer) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := execKey{tenantID, id}
		t, ok := s.timers[k]
		if !ok {
			return false, failure.NotFound("timer", idString(id))
		}
		if t.Status != types.TimerPending {
			return false, nil
		}
		t.Status = types.TimerFired
		t.FiredAt = &firedAt
		s.timers[k] = t
		if successor != nil {
			s.timers[execKey{successor.TenantID, successor.ID}] = *successor
		}
		return true, nil
	})
}

// CancelTimers cancels pending timers of an execution.
func (s *MemoryStorage) CancelTimers(ctx context.Context, tenantID string, executionID uint64, state string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for k, t := range s.timers {
			if k.tenant != tenantID || t.ExecutionID != executionID || t.Status != types.TimerPending {
				continue
			}
			if state != "" && t.State != state {
				continue
			}
			t.Status = types.TimerCancelled
			s.timers[k] = t
			n++
		}
		return n, nil
	})
}

// Ping always succeeds.
func (s *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }
