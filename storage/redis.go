package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Conditional writes run as Lua scripts so each one is a single atomic step.
type RedisStorage struct {
	client redis.UniversalClient
	owned  bool
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, owned: true}, nil
}

// NewRedisStorageFromClient wraps an existing client. The caller owns it.
func NewRedisStorageFromClient(client redis.UniversalClient) *RedisStorage {
	return &RedisStorage{client: client}
}

// Client returns the underlying client, shared with the Redis locker.
func (s *RedisStorage) Client() redis.UniversalClient { return s.client }

func transientRedis(op string, err error) error {
	return failure.Transient("redis "+op, err)
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return string(data), nil
}

// getFromRedis retrieves and unmarshals a hash field.
func getFromRedis[T any](ctx context.Context, client redis.UniversalClient, key, field string, notFound func() error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, notFound()
		} else if err != nil {
			return zero, transientRedis("get "+key, err)
		}
		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		data, err := encode(def)
		if err != nil {
			return err
		}
		if err := s.client.HSet(ctx, definitionKey(def.Name, def.Version), "data", data).Err(); err != nil {
			return transientRedis("save definition", err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, name string, version int) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionKey(name, version), "data", func() error {
		return failure.NotFound("definition", types.DefinitionKey(name, version))
	})
}

var createExecutionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'seq', ARGV[2])
return 1
`)

// CreateExecution inserts a new execution.
func (s *RedisStorage) CreateExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		data, err := encode(exec)
		if err != nil {
			return err
		}
		n, err := createExecutionScript.Run(ctx, s.client, []string{executionKey(exec.TenantID, exec.ID)},
			data, exec.LastSequence).Int64()
		if err != nil {
			return transientRedis("create execution", err)
		}
		if n == 0 {
			return failure.Conflict("execution", idString(exec.ID), "already exists")
		}
		return nil
	})
}

// GetExecution retrieves an execution.
func (s *RedisStorage) GetExecution(ctx context.Context, tenantID string, id uint64) (types.WorkflowExecution, error) {
	return getFromRedis[types.WorkflowExecution](ctx, s.client, executionKey(tenantID, id), "data", func() error {
		return failure.NotFound("execution", idString(id))
	})
}

var updateExecutionScript = redis.NewScript(`
local seq = redis.call('HGET', KEYS[1], 'seq')
if not seq then
	return -1
end
if seq ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'seq', ARGV[3])
return 1
`)

// UpdateExecution replaces an execution guarded by its last sequence.
func (s *RedisStorage) UpdateExecution(ctx context.Context, exec types.WorkflowExecution, expectedSeq uint64) error {
	return withContextError(ctx, func() error {
		data, err := encode(exec)
		if err != nil {
			return err
		}
		n, err := updateExecutionScript.Run(ctx, s.client, []string{executionKey(exec.TenantID, exec.ID)},
			strconv.FormatUint(expectedSeq, 10), data, strconv.FormatUint(exec.LastSequence, 10)).Int64()
		if err != nil {
			return transientRedis("update execution", err)
		}
		switch n {
		case -1:
			return failure.NotFound("execution", idString(exec.ID))
		case 0:
			return failure.Conflict("execution", idString(exec.ID), fmt.Sprintf("sequence moved from %d", expectedSeq))
		}
		return nil
	})
}

var appendEventScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) + 1 ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// AppendEvent appends an event at the next sequence.
func (s *RedisStorage) AppendEvent(ctx context.Context, ev types.WorkflowEvent) error {
	return withContextError(ctx, func() error {
		data, err := encode(ev)
		if err != nil {
			return err
		}
		n, err := appendEventScript.Run(ctx, s.client, []string{eventsKey(ev.TenantID, ev.ExecutionID)},
			ev.Sequence, data).Int64()
		if err != nil {
			return transientRedis("append event", err)
		}
		if n == 0 {
			return failure.Conflict("event", idString(ev.ExecutionID), fmt.Sprintf("sequence %d taken", ev.Sequence))
		}
		return nil
	})
}

// ReadEvents returns events after the given sequence.
func (s *RedisStorage) ReadEvents(ctx context.Context, tenantID string, executionID, after uint64) ([]types.WorkflowEvent, error) {
	return withContext(ctx, func() ([]types.WorkflowEvent, error) {
		raw, err := s.client.LRange(ctx, eventsKey(tenantID, executionID), int64(after), -1).Result()
		if err != nil {
			return nil, transientRedis("read events", err)
		}
		out := make([]types.WorkflowEvent, 0, len(raw))
		for _, item := range raw {
			var ev types.WorkflowEvent
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event of execution %d: %w", executionID, err)
			}
			out = append(out, ev)
		}
		return out, nil
	})
}

// LastSequence returns the highest stored event sequence.
func (s *RedisStorage) LastSequence(ctx context.Context, tenantID string, executionID uint64) (uint64, error) {
	return withContext(ctx, func() (uint64, error) {
		n, err := s.client.LLen(ctx, eventsKey(tenantID, executionID)).Result()
		if err != nil {
			return 0, transientRedis("last sequence", err)
		}
		return uint64(n), nil
	})
}

var saveSnapshotScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
return 1
`)

// SaveSnapshot inserts a snapshot once per version.
func (s *RedisStorage) SaveSnapshot(ctx context.Context, snap types.WorkflowSnapshot) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		data, err := encode(snap)
		if err != nil {
			return false, err
		}
		keys := []string{snapshotsKey(snap.TenantID, snap.ExecutionID), snapshotIndexKey(snap.TenantID, snap.ExecutionID)}
		n, err := saveSnapshotScript.Run(ctx, s.client, keys, strconv.FormatUint(snap.Version, 10), data).Int64()
		if err != nil {
			return false, transientRedis("save snapshot", err)
		}
		return n == 1, nil
	})
}

// LatestSnapshot returns the highest-version snapshot.
func (s *RedisStorage) LatestSnapshot(ctx context.Context, tenantID string, executionID uint64) (types.WorkflowSnapshot, error) {
	return withContext(ctx, func() (types.WorkflowSnapshot, error) {
		versions, err := s.client.ZRevRange(ctx, snapshotIndexKey(tenantID, executionID), 0, 0).Result()
		if err != nil {
			return types.WorkflowSnapshot{}, transientRedis("latest snapshot", err)
		}
		if len(versions) == 0 {
			return types.WorkflowSnapshot{}, failure.NotFound("snapshot", idString(executionID))
		}
		return getFromRedis[types.WorkflowSnapshot](ctx, s.client, snapshotsKey(tenantID, executionID), versions[0], func() error {
			return failure.NotFound("snapshot", idString(executionID))
		})
	})
}

var reserveActionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[2] == 'in_progress' and tonumber(ARGV[5]) > 0 then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
end
return 1
`)

func deadlineScore(res types.WorkflowActionResult) int64 {
	if res.Deadline == nil {
		return 0
	}
	return res.Deadline.UnixMilli()
}

// ReserveAction inserts the result if its idempotency key is free.
func (s *RedisStorage) ReserveAction(ctx context.Context, res types.WorkflowActionResult) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		data, err := encode(res)
		if err != nil {
			return false, err
		}
		keys := []string{
			actionKeyFor(res.TenantID, res.IdempotencyKey),
			executionActionsKey(res.TenantID, res.ExecutionID),
			inflightActionsKey,
		}
		n, err := reserveActionScript.Run(ctx, s.client, keys,
			data, string(res.Status), res.IdempotencyKey, indexMember(res.TenantID, res.IdempotencyKey), deadlineScore(res)).Int64()
		if err != nil {
			return false, transientRedis("reserve action", err)
		}
		return n == 1, nil
	})
}

// GetAction retrieves an action result by idempotency key.
func (s *RedisStorage) GetAction(ctx context.Context, tenantID, key string) (types.WorkflowActionResult, error) {
	return getFromRedis[types.WorkflowActionResult](ctx, s.client, actionKeyFor(tenantID, key), "data", func() error {
		return failure.NotFound("action result", key)
	})
}

var transitionActionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
local allowed = false
for i = 5, #ARGV do
	if ARGV[i] == cur then
		allowed = true
	end
end
if not allowed then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2])
if ARGV[2] == 'in_progress' and tonumber(ARGV[4]) > 0 then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
else
	redis.call('ZREM', KEYS[2], ARGV[3])
end
return 1
`)

// TransitionAction replaces a result whose status is one of from.
func (s *RedisStorage) TransitionAction(ctx context.Context, res types.WorkflowActionResult, from ...types.ActionStatus) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		data, err := encode(res)
		if err != nil {
			return false, err
		}
		args := []interface{}{data, string(res.Status), indexMember(res.TenantID, res.IdempotencyKey), deadlineScore(res)}
		for _, st := range from {
			args = append(args, string(st))
		}
		keys := []string{actionKeyFor(res.TenantID, res.IdempotencyKey), inflightActionsKey}
		n, err := transitionActionScript.Run(ctx, s.client, keys, args...).Int64()
		if err != nil {
			return false, transientRedis("transition action", err)
		}
		if n == -1 {
			return false, failure.NotFound("action result", res.IdempotencyKey)
		}
		return n == 1, nil
	})
}

// ListActions returns all results of an execution.
func (s *RedisStorage) ListActions(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowActionResult, error) {
	return withContext(ctx, func() ([]types.WorkflowActionResult, error) {
		keys, err := s.client.SMembers(ctx, executionActionsKey(tenantID, executionID)).Result()
		if err != nil {
			return nil, transientRedis("list actions", err)
		}
		out := make([]types.WorkflowActionResult, 0, len(keys))
		for _, key := range keys {
			res, err := s.GetAction(ctx, tenantID, key)
			if failure.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, res)
		}
		sortActions(out)
		return out, nil
	})
}

// ListStaleActions returns in-progress results past their deadline.
func (s *RedisStorage) ListStaleActions(ctx context.Context, cutoff time.Time, limit int) ([]types.WorkflowActionResult, error) {
	return withContext(ctx, func() ([]types.WorkflowActionResult, error) {
		members, err := s.client.ZRangeByScore(ctx, inflightActionsKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, transientRedis("list stale actions", err)
		}
		out := make([]types.WorkflowActionResult, 0, len(members))
		for _, m := range members {
			tenantID, key, err := parseIndexMember(m)
			if err != nil {
				return nil, err
			}
			res, err := s.GetAction(ctx, tenantID, key)
			if failure.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			if res.Status == types.ActionInProgress {
				out = append(out, res)
			}
		}
		return out, nil
	})
}

// SaveDependencies stores the dependency edges of an event once.
func (s *RedisStorage) SaveDependencies(ctx context.Context, tenantID string, eventID uint64, deps []types.WorkflowActionDependency) error {
	return withContextError(ctx, func() error {
		if deps == nil {
			deps = []types.WorkflowActionDependency{}
		}
		data, err := encode(deps)
		if err != nil {
			return err
		}
		if err := s.client.SetNX(ctx, dependenciesKey(tenantID, eventID), data, 0).Err(); err != nil {
			return transientRedis("save dependencies", err)
		}
		return nil
	})
}

// ListDependencies returns the dependency edges of an event.
func (s *RedisStorage) ListDependencies(ctx context.Context, tenantID string, eventID uint64) ([]types.WorkflowActionDependency, error) {
	return withContext(ctx, func() ([]types.WorkflowActionDependency, error) {
		data, err := s.client.Get(ctx, dependenciesKey(tenantID, eventID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return []types.WorkflowActionDependency{}, nil
		} else if err != nil {
			return nil, transientRedis("list dependencies", err)
		}
		var deps []types.WorkflowActionDependency
		if err := json.Unmarshal(data, &deps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies of event %d: %w", eventID, err)
		}
		return deps, nil
	})
}

var createSyncPointScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'total', ARGV[2], 'completed', ARGV[3], 'status', ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
return 1
`)

// CreateSyncPoint inserts a sync point once.
func (s *RedisStorage) CreateSyncPoint(ctx context.Context, sp types.WorkflowSyncPoint) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		data, err := encode(sp)
		if err != nil {
			return false, err
		}
		keys := []string{syncPointKey(sp.TenantID, sp.ID), executionSyncPointsKey(sp.TenantID, sp.ExecutionID)}
		n, err := createSyncPointScript.Run(ctx, s.client, keys,
			data, sp.TotalActions, sp.CompletedActions, string(sp.Status), idString(sp.ID)).Int64()
		if err != nil {
			return false, transientRedis("create sync point", err)
		}
		return n == 1, nil
	})
}

// GetSyncPoint retrieves a sync point with its live counters.
func (s *RedisStorage) GetSyncPoint(ctx context.Context, tenantID string, id uint64) (types.WorkflowSyncPoint, error) {
	return withContext(ctx, func() (types.WorkflowSyncPoint, error) {
		fields, err := s.client.HGetAll(ctx, syncPointKey(tenantID, id)).Result()
		if err != nil {
			return types.WorkflowSyncPoint{}, transientRedis("get sync point", err)
		}
		if len(fields) == 0 {
			return types.WorkflowSyncPoint{}, failure.NotFound("sync point", idString(id))
		}
		var sp types.WorkflowSyncPoint
		if err := json.Unmarshal([]byte(fields["data"]), &sp); err != nil {
			return types.WorkflowSyncPoint{}, fmt.Errorf("failed to unmarshal sync point %d: %w", id, err)
		}
		if n, err := strconv.Atoi(fields["completed"]); err == nil {
			sp.CompletedActions = n
		}
		sp.Status = types.SyncPointStatus(fields["status"])
		if at := fields["satisfied_at"]; at != "" {
			if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
				sp.SatisfiedAt = &t
			}
		}
		return sp, nil
	})
}

// ListSyncPoints returns the sync points of an execution.
func (s *RedisStorage) ListSyncPoints(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowSyncPoint, error) {
	return withContext(ctx, func() ([]types.WorkflowSyncPoint, error) {
		ids, err := s.client.SMembers(ctx, executionSyncPointsKey(tenantID, executionID)).Result()
		if err != nil {
			return nil, transientRedis("list sync points", err)
		}
		out := make([]types.WorkflowSyncPoint, 0, len(ids))
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			sp, err := s.GetSyncPoint(ctx, tenantID, id)
			if failure.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, sp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

var incrementSyncPointScript = redis.NewScript(`
local total = redis.call('HGET', KEYS[1], 'total')
if not total then
	return {-1, 0}
end
total = tonumber(total)
local completed = tonumber(redis.call('HGET', KEYS[1], 'completed'))
if completed >= total then
	return {completed, 0}
end
completed = redis.call('HINCRBY', KEYS[1], 'completed', 1)
if completed == total then
	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'satisfied_at', ARGV[2])
	return {completed, 1}
end
return {completed, 0}
`)

// IncrementSyncPoint bumps the completion counter in one script call.
func (s *RedisStorage) IncrementSyncPoint(ctx context.Context, tenantID string, id uint64, at time.Time) (types.WorkflowSyncPoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.WorkflowSyncPoint{}, false, err
	}
	res, err := incrementSyncPointScript.Run(ctx, s.client, []string{syncPointKey(tenantID, id)},
		string(types.SyncPointSatisfied), at.UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return types.WorkflowSyncPoint{}, false, transientRedis("increment sync point", err)
	}
	if len(res) != 2 {
		return types.WorkflowSyncPoint{}, false, fmt.Errorf("unexpected sync point reply %v", res)
	}
	completed, _ := res[0].(int64)
	flag, _ := res[1].(int64)
	if completed == -1 {
		return types.WorkflowSyncPoint{}, false, failure.NotFound("sync point", idString(id))
	}
	sp, err := s.GetSyncPoint(ctx, tenantID, id)
	if err != nil {
		return types.WorkflowSyncPoint{}, false, err
	}
	sp.CompletedActions = int(completed)
	return sp, flag == 1, nil
}

var createTimerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[2] == 'pending' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
end
return 1
`)

// CreateTimer inserts a timer and indexes it when pending.
func (s *RedisStorage) CreateTimer(ctx context.Context, t types.WorkflowTimer) error {
	return withContextError(ctx, func() error {
		data, err := encode(t)
		if err != nil {
			return err
		}
		keys := []string{timerKey(t.TenantID, t.ID), executionTimersKey(t.TenantID, t.ExecutionID), dueTimersKey}
		n, err := createTimerScript.Run(ctx, s.client, keys,
			data, string(t.Status), idString(t.ID), t.FireTime.UnixMilli(), indexMember(t.TenantID, idString(t.ID))).Int64()
		if err != nil {
			return transientRedis("create timer", err)
		}
		if n == 0 {
			return failure.Conflict("timer", idString(t.ID), "already exists")
		}
		return nil
	})
}

// GetTimer retrieves a timer.
func (s *RedisStorage) GetTimer(ctx context.Context, tenantID string, id uint64) (types.WorkflowTimer, error) {
	return withContext(ctx, func() (types.WorkflowTimer, error) {
		fields, err := s.client.HMGet(ctx, timerKey(tenantID, id), "data", "status").Result()
		if err != nil {
			return types.WorkflowTimer{}, transientRedis("get timer", err)
		}
		data, ok := fields[0].(string)
		if !ok {
			return types.WorkflowTimer{}, failure.NotFound("timer", idString(id))
		}
		var t types.WorkflowTimer
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return types.WorkflowTimer{}, fmt.Errorf("failed to unmarshal timer %d: %w", id, err)
		}
		if status, ok := fields[1].(string); ok {
			t.Status = types.TimerStatus(status)
		}
		return t, nil
	})
}

// ListTimers returns the timers of an execution ordered by fire time.
func (s *RedisStorage) ListTimers(ctx context.Context, tenantID string, executionID uint64) ([]types.WorkflowTimer, error) {
	return withContext(ctx, func() ([]types.WorkflowTimer, error) {
		ids, err := s.client.SMembers(ctx, executionTimersKey(tenantID, executionID)).Result()
		if err != nil {
			return nil, transientRedis("list timers", err)
		}
		out := make([]types.WorkflowTimer, 0, len(ids))
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			t, err := s.GetTimer(ctx, tenantID, id)
			if failure.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		sortTimers(out)
		return out, nil
	})
}

// DueTimers returns pending timers whose fire time has passed.
func (s *RedisStorage) DueTimers(ctx context.Context, now time.Time, limit int) ([]types.WorkflowTimer, error) {
	return withContext(ctx, func() ([]types.WorkflowTimer, error) {
		members, err := s.client.ZRangeByScore(ctx, dueTimersKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, transientRedis("due timers", err)
		}
		out := make([]types.WorkflowTimer, 0, len(members))
		for _, m := range members {
			tenantID, rawID, err := parseIndexMember(m)
			if err != nil {
				return nil, err
			}
			id, err := strconv.ParseUint(rawID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid timer id %q: %w", rawID, err)
			}
			t, err := s.GetTimer(ctx, tenantID, id)
			if failure.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			if t.Status == types.TimerPending {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

var claimTimerScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', 'fired')
redis.call('ZREM', KEYS[2], ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[3], 'data', ARGV[3], 'status', 'pending')
	redis.call('SADD', KEYS[4], ARGV[4])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
end
return 1
`)

// ClaimTimer marks a pending timer fired and inserts its successor in the same script.
func (s *RedisStorage) ClaimTimer(ctx context.Context, tenantID string, id uint64, firedAt time.Time, successor *types.WorkflowTimer) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		t, err := s.GetTimer(ctx, tenantID, id)
		if err != nil {
			return false, err
		}
		t.Status = types.TimerFired
		t.FiredAt = &firedAt
		fired, err := encode(t)
		if err != nil {
			return false, err
		}

		keys := []string{timerKey(tenantID, id), dueTimersKey, timerKey(tenantID, id), executionTimersKey(tenantID, t.ExecutionID)}
		args := []interface{}{fired, indexMember(tenantID, idString(id)), "", "", 0, ""}
		if successor != nil {
			succ, err := encode(successor)
			if err != nil {
				return false, err
			}
			keys[2] = timerKey(successor.TenantID, successor.ID)
			keys[3] = executionTimersKey(successor.TenantID, successor.ExecutionID)
			args[2] = succ
			args[3] = idString(successor.ID)
			args[4] = successor.FireTime.UnixMilli()
			args[5] = indexMember(successor.TenantID, idString(successor.ID))
		}
		n, err := claimTimerScript.Run(ctx, s.client, keys, args...).Int64()
		if err != nil {
			return false, transientRedis("claim timer", err)
		}
		if n == -1 {
			return false, failure.NotFound("timer", idString(id))
		}
		return n == 1, nil
	})
}

var cancelTimerScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', 'cancelled')
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// CancelTimers cancels pending timers of an execution.
func (s *RedisStorage) CancelTimers(ctx context.Context, tenantID string, executionID uint64, state string) (int, error) {
	return withContext(ctx, func() (int, error) {
		timers, err := s.ListTimers(ctx, tenantID, executionID)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, t := range timers {
			if t.Status != types.TimerPending || (state != "" && t.State != state) {
				continue
			}
			t.Status = types.TimerCancelled
			data, err := encode(t)
			if err != nil {
				return n, err
			}
			ok, err := cancelTimerScript.Run(ctx, s.client, []string{timerKey(tenantID, t.ID), dueTimersKey},
				data, indexMember(tenantID, idString(t.ID))).Int64()
			if err != nil {
				return n, transientRedis("cancel timer", err)
			}
			n += int(ok)
		}
		return n, nil
	})
}

// Ping verifies the Redis connection is alive.
func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return transientRedis("ping", err)
	}
	return nil
}

// Close closes the Redis client connection when this storage created it.
func (s *RedisStorage) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
