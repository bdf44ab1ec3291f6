package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "wf:lock:"

var (
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisLocker is a Locker backed by SET NX PX with token-checked renew/release scripts.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a RedisLocker. The caller owns the client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryAcquire sets the key only if absent.
func (l *RedisLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
}

// Renew extends the key's TTL if it still holds token.
func (l *RedisLocker) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the key if it still holds token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
