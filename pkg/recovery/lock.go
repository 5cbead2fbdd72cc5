package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still holds our token, so
// an expired lock reacquired by another scanner is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ReleaseFunc releases a held lock.
type ReleaseFunc func(ctx context.Context) error

// Locker serializes recovery scans across worker processes.
type Locker interface {
	// TryLock attempts to acquire the named lock without blocking. ok is
	// false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error)
}

// RedisLocker implements Locker on Redis SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis error acquiring lock %s: %w", lockKey, err)
	}

	if !acquired {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
		if err != nil {
			return fmt.Errorf("redis error releasing lock %s: %w", lockKey, err)
		}

		return nil
	}

	return release, true, nil
}

// NoopLocker always grants the lock. Used in single-process deployments and
// tests.
type NoopLocker struct{}

func (NoopLocker) TryLock(_ context.Context, _ string, _ time.Duration) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
