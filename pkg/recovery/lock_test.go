package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/recovery"
)

func newTestLocker(t *testing.T) (*recovery.RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	return recovery.NewRedisLocker(client, "onward:"), server
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	release, acquired, err := locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A second holder is turned away without blocking.
	_, acquired, err = locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, release(ctx))

	release, acquired, err = locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, release(ctx))
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	locker, server := newTestLocker(t)

	_, acquired, err := locker.TryLock(ctx, "scan", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	server.FastForward(2 * time.Second)

	_, acquired, err = locker.TryLock(ctx, "scan", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisLockerReleaseIsTokenScoped(t *testing.T) {
	ctx := context.Background()
	locker, server := newTestLocker(t)

	staleRelease, acquired, err := locker.TryLock(ctx, "scan", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// The first holder's lock expires and someone else takes it.
	server.FastForward(2 * time.Second)

	_, acquired, err = locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, staleRelease(ctx))

	_, acquired, err = locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestNoopLockerAlwaysGrants(t *testing.T) {
	ctx := context.Background()
	locker := recovery.NoopLocker{}

	release, acquired, err := locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, release(ctx))

	_, acquired, err = locker.TryLock(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
