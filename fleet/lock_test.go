package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/conveyor/internal/cache"
)

func TestSQLLockMutualExclusion(t *testing.T) {
	m := NewSQLLockManager(testDB(t), nil)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "desktop-1", "rb-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be stolen")

	// Holder re-acquire extends.
	ok, err = m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLLockExpiredTakeover(t *testing.T) {
	m := NewSQLLockManager(testDB(t), nil)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "desktop-1", "rb-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is claimable")
}

func TestSQLLockRelease(t *testing.T) {
	m := NewSQLLockManager(testDB(t), nil)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, m.Release(ctx, "desktop-1", "rb-b"), ErrNotLockHolder)
	require.NoError(t, m.Release(ctx, "desktop-1", "rb-a"))

	ok, err = m.Acquire(ctx, "desktop-1", "rb-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func redisLockManager(t *testing.T) (*RedisLockManager, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	mgr := cache.NewManagerFromClient(client, nil)
	t.Cleanup(func() { _ = mgr.Close() })
	return NewRedisLockManager(mgr, nil), srv
}

func TestRedisLockMutualExclusion(t *testing.T) {
	m, _ := redisLockManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "desktop-1", "rb-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquire extends the lease")
}

func TestRedisLockExpiry(t *testing.T) {
	m, srv := redisLockManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)

	ok, err = m.Acquire(ctx, "desktop-1", "rb-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReleaseChecksHolder(t *testing.T) {
	m, _ := redisLockManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "desktop-1", "rb-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, m.Release(ctx, "desktop-1", "rb-b"), ErrNotLockHolder)
	require.NoError(t, m.Release(ctx, "desktop-1", "rb-a"))
	assert.ErrorIs(t, m.Release(ctx, "desktop-1", "rb-a"), ErrNotLockHolder)
}
