package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Minute)

	first, err := locker.Acquire(ctx, "data/1/r/2025-01-01_DAILY.json")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "data/1/r/2025-01-01_DAILY.json")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := locker.Acquire(ctx, "data/1/r/2025-01-02_DAILY.json")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := locker.Acquire(ctx, "data/1/r/2025-01-01_DAILY.json")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Minute)

	stale, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"k"))

	mr.FastForward(2 * time.Minute)

	fresh, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	// The stale holder must not release the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(keyPrefix+"k"))

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists(keyPrefix+"k"))
}

func TestRedisLockerDefaultTTL(t *testing.T) {
	_, client := setupTestRedis(t)
	assert.Equal(t, 15*time.Minute, NewRedisLocker(client, 0).ttl)
}

func TestRedisLockerRenewsUntilReleased(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 90*time.Millisecond)

	l, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(60 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL(keyPrefix+"k") == 90*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists(keyPrefix+"k"))
}

func TestRedisLockerDoesNotRenewForeignLease(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 90*time.Millisecond)

	l, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	// Another worker took the key over without a TTL.
	require.NoError(t, mr.Set(keyPrefix+"k", "other"))
	assert.Never(t, func() bool {
		return mr.TTL(keyPrefix+"k") != 0
	}, 150*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, l.Release(ctx))
	mr.CheckGet(t, keyPrefix+"k", "other")
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	a, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := locker.Acquire(ctx, "j")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, a.Release(ctx))
	b, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	// A second release of a stale lease leaves the new holder alone.
	require.NoError(t, a.Release(ctx))
	_, err = locker.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrLeaseHeld)
	require.NoError(t, b.Release(ctx))
}

func TestLocalLockerConcurrent(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	leases := make(chan Lease, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l, err := locker.Acquire(ctx, "k"); err == nil {
				granted.Add(1)
				leases <- l
			}
		}()
	}
	close(start)
	wg.Wait()
	close(leases)

	assert.Equal(t, int32(1), granted.Load())
	for l := range leases {
		require.NoError(t, l.Release(ctx))
	}
}
