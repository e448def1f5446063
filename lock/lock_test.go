package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLockMutualExclusion(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	release, acquired, err := locker.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	// a different subscription is unaffected
	otherRelease, other, err := locker.AcquireBillingLock(ctx, "sub-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
	otherRelease()

	release()
	releaseTwo, reacquired, err := locker.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reacquired)
	releaseTwo()
}

func TestMemoryLockConcurrentAcquire(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, acquired, err := locker.AcquireBillingLock(ctx, "sub-1", time.Minute)
			if err == nil && acquired {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func newRedisManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	manager, err := NewManager(zap.NewNop(), client)
	require.NoError(t, err)
	return manager, mr
}

func TestRedisLeaseMutualExclusion(t *testing.T) {
	manager, _ := newRedisManager(t)
	ctx := context.Background()

	release, acquired, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	release()

	releaseTwo, reacquired, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reacquired)
	releaseTwo()
}

func TestRedisLeaseExpiresAfterTTL(t *testing.T) {
	manager, mr := newRedisManager(t)
	ctx := context.Background()

	_, acquired, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// a crashed worker never releases; the lease must expire on its own
	mr.FastForward(2 * time.Minute)

	release, reacquired, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reacquired)
	release()
}

func TestRedisLeaseStaleReleaseIsNoop(t *testing.T) {
	manager, mr := newRedisManager(t)
	ctx := context.Background()

	staleRelease, acquired, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Minute)

	// the lease expired and another worker took it over
	holderRelease, taken, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	require.True(t, taken)

	// the stale holder's release must not free the new lease
	staleRelease()
	_, contended, err := manager.AcquireBillingLock(ctx, "sub-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, contended)

	holderRelease()
}

func TestAcquireRequiresSubscriptionID(t *testing.T) {
	manager, _ := newRedisManager(t)

	_, _, err := manager.AcquireBillingLock(context.Background(), "", time.Minute)
	assert.Error(t, err)
}
