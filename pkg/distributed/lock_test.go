package distributed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLock_TryLockExclusive(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "lock:doc-1", time.Second)
	second := NewDistributedLock(client, "lock:doc-1", time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestLock_UnlockNotHeld(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "lock:doc-1", time.Second)
	other := NewDistributedLock(client, "lock:doc-1", time.Second)

	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, other.Unlock(ctx), ErrLockNotHeld)

	locked, err := holder.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, holder.Unlock(ctx))
	// a second unlock is harmless apart from the error
	assert.ErrorIs(t, holder.Unlock(ctx), ErrLockNotHeld)
}

func TestLock_TimeoutWhileHeld(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "lock:doc-1", 5*time.Second)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Unlock(ctx)

	waiter := NewDistributedLock(client, "lock:doc-1", 5*time.Second)
	err = waiter.LockWithTimeout(ctx, 120*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLock_ExpiredLockCanBeTaken(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "lock:doc-1", time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	waiter := NewDistributedLock(client, "lock:doc-1", time.Minute)
	ok, err = waiter.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockManager_WithLockSerializes(t *testing.T) {
	_, client := newTestClient(t)
	lm := NewLockManager(client, "labnote:persist:", 2*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lm.WithLock(context.Background(), "doc-1", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLockManager_WithLockPropagatesError(t *testing.T) {
	_, client := newTestClient(t)
	lm := NewLockManager(client, "labnote:persist:", time.Second)
	boom := errors.New("boom")

	err := lm.WithLock(context.Background(), "doc-1", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	locked, err := lm.AcquireLock("doc-1").IsLocked(context.Background())
	require.NoError(t, err)
	assert.False(t, locked, "lock must be released after fn returns")
}
