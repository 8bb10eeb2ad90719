package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func exerciseMutualExclusion(t *testing.T, l WriterLock) {
	t.Helper()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLocalLockMutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocalLockHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())
	require.NoError(t, release())

	release, err = l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	exerciseMutualExclusion(t, NewRedis(client, RedisConfig{Key: "test:writer", RetryDelay: time.Millisecond}))
}

func TestRedisLockReleaseDeletesKey(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedis(client, RedisConfig{Key: "test:writer", TTL: time.Minute})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:writer"))
	assert.Equal(t, time.Minute, mr.TTL("test:writer"))

	require.NoError(t, release())
	assert.False(t, mr.Exists("test:writer"))
}

func TestRedisLockExpiredLeaseIsNotReleasedTwice(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedis(client, RedisConfig{Key: "test:writer", TTL: time.Second, RetryDelay: time.Millisecond})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	other, err := l.Acquire(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, release(), ErrNotHeld)
	assert.True(t, mr.Exists("test:writer"))
	require.NoError(t, other())
}

func TestRedisLockWaitHonoursContext(t *testing.T) {
	_, client := newRedis(t)
	l := NewRedis(client, RedisConfig{Key: "test:writer", RetryDelay: time.Millisecond})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func exerciseTryAcquire(t *testing.T, l WriterLock) {
	t.Helper()
	ctx := context.Background()
	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release())
	tryRelease, ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tryRelease())
}

func TestLocalLockTryAcquire(t *testing.T) {
	exerciseTryAcquire(t, NewLocal())
}

func TestRedisLockTryAcquire(t *testing.T) {
	_, client := newRedis(t)
	exerciseTryAcquire(t, NewRedis(client, RedisConfig{Key: "test:writer", RetryDelay: time.Millisecond}))
}
