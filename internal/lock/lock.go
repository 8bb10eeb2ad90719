// Package lock serialises vault writers, either within one process or across
// replicas sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = errors.New("lock: not held")

// WriterLock grants exclusive write access to the vault.
type WriterLock interface {
	// Acquire blocks until the lock is held or ctx is done. The returned
	// function releases it.
	Acquire(ctx context.Context) (release func() error, err error)
	// TryAcquire takes the lock only if it is free right now. ok is false
	// when another writer holds it.
	TryAcquire(ctx context.Context) (release func() error, ok bool, err error)
}

// =============================================================================
// Local
// =============================================================================

// LocalLock is a context-aware mutex.
type LocalLock struct {
	ch chan struct{}
}

var _ WriterLock = (*LocalLock)(nil)

// NewLocal creates an in-process lock.
func NewLocal() *LocalLock {
	return &LocalLock{ch: make(chan struct{}, 1)}
}

func (l *LocalLock) Acquire(ctx context.Context) (func() error, error) {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.release(), nil
}

func (l *LocalLock) TryAcquire(context.Context) (func() error, bool, error) {
	select {
	case l.ch <- struct{}{}:
		return l.release(), true, nil
	default:
		return nil, false, nil
	}
}

func (l *LocalLock) release() func() error {
	var once sync.Once
	return func() error {
		once.Do(func() { <-l.ch })
		return nil
	}
}

// =============================================================================
// Redis
// =============================================================================

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLock.
type RedisConfig struct {
	Key        string
	TTL        time.Duration
	RetryDelay time.Duration
}

// RedisLock is a single-instance Redis lease (SET NX PX with a random token).
// The lease must outlive the longest mutation, adapter calls included.
type RedisLock struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

var _ WriterLock = (*RedisLock)(nil)

// NewRedis creates a Redis-backed lock.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *RedisLock {
	if cfg.Key == "" {
		cfg.Key = "vault:writer"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 25 * time.Millisecond
	}
	return &RedisLock{client: client, cfg: cfg}
}

func (l *RedisLock) Acquire(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", l.cfg.Key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return l.release(token), nil
}

func (l *RedisLock) TryAcquire(ctx context.Context) (func() error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.cfg.Key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.release(token), true, nil
}

func (l *RedisLock) release(token string) func() error {
	var (
		once sync.Once
		rerr error
	)
	return func() error {
		once.Do(func() {
			// Release must run even if the caller's context was cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.client, []string{l.cfg.Key}, token).Int()
			switch {
			case err != nil:
				rerr = fmt.Errorf("release %s: %w", l.cfg.Key, err)
			case n == 0:
				rerr = ErrNotHeld
			}
		})
		return rerr
	}
}
