package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this instance")
)

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock provides distributed locking using Redis
type DistributedLock struct {
	client    redis.UniversalClient
	key       string
	value     string // Unique identifier for this lock holder
	ttl       time.Duration
	retry     time.Duration
	stopRenew chan struct{}
	stopOnce  sync.Once
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		retry:     50 * time.Millisecond,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Key returns the Redis key guarded by the lock.
func (l *DistributedLock) Key() string {
	return l.key
}

// Lock acquires the lock, blocking until it's available or ctx is done.
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, 0)
}

// LockWithTimeout acquires the lock with a timeout. A zero timeout waits up
// to the lock TTL, after which a crashed holder's lock has expired.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = l.ttl
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", l.key, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// TryLock attempts to acquire the lock without blocking
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if acquired {
		go l.renewLock()
		return true, nil
	}

	return false, nil
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// renewLock extends the TTL at half-life while the lock is held.
func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || renewed == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// IsLocked checks if the lock is currently held by anyone
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager manages distributed locks
type LockManager struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLockManager creates a new lock manager
func NewLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// AcquireLock returns an unlocked lock for key.
func (lm *LockManager) AcquireLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}

// WithLock runs fn while holding the lock for key.
func (lm *LockManager) WithLock(ctx context.Context, key string, fn func() error) (err error) {
	lock := lm.AcquireLock(key)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		// use a fresh context so a cancelled caller still releases the lock
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if unlockErr := lock.Unlock(unlockCtx); unlockErr != nil && err == nil && !errors.Is(unlockErr, ErrLockNotHeld) {
			err = unlockErr
		}
	}()
	return fn()
}
