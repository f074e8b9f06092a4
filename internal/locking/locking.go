// Package locking serializes work that must not run concurrently: inbound messages of
// the same lead, and overlapping runs of the reminder and follow-up dispatchers.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryAcquire when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held by another dispatcher")

// KeyedMutex hands out one mutex per key. Entries are dropped once no goroutine holds
// or waits for them, so the map only grows with the number of active keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the mutex for key is held and returns the function releasing it.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently tracked.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// TickLocker guards a named periodic job so that overlapping triggers skip instead of
// running twice. TryAcquire returns ErrLockHeld when the job is already running.
type TickLocker interface {
	TryAcquire(ctx context.Context, name string) (release func(), err error)
}

// LocalTickLocker is a process-local TickLocker.
type LocalTickLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalTickLocker creates a LocalTickLocker.
func NewLocalTickLocker() *LocalTickLocker {
	return &LocalTickLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalTickLocker) TryAcquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, ErrLockHeld
	}
	return m.Unlock, nil
}

// DefaultLockTTL bounds how long a crashed dispatcher can keep a Redis lock.
const DefaultLockTTL = 2 * time.Minute

// RedisTickLocker shares TickLocker state between replicas through Redis.
type RedisTickLocker struct {
	locker *redislock.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisTickLocker.
type RedisOption func(*RedisTickLocker)

// WithTTL sets the expiry of obtained locks.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisTickLocker) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix for lock names.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisTickLocker) {
		r.prefix = prefix
	}
}

// NewRedisTickLocker wraps an existing go-redis client.
func NewRedisTickLocker(rdb redislock.RedisClient, opts ...RedisOption) *RedisTickLocker {
	r := &RedisTickLocker{locker: redislock.New(rdb), prefix: "leadpipe:lock:", ttl: DefaultLockTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Info("DialRedis: connected", "addr", addr)
	return rdb, nil
}

func (r *RedisTickLocker) TryAcquire(ctx context.Context, name string) (func(), error) {
	lock, err := r.locker.Obtain(ctx, r.prefix+name, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain redis lock %s: %w", name, err)
	}
	return func() {
		// Release uses a fresh context so a cancelled request still frees the lock.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			slog.Warn("RedisTickLocker.TryAcquire: failed to release lock", "name", name, "error", err)
		}
	}, nil
}
