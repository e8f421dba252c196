package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CheckIn/internal/util"
)

// ErrLockTimeout is returned when a session lock could not be acquired before
// the context expired.
var ErrLockTimeout = errors.New("timed out waiting for session lock")

// Locker serializes work per session. The returned function releases the lock
// and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// Compile-time check that KeyedMutex implements Locker.
var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until the key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, e, true) }) }, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Redis lock defaults.
const (
	DefaultRedisLockTTL   = 2 * time.Minute
	DefaultRedisLockRetry = 50 * time.Millisecond
	redisLockPrefix       = "checkin:lock:"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder never frees a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds a session lock across replicas. It takes the in-process
// lock first so goroutines in one replica do not spin against Redis.
type RedisLocker struct {
	client *redis.Client
	local  *KeyedMutex
	ttl    time.Duration
	retry  time.Duration
}

// Compile-time check that RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps a Redis client. ttl bounds how long a crashed holder
// can block a session.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	return &RedisLocker{
		client: client,
		local:  NewKeyedMutex(),
		ttl:    ttl,
		retry:  DefaultRedisLockRetry,
	}
}

// NewRedisLockerFromURL parses a redis:// URL and verifies the server answers.
func NewRedisLockerFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisLocker: connected", "addr", opts.Addr, "db", opts.DB)
	return NewRedisLocker(client, ttl), nil
}

// Lock acquires the local lock, then polls SET NX until it wins or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := redisLockPrefix + key
	token := util.GenerateRandomHex(16)
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			unlockLocal()
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("RedisLocker.Unlock: release failed, lock will expire", "key", key, "error", err)
			}
			unlockLocal()
		})
	}, nil
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
