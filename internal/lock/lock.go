// Package lock provides the system-wide lock guarding the bank latest-total
// marker while a settlement or its rollback runs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// RedisLocker shares the lock between every process using the same redis.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	const step = 100 * time.Millisecond
	attempts := int(wait / step)
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(step), attempts),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	lease, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisLease{lock: lease}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r redisLease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// LocalLocker serializes callers of one process.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
	wait time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{keys: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.keys[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return localLease{ch: ch}, nil
	default:
	}
	if l.wait <= 0 {
		return nil, ErrNotObtained
	}
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return localLease{ch: ch}, nil
	case <-timer.C:
		return nil, ErrNotObtained
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localLease struct {
	ch chan struct{}
}

func (l localLease) Release(_ context.Context) error {
	select {
	case <-l.ch:
	default:
	}
	return nil
}
