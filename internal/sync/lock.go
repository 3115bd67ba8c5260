package sync

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes sync runs per user.
type Locker interface {
	Acquire(ctx context.Context, userEmail string) (bool, error)
	Release(ctx context.Context, userEmail string)
}

type nopLocker struct{}

// NopLocker always grants the lock. Used when redis is not configured:
// a single process is then the only writer anyway.
func NopLocker() Locker { return nopLocker{} }

func (nopLocker) Acquire(context.Context, string) (bool, error) { return true, nil }
func (nopLocker) Release(context.Context, string)               {}

// RedisLocker is an advisory per-user lock on redis SETNX. The TTL bounds
// how long a crashed holder can block other workers.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, ttl: 2 * time.Minute}
}

func (l *RedisLocker) Acquire(ctx context.Context, userEmail string) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, "sync:lock:"+userEmail, "1", l.ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, userEmail string) {
	if l.client == nil {
		return
	}
	l.client.Del(ctx, "sync:lock:"+userEmail)
}
