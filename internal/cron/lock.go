package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 2 * time.Hour

// Lock hands out an exclusive lease. Acquire returns the owner token Extend and Release must
// present.
type Lock interface {
	Acquire(ctx context.Context) (owner string, ok bool, err error)
	// Extend resets the TTL while owner still holds the lease. ok is false once it was lost.
	Extend(ctx context.Context, owner string) (ok bool, err error)
	Release(ctx context.Context, owner string) error
	TTL() time.Duration
}

// redisStore defines the operations used by RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock implements Lock using Redis SETNX + TTL. The TTL bounds a crashed holder; owner
// checks run server-side so an expired lease taken by another run is never touched.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
}

// NewRedisLock constructs a Redis-backed lease.
func NewRedisLock(client redisStore, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// Key returns the Redis key guarding the lease.
func (l *RedisLock) Key() string { return l.key }

// TTL returns the lease duration granted by Acquire and Extend.
func (l *RedisLock) TTL() time.Duration { return l.ttl }

// Acquire tries to own the lease for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (string, bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return "", false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return owner, true, nil
}

// Extend pushes the expiry one TTL out from now.
func (l *RedisLock) Extend(ctx context.Context, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	res, err := l.client.RunScript(ctx, extendScript, []string{l.key}, owner, l.ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return scriptHit(res), nil
}

// Release frees the lease only while owner still holds it.
func (l *RedisLock) Release(ctx context.Context, owner string) error {
	if owner == "" {
		return nil
	}
	if _, err := l.client.RunScript(ctx, releaseScript, []string{l.key}, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func scriptHit(res any) bool {
	n, ok := res.(int64)
	return ok && n > 0
}
