// Package redislock provides a Redis-backed mutual exclusion lock for periodic jobs.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "vaultshop:lock:"

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

var ErrInvalidLockConfig = errors.New("invalid lock config")

// Client is the subset of a go-redis client used by Locker.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Locker acquires short-lived named locks owned by a single process.
type Locker struct {
	client Client
	owner  string
}

func New(client Client) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidLockConfig)
	}
	return &Locker{client: client, owner: uuid.NewString()}, nil
}

// TryLock attempts to take name for ttl. The returned release func is a no-op when the lock was not acquired.
func (locker *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, func(context.Context) error, error) {
	if name == "" {
		return false, nil, fmt.Errorf("%w: lock name is required", ErrInvalidLockConfig)
	}
	if ttl <= 0 {
		return false, nil, fmt.Errorf("%w: lock ttl must be positive", ErrInvalidLockConfig)
	}
	key := keyPrefix + name
	acquired, err := locker.client.SetNX(ctx, key, locker.owner, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !acquired {
		return false, func(context.Context) error { return nil }, nil
	}
	release := func(ctx context.Context) error {
		if err := locker.client.Eval(ctx, releaseScript, []string{key}, locker.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release %s: %w", name, err)
		}
		return nil
	}
	return true, release, nil
}
