// Package locker provides Redis-backed advisory locks so periodic sweeps
// run on exactly one instance at a time.
package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = fmt.Errorf("lock not acquired")

// unlockScript deletes the key only when it still holds our token, so an
// expired lock reacquired by another instance is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker acquires named locks with a TTL in Redis.
type Locker struct {
	client *redis.Client
	prefix string
}

// New creates a Locker. The prefix namespaces lock keys per deployment.
func New(client *redis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "foundry"
	}
	return &Locker{client: client, prefix: prefix}
}

func (l *Locker) key(name string) string {
	return l.prefix + ":lock:" + name
}

// Acquire takes the named lock for at most ttl and returns an unlock
// function. Returns ErrNotAcquired when the lock is held elsewhere.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	unlock := func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{l.key(name)}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		return nil
	}
	return unlock, nil
}

// WithLock runs fn while holding the named lock. When the lock is held
// elsewhere fn is skipped and ErrNotAcquired is returned; the caller
// decides whether that matters.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	unlock, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlock(releaseCtx)
	}()
	return fn(ctx)
}
