// Package lock provides a Redis-backed distributed lock with bounded waiting.
// Waiters subscribe to a per-key channel and retry when the holder announces
// release, with a polling fallback so a lost message never strands a waiter.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"concert-ticketing/status"
)

// releaseScript deletes the lock only when the caller still owns it, then
// notifies one waiter.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("PUBLISH", KEYS[2], "released")
	return 1
end
return 0
`)

const pollInterval = 100 * time.Millisecond

// Provider hands out named locks. Services depend on this interface so tests
// can swap in an in-memory implementation.
type Provider interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error)
}

// Handle is an acquired lock. Release is safe to call once; releasing a lock
// whose lease already expired is a no-op.
type Handle interface {
	Release(ctx context.Context) error
}

type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

type redisHandle struct {
	client *redis.Client
	key    string
	token  string
}

func lockKey(key string) string    { return "lock:" + key }
func channelKey(key string) string { return "lock:ch:" + key }

// Acquire takes the lock or waits up to wait for it. The lease bounds how
// long the lock survives a crashed holder.
func (p *RedisProvider) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error) {
	token := uuid.NewString()

	ok, err := p.client.SetNX(ctx, lockKey(key), token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if ok {
		return &redisHandle{client: p.client, key: key, token: token}, nil
	}
	if wait <= 0 {
		return nil, fmt.Errorf("%w: %s", status.ErrLockNotAcquired, key)
	}

	sub := p.client.Subscribe(ctx, channelKey(key))
	defer sub.Close()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	notify := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", status.ErrLockWaitTimeout, key, wait)
		case <-notify:
		case <-poll.C:
		}

		ok, err := p.client.SetNX(ctx, lockKey(key), token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &redisHandle{client: p.client, key: key, token: token}, nil
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, h.client,
		[]string{lockKey(h.key), channelKey(h.key)}, h.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}

// WithLock runs fn under the named lock and always releases afterwards.
func WithLock(ctx context.Context, p Provider, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	h, err := p.Acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Release(releaseCtx)
	}()
	return fn(ctx)
}
