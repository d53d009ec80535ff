// Package ratelimit implements a fixed-window counter on Redis, shared by
// every producer and consumer using the same key. Windows are aligned to
// epoch boundaries, so a burst spanning a boundary can momentarily exceed
// the limit; callers must tolerate that.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrAllowFailed = errors.New("ratelimit: failed to check limit")

// Client is the slice of the Redis command surface the limiter needs.
// redis.UniversalClient satisfies it.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Limiter gates how many operations may happen per fixed time window.
type Limiter struct {
	client Client
	now    func() time.Time
}

// New creates a limiter on the given Redis client.
func New(client Client) *Limiter {
	return &Limiter{client: client, now: time.Now}
}

// bucket returns the storage key for the current window.
func (l *Limiter) bucket(key string, window time.Duration) string {
	idx := l.now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("%s:%d", key, idx)
}

// Allow increments the counter for the current window bucket and reports
// whether the post-increment count is within the limit. The first increment
// of a bucket arms its expiry, so stale buckets clean themselves up.
// INCR is atomic at the storage layer, making Allow safe across processes.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	b := l.bucket(key, window)

	n, err := l.client.Incr(ctx, b).Result()
	if err != nil {
		return false, errors.Join(ErrAllowFailed, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, b, window).Err(); err != nil {
			return false, errors.Join(ErrAllowFailed, err)
		}
	}

	return n <= limit, nil
}

// WaitForSlot blocks until Allow grants a slot, polling every pollInterval.
// It returns early if the context is canceled or the storage fails.
func (l *Limiter) WaitForSlot(ctx context.Context, key string, limit int64, window, pollInterval time.Duration) error {
	for {
		ok, err := l.Allow(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Remaining reports how many slots are left in the current window.
// A missing bucket means the full limit is available.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int64, window time.Duration) (int64, error) {
	n, err := l.client.Get(ctx, l.bucket(key, window)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return limit, nil
		}
		return 0, errors.Join(ErrAllowFailed, err)
	}
	return max(limit-n, 0), nil
}
