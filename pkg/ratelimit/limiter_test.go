package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for the Redis commands the limiter uses.
type fakeClient struct {
	mu       sync.Mutex
	counters map[string]int64
	expires  map[string]time.Duration
	failIncr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		counters: make(map[string]int64),
		expires:  make(map[string]time.Duration),
	}
}

func (f *fakeClient) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIncr != nil {
		return redis.NewIntResult(0, f.failIncr)
	}
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeClient) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.counters[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.FormatInt(n, 10), nil)
}

func newTestLimiter(client Client) *Limiter {
	l := New(client)
	// Pin the clock mid-window so the bucket index is stable during the test.
	fixed := time.Date(2026, 3, 14, 9, 30, 15, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	return l
}

func TestAllow_WithinLimit(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)
	ctx := context.Background()

	const limit = 5
	for i := range limit {
		ok, err := l.Allow(ctx, "mailer", limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, "mailer", limit, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "call limit+1 must be denied")
}

func TestAllow_FirstIncrementArmsExpiry(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)

	_, err := l.Allow(context.Background(), "mailer", 10, time.Minute)
	require.NoError(t, err)

	require.Len(t, client.expires, 1)
	for _, ttl := range client.expires {
		assert.Equal(t, time.Minute, ttl)
	}

	// Subsequent increments must not rearm the expiry.
	clear(client.expires)
	_, err = l.Allow(context.Background(), "mailer", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, client.expires)
}

func TestAllow_SeparateKeys(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys must not share buckets")
}

func TestAllow_StorageError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.failIncr = errors.New("boom")
	l := newTestLimiter(client)

	_, err := l.Allow(context.Background(), "mailer", 5, time.Minute)
	assert.ErrorIs(t, err, ErrAllowFailed)
}

func TestWaitForSlot_Polls(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)
	ctx := context.Background()

	// Exhaust the window.
	const limit = 2
	for range limit {
		_, err := l.Allow(ctx, "mailer", limit, time.Hour)
		require.NoError(t, err)
	}

	// A canceled context must break the poll loop instead of spinning forever.
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.WaitForSlot(waitCtx, "mailer", limit, time.Hour, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForSlot_Immediate(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)

	err := l.WaitForSlot(context.Background(), "mailer", 5, time.Minute, time.Millisecond)
	assert.NoError(t, err)
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	l := newTestLimiter(client)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "mailer", 5, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n, "untouched bucket leaves the full limit")

	for range 3 {
		_, err := l.Allow(ctx, "mailer", 5, time.Minute)
		require.NoError(t, err)
	}

	n, err = l.Remaining(ctx, "mailer", 5, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for range 10 {
		_, _ = l.Allow(ctx, "mailer", 5, time.Minute)
	}
	n, err = l.Remaining(ctx, "mailer", 5, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "overshoot clamps to zero")
}
