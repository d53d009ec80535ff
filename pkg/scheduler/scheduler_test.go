package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Flo-63/gratulo-sub000/pkg/cronspec"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []int64
	err   error
	fired chan int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan int64, 16)}
}

func (r *fakeRunner) ExecuteJob(ctx context.Context, jobID int64, logical time.Time) error {
	r.mu.Lock()
	r.calls = append(r.calls, jobID)
	r.mu.Unlock()
	r.fired <- jobID
	return r.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(t time.Time) *time.Time { return &t }

func TestRegister_ValidCron(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	err := s.Register(Job{ID: 1, Name: "birthdays", Cron: "0 8 * * *"})
	require.NoError(t, err)
	assert.True(t, s.Scheduled(1))
}

func TestRegister_MalformedCronNotInstalled(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	tests := []string{
		"0 8 * *",     // 4 fields
		"0 8 * * * *", // 6 fields
		"",
		"not a cron at all",
	}
	for i, expr := range tests {
		err := s.Register(Job{ID: int64(i + 1), Cron: expr})
		assert.ErrorIs(t, err, cronspec.ErrInvalidExpression, "expr %q", expr)
		assert.False(t, s.Scheduled(int64(i+1)))
	}
}

func TestRegister_PastOneShotSkipped(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	err := s.Register(Job{ID: 1, OnceAt: ptr(time.Now().Add(-time.Hour))})
	require.NoError(t, err)
	assert.False(t, s.Scheduled(1), "a one-shot job is never run retroactively")

	err = s.Register(Job{ID: 2, OnceAt: ptr(time.Now())})
	require.NoError(t, err)
	assert.False(t, s.Scheduled(2), "a timestamp at now is already in the past")
}

func TestRegister_NoScheduleAtAll(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	require.NoError(t, s.Register(Job{ID: 1}))
	assert.False(t, s.Scheduled(1))
}

func TestRegister_ReplacesExistingTrigger(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	require.NoError(t, s.Register(Job{ID: 1, Cron: "0 8 * * *"}))
	require.NoError(t, s.Register(Job{ID: 1, Cron: "30 9 * * *"}))

	assert.True(t, s.Scheduled(1))
	assert.Len(t, s.entries, 1)
}

func TestUnregister_Idempotent(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	require.NoError(t, s.Register(Job{ID: 1, Cron: "0 8 * * *"}))
	s.Unregister(1)
	assert.False(t, s.Scheduled(1))

	// Second removal and unknown ids are no-ops.
	s.Unregister(1)
	s.Unregister(99)
}

func TestResync_SkipsBrokenJobs(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	s.Resync([]Job{
		{ID: 1, Cron: "0 8 * * *"},
		{ID: 2, Cron: "broken"},
		{ID: 3, Cron: "30 18 * * 5"},
	})

	assert.True(t, s.Scheduled(1))
	assert.False(t, s.Scheduled(2))
	assert.True(t, s.Scheduled(3))
}

func TestOneShot_FiresAndSelfRemoves(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(runner, discard())

	require.NoError(t, s.Register(Job{ID: 7, OnceAt: ptr(time.Now().Add(20 * time.Millisecond))}))
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case id := <-runner.fired:
		assert.EqualValues(t, 7, id)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not fire")
	}

	// Self-removal may race the dispatch goroutine by a hair.
	assert.Eventually(t, func() bool { return !s.Scheduled(7) }, time.Second, 10*time.Millisecond)
}

func TestOneShot_RegisteredAfterStart(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(runner, discard())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.Register(Job{ID: 3, OnceAt: ptr(time.Now().Add(20 * time.Millisecond))}))

	select {
	case id := <-runner.fired:
		assert.EqualValues(t, 3, id)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not fire")
	}
}

func TestOneShot_UnregisterCancels(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(runner, discard())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.Register(Job{ID: 4, OnceAt: ptr(time.Now().Add(50 * time.Millisecond))}))
	s.Unregister(4)

	select {
	case <-runner.fired:
		t.Fatal("canceled one-shot job must not fire")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunnerErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.err = errors.New("execution blew up")
	s := New(runner, discard())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.Register(Job{ID: 5, OnceAt: ptr(time.Now().Add(20 * time.Millisecond))}))

	select {
	case <-runner.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
	// The scheduler absorbed the failure; registering further jobs still works.
	require.NoError(t, s.Register(Job{ID: 6, Cron: "0 8 * * *"}))
	assert.True(t, s.Scheduled(6))
}

func TestStartStop_Lifecycle(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotStarted)
}

func TestRunEvery_Ticks(t *testing.T) {
	t.Parallel()

	s := New(newFakeRunner(), discard())

	ticks := make(chan struct{}, 8)
	s.RunEvery("consumer", 15*time.Millisecond, func(ctx context.Context) {
		ticks <- struct{}{}
	})

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("interval task never ran")
	}
}
