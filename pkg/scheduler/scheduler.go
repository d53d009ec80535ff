// Package scheduler owns the set of active job triggers: cron entries for
// recurring jobs and timers for one-shot jobs. Firing dispatches job
// execution on its own goroutine, so a slow job can never delay other jobs'
// due times.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Flo-63/gratulo-sub000/pkg/cronspec"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
)

// Runner is the execution capability the scheduler fires into.
type Runner interface {
	ExecuteJob(ctx context.Context, jobID int64, logical time.Time) error
}

// Job is a scheduling definition: exactly one of Cron (recurring) or OnceAt
// (one-shot) should be set.
type Job struct {
	ID     int64
	Name   string
	Cron   string
	OnceAt *time.Time
}

// Scheduler holds all active triggers. Construct with New, then Start; it is
// an explicit, injectable object so tests can run their own instance.
type Scheduler struct {
	runner Runner
	log    *slog.Logger
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[int64]cron.EntryID
	timers  map[int64]*time.Timer
	pending map[int64]time.Time // one-shots registered before Start

	intervals []intervalTask

	started bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

type intervalTask struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context)
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLocation sets the time zone logical dates are computed in.
// Default: time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New creates a stopped scheduler dispatching into runner.
func New(runner Runner, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		log:     log,
		loc:     time.Local,
		now:     time.Now,
		entries: make(map[int64]cron.EntryID),
		timers:  make(map[int64]*time.Timer),
		pending: make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLocation(s.loc))
	return s
}

// Start begins firing triggers. Jobs may be registered before Start; their
// triggers arm when the scheduler starts.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.cron.Start()

	for id, at := range s.pending {
		s.armOnceLocked(id, at)
	}
	clear(s.pending)

	for _, task := range s.intervals {
		go s.runInterval(task)
	}

	s.log.Info("scheduler started", slog.Int("jobs", len(s.entries)+len(s.timers)))
	return nil
}

// Stop cancels all future triggers and waits for cron-fired work that the
// cron loop still tracks, bounded by ctx. In-flight job executions are not
// interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// Register installs the trigger for a job, replacing any existing one.
// A malformed cron expression is rejected with an error and the job stays
// unscheduled. A one-shot timestamp at or before now is skipped silently
// (logged, nil error): a one-shot job is never run retroactively.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(job.ID)

	switch {
	case job.Cron != "":
		schedule, err := cronspec.Parse(job.Cron)
		if err != nil {
			s.log.Error("invalid cron expression, job not scheduled",
				slog.Int64("job_id", job.ID),
				slog.String("cron", job.Cron),
				slog.Any("error", err),
			)
			return err
		}
		jobID := job.ID
		entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.dispatch(jobID, false)
		}))
		s.entries[job.ID] = entryID
		s.log.Info("job scheduled",
			slog.Int64("job_id", job.ID),
			slog.String("cron", job.Cron),
		)

	case job.OnceAt != nil:
		at := *job.OnceAt
		if !at.After(s.now()) {
			s.log.Info("one-shot job lies in the past, not scheduled",
				slog.Int64("job_id", job.ID),
				slog.Time("once_at", at),
			)
			return nil
		}
		if s.started {
			s.armOnceLocked(job.ID, at)
		} else {
			s.pending[job.ID] = at
		}
		s.log.Info("one-shot job scheduled",
			slog.Int64("job_id", job.ID),
			slog.Time("once_at", at),
		)

	default:
		s.log.Info("job has neither cron nor one-shot time, not scheduled",
			slog.Int64("job_id", job.ID),
		)
	}

	return nil
}

// Unregister removes a job's trigger. A no-op for unknown ids; an in-flight
// execution is not interrupted.
func (s *Scheduler) Unregister(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeLocked(jobID) {
		s.log.Info("job unscheduled", slog.Int64("job_id", jobID))
	}
}

// Resync re-registers every given job, used after bulk reload on startup.
// Individual registration failures are logged and skipped.
func (s *Scheduler) Resync(jobs []Job) {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			s.log.Error("resync: skipping job", slog.Int64("job_id", job.ID), slog.Any("error", err))
		}
	}
}

// Scheduled reports whether a trigger is currently installed for the job.
func (s *Scheduler) Scheduled(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, cronOK := s.entries[jobID]
	_, timerOK := s.timers[jobID]
	_, pendingOK := s.pending[jobID]
	return cronOK || timerOK || pendingOK
}

// RunEvery installs a fixed-interval background task tied to the scheduler
// lifecycle, e.g. the delivery queue consumer.
func (s *Scheduler) RunEvery(name string, every time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := intervalTask{name: name, every: every, fn: fn}
	s.intervals = append(s.intervals, task)
	if s.started {
		go s.runInterval(task)
	}
}

func (s *Scheduler) runInterval(task intervalTask) {
	ticker := time.NewTicker(task.every)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("interval task panicked",
							slog.String("task", task.name),
							slog.Any("panic", r),
						)
					}
				}()
				task.fn(s.baseCtx)
			}()
		}
	}
}

// removeLocked drops any trigger for jobID. Caller holds s.mu.
func (s *Scheduler) removeLocked(jobID int64) bool {
	removed := false
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		removed = true
	}
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
		removed = true
	}
	if _, ok := s.pending[jobID]; ok {
		delete(s.pending, jobID)
		removed = true
	}
	return removed
}

// armOnceLocked arms the timer for a one-shot job. Caller holds s.mu.
func (s *Scheduler) armOnceLocked(jobID int64, at time.Time) {
	s.timers[jobID] = time.AfterFunc(at.Sub(s.now()), func() {
		// One-shot jobs self-remove after firing.
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
		s.dispatch(jobID, true)
	})
}

// dispatch runs the job asynchronously relative to the trigger loop. All
// failures, including panics, are logged and contained.
func (s *Scheduler) dispatch(jobID int64, oneShot bool) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	logical := s.now().In(s.loc)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job execution panicked",
					slog.Int64("job_id", jobID),
					slog.Any("panic", r),
				)
			}
		}()

		s.log.Info("firing job",
			slog.Int64("job_id", jobID),
			slog.Bool("one_shot", oneShot),
		)
		if err := s.runner.ExecuteJob(ctx, jobID, logical); err != nil {
			s.log.Error("job execution failed",
				slog.Int64("job_id", jobID),
				slog.Any("error", err),
			)
			return
		}
		s.log.Info("job execution finished", slog.Int64("job_id", jobID))
	}()
}
