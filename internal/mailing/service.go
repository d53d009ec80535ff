package mailing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/mailer"
	"github.com/Flo-63/gratulo-sub000/pkg/mailqueue"
)

// failedAddressLimit caps how many failed addresses a log entry spells out.
const failedAddressLimit = 5

// Store is the persistence capability job execution needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (store.MailerJob, error)
	GetTemplate(ctx context.Context, id int64) (store.Template, error)
	GetMailerConfig(ctx context.Context) (store.MailerConfig, error)
	AppendJobLog(ctx context.Context, entry store.JobLog) (store.JobLog, error)
}

// Enqueuer hands rendered messages to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg mailqueue.Message) error
}

// RecipientResolver computes the member set for one run.
type RecipientResolver interface {
	Resolve(ctx context.Context, job store.MailerJob, logical time.Time) ([]store.Member, error)
}

// Service executes mailer jobs. It satisfies the scheduler's Runner
// interface, and the same entry point serves manual runs and backfills.
type Service struct {
	store    Store
	resolver RecipientResolver
	queue    Enqueuer
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[int64]bool
}

// NewService wires the execution service.
func NewService(st Store, resolver RecipientResolver, queue Enqueuer, log *slog.Logger) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		queue:    queue,
		log:      log,
		now:      time.Now,
		running:  make(map[int64]bool),
	}
}

// ExecuteJob runs one job for the logical date. Every invocation writes
// exactly one execution log entry, including all early-exit paths; failures
// never propagate as panics and the returned error is informational for the
// caller, the outcome is already recorded.
//
// Overlapping runs of the same job are skipped: a slow recurring job must
// not pile up on itself.
func (s *Service) ExecuteJob(ctx context.Context, jobID int64, logical time.Time) error {
	if !s.tryLock(jobID) {
		s.log.WarnContext(ctx, "job run skipped, previous execution still in progress",
			slog.Int64("job_id", jobID),
		)
		s.record(ctx, run{
			jobID:   jobID,
			logical: logical,
			started: s.now(),
			status:  store.StatusError,
			details: "run skipped: previous execution still in progress",
		})
		return nil
	}
	defer s.unlock(jobID)

	r := run{jobID: jobID, logical: logical, started: s.now()}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		r.status = store.StatusJobNotFound
		r.details = "job no longer exists"
		s.record(ctx, r)
		return nil
	}
	if err != nil {
		return s.fail(ctx, r, err)
	}

	cfg, err := s.store.GetMailerConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		r.status = store.StatusNoConfig
		r.details = "mailer configuration missing"
		s.record(ctx, r)
		return nil
	}
	if err != nil {
		return s.fail(ctx, r, err)
	}

	tpl, err := s.store.GetTemplate(ctx, job.TemplateID)
	if errors.Is(err, store.ErrNotFound) {
		r.status = store.StatusNoTemplate
		r.details = fmt.Sprintf("template %d no longer exists", job.TemplateID)
		s.record(ctx, r)
		return nil
	}
	if err != nil {
		return s.fail(ctx, r, err)
	}

	members, err := s.resolver.Resolve(ctx, job, logical)
	if err != nil {
		return s.fail(ctx, r, err)
	}
	if len(members) == 0 {
		r.status = store.StatusNoRecipients
		s.record(ctx, r)
		return nil
	}

	var failed []string
	for _, m := range members {
		if err := s.sendOne(ctx, job, cfg, tpl, m, logical); err != nil {
			r.errs++
			failed = append(failed, m.Email)
			s.log.ErrorContext(ctx, "recipient failed",
				slog.Int64("job_id", jobID),
				slog.String("to", mailqueue.Anonymize(m.Email)),
				slog.Any("error", err),
			)
			continue
		}
		r.sent++
	}

	switch {
	case r.errs == 0:
		r.status = store.StatusOK
	case r.sent > 0:
		r.status = store.StatusPartialError
	default:
		r.status = store.StatusError
	}
	r.details = runDetails(r.sent, r.errs, failed)
	s.record(ctx, r)
	if r.errs > 0 {
		s.notifyAdmin(ctx, job, cfg, r)
	}
	return nil
}

// sendOne renders the template for one member and enqueues the message.
func (s *Service) sendOne(ctx context.Context, job store.MailerJob, cfg store.MailerConfig, tpl store.Template, m store.Member, logical time.Time) error {
	data := mailer.RecipientData{
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Email:     m.Email,
		Gender:    m.Gender,
		Birthdate: m.Birthdate,
	}
	if m.MemberSince != nil {
		data.MemberSince = *m.MemberSince
	}

	result, err := mailer.Render(tpl.Content, data, logical)
	if err != nil {
		return err
	}

	subject := result.Subject
	if subject == "" {
		subject = job.Name
	}

	return s.queue.Enqueue(ctx, mailqueue.Message{
		To:       m.Email,
		From:     cfg.FromAddress,
		ReplyTo:  cfg.ReplyTo,
		BCC:      job.BCCAddress,
		Subject:  subject,
		Body:     result.HTML,
		ConfigID: cfg.ID,
	})
}

// notifyAdmin queues a failure notice to the configured admin address so a
// broken mailing does not go unnoticed until someone reads the logs.
func (s *Service) notifyAdmin(ctx context.Context, job store.MailerJob, cfg store.MailerConfig, r run) {
	if cfg.AdminEmail == "" {
		return
	}
	msg := mailqueue.Message{
		To:       cfg.AdminEmail,
		From:     cfg.FromAddress,
		ReplyTo:  cfg.ReplyTo,
		Subject:  fmt.Sprintf("Mailer job %q finished with errors", job.Name),
		Body:     fmt.Sprintf("<p>Status: %s</p><p>%s</p>", r.status, r.details),
		ConfigID: cfg.ID,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.log.ErrorContext(ctx, "failed to queue admin notification",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// DeliveryConfigSource adapts the stored mailer configuration for the
// delivery queue. An absent configuration row is not an error, the queue
// falls back to its static defaults.
func DeliveryConfigSource(st Store) mailqueue.ConfigFunc {
	return func(ctx context.Context) (mailqueue.DeliveryConfig, error) {
		cfg, err := st.GetMailerConfig(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return mailqueue.DeliveryConfig{}, nil
		}
		if err != nil {
			return mailqueue.DeliveryConfig{}, err
		}
		return mailqueue.DeliveryConfig{
			From:       cfg.FromAddress,
			ReplyTo:    cfg.ReplyTo,
			RateLimit:  cfg.RateLimit,
			RateWindow: cfg.RateWindow,
		}, nil
	}
}

// run accumulates one execution's outcome until it is recorded.
type run struct {
	jobID   int64
	logical time.Time
	started time.Time
	status  string
	details string
	sent    int
	errs    int
}

// fail records an unexpected execution failure and returns it.
func (s *Service) fail(ctx context.Context, r run, err error) error {
	r.status = store.StatusError
	r.details = err.Error()
	s.record(ctx, r)
	return err
}

// record writes the single log entry of a run. A storage failure here is
// logged and swallowed: the run already happened, crashing the scheduler
// over bookkeeping would only make things worse.
func (s *Service) record(ctx context.Context, r run) {
	entry := store.JobLog{
		JobID:       r.jobID,
		ExecutedAt:  r.started,
		LogicalDate: r.logical,
		Status:      r.status,
		Details:     r.details,
		MailsSent:   r.sent,
		ErrorCount:  r.errs,
		DurationMS:  s.now().Sub(r.started).Milliseconds(),
	}
	if _, err := s.store.AppendJobLog(ctx, entry); err != nil {
		s.log.ErrorContext(ctx, "failed to write execution log",
			slog.Int64("job_id", r.jobID),
			slog.String("status", r.status),
			slog.Any("error", err),
		)
		return
	}
	s.log.InfoContext(ctx, "job run recorded",
		slog.Int64("job_id", r.jobID),
		slog.String("status", r.status),
		slog.Int("sent", r.sent),
		slog.Int("errors", r.errs),
	)
}

func runDetails(sent, errs int, failed []string) string {
	if errs == 0 {
		return fmt.Sprintf("%d sent", sent)
	}
	shown := failed
	suffix := ""
	if len(shown) > failedAddressLimit {
		shown = shown[:failedAddressLimit]
		suffix = ", ..."
	}
	return fmt.Sprintf("%d sent, %d failed: %s%s", sent, errs, strings.Join(shown, ", "), suffix)
}

func (s *Service) tryLock(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[jobID] {
		return false
	}
	s.running[jobID] = true
	return true
}

func (s *Service) unlock(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}
