// Package jobs manages the lifecycle of mailer jobs: validated saves,
// deletes and the startup resync, each mirrored into the scheduler so the
// stored definition and the armed trigger never drift apart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/cronspec"
	"github.com/Flo-63/gratulo-sub000/pkg/scheduler"
)

var (
	ErrNameRequired       = errors.New("jobs: name is required")
	ErrDuplicateName      = errors.New("jobs: a job with this name already exists")
	ErrInvalidSelection   = errors.New("jobs: unknown selection")
	ErrUnknownTemplate    = errors.New("jobs: template does not exist")
	ErrDuplicateSelection = errors.New("jobs: a recurring job for this selection and group already exists")
	ErrInvalidSchedule    = errors.New("jobs: invalid schedule")
)

// Store is the persistence capability job management needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (store.MailerJob, error)
	ListJobs(ctx context.Context) ([]store.MailerJob, error)
	FindJobByName(ctx context.Context, name string) (store.MailerJob, error)
	FindRecurringGroupJob(ctx context.Context, selection store.Selection, groupID, excludeID int64) (store.MailerJob, error)
	CreateJob(ctx context.Context, job store.MailerJob) (store.MailerJob, error)
	UpdateJob(ctx context.Context, job store.MailerJob) (store.MailerJob, error)
	DeleteJob(ctx context.Context, id int64) error
	DefaultGroup(ctx context.Context) (store.Group, error)
	GetTemplate(ctx context.Context, id int64) (store.Template, error)
}

// Registrar is the scheduler surface the service mirrors saves into.
type Registrar interface {
	Register(job scheduler.Job) error
	Unregister(jobID int64)
	Resync(jobs []scheduler.Job)
}

// Service validates and persists job definitions.
type Service struct {
	store     Store
	registrar Registrar
	log       *slog.Logger
}

// NewService wires the job management service.
func NewService(st Store, registrar Registrar, log *slog.Logger) *Service {
	return &Service{store: st, registrar: registrar, log: log}
}

// SaveInput is one job definition as submitted by the management surface.
// The schedule comes in as form fields, not as a raw cron expression.
type SaveInput struct {
	ID           int64 // 0 creates
	Name         string
	TemplateID   int64
	Selection    store.Selection
	GroupID      int64 // 0 means default group
	IntervalType string // "daily", "weekly", "monthly", "once" or "" for manual-only
	Time         string // "HH:MM", recurring schedules
	Weekday      string // "0".."6", weekly schedules
	Monthday     string // "1".."28", monthly schedules
	OnceAt       string // timestamp, one-shot schedules
	BCCAddress   string
	Recipients   []string
}

// Save validates, persists and schedules a job. A rejected save names the
// violated precondition so the caller can surface it.
func (s *Service) Save(ctx context.Context, in SaveInput) (store.MailerJob, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return store.MailerJob{}, ErrNameRequired
	}
	if !in.Selection.Valid() {
		return store.MailerJob{}, fmt.Errorf("%w: %q", ErrInvalidSelection, in.Selection)
	}
	if _, err := s.store.GetTemplate(ctx, in.TemplateID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.MailerJob{}, fmt.Errorf("%w: id %d", ErrUnknownTemplate, in.TemplateID)
		}
		return store.MailerJob{}, err
	}

	if in.GroupID == 0 {
		def, err := s.store.DefaultGroup(ctx)
		if err != nil {
			return store.MailerJob{}, err
		}
		in.GroupID = def.ID
	}

	if existing, err := s.store.FindJobByName(ctx, in.Name); err == nil {
		if existing.ID != in.ID {
			return store.MailerJob{}, fmt.Errorf("%w: %q", ErrDuplicateName, in.Name)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.MailerJob{}, err
	}

	cronExpr, onceAt, err := buildSchedule(in)
	if err != nil {
		return store.MailerJob{}, err
	}

	if cronExpr != "" && in.Selection.Recurring() {
		_, err := s.store.FindRecurringGroupJob(ctx, in.Selection, in.GroupID, in.ID)
		if err == nil {
			return store.MailerJob{}, fmt.Errorf("%w: selection %q", ErrDuplicateSelection, in.Selection)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.MailerJob{}, err
		}
	}

	job := store.MailerJob{
		ID:         in.ID,
		Name:       in.Name,
		TemplateID: in.TemplateID,
		Selection:  in.Selection,
		GroupID:    in.GroupID,
		Cron:       cronExpr,
		OnceAt:     onceAt,
		BCCAddress: strings.TrimSpace(in.BCCAddress),
		Recipients: in.Recipients,
	}

	if job.ID == 0 {
		job, err = s.store.CreateJob(ctx, job)
	} else {
		job, err = s.store.UpdateJob(ctx, job)
	}
	if err != nil {
		return store.MailerJob{}, err
	}

	// The cron expression was just built and validated, a registration
	// failure here means a scheduler bug, not bad input.
	if err := s.registrar.Register(schedulerJob(job)); err != nil {
		s.log.ErrorContext(ctx, "saved job could not be scheduled",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	return job, nil
}

// Delete removes a job, its logs and its trigger.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.registrar.Unregister(id)
	return nil
}

// ResyncAll re-registers every stored job, used on process start.
func (s *Service) ResyncAll(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	scheduled := make([]scheduler.Job, 0, len(jobs))
	for _, job := range jobs {
		scheduled = append(scheduled, schedulerJob(job))
	}
	s.registrar.Resync(scheduled)
	s.log.InfoContext(ctx, "jobs resynced", slog.Int("count", len(scheduled)))
	return nil
}

func schedulerJob(job store.MailerJob) scheduler.Job {
	return scheduler.Job{ID: job.ID, Name: job.Name, Cron: job.Cron, OnceAt: job.OnceAt}
}

// buildSchedule turns the submitted schedule fields into either a cron
// expression or a one-shot timestamp.
func buildSchedule(in SaveInput) (string, *time.Time, error) {
	switch in.IntervalType {
	case "":
		return "", nil, nil
	case "once":
		at, err := parseOnceAt(in.OnceAt)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return "", &at, nil
	default:
		expr, err := cronspec.Build(in.IntervalType, in.Time, in.Weekday, in.Monthday)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return expr, nil, nil
	}
}

// parseOnceAt accepts RFC 3339 or the datetime-local form value. Values
// without a zone are taken as UTC.
func parseOnceAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("one-shot timestamp is required")
	}
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	return time.Parse("2006-01-02T15:04", value)
}
