// Package api is the management HTTP surface: job CRUD, manual runs,
// execution logs and queue status.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Flo-63/gratulo-sub000/internal/jobs"
	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/cronspec"
	"github.com/Flo-63/gratulo-sub000/pkg/health"
	"github.com/Flo-63/gratulo-sub000/pkg/mailqueue"
)

// JobManager saves and deletes job definitions.
type JobManager interface {
	Save(ctx context.Context, in jobs.SaveInput) (store.MailerJob, error)
	Delete(ctx context.Context, id int64) error
}

// Repository is the persistence surface the API serves directly: jobs,
// their logs, templates and the delivery configuration.
type Repository interface {
	GetJob(ctx context.Context, id int64) (store.MailerJob, error)
	ListJobs(ctx context.Context) ([]store.MailerJob, error)
	ListJobLogs(ctx context.Context, jobID int64, limit int) ([]store.JobLog, error)
	ClearJobLogs(ctx context.Context, jobID int64) error
	ListTemplates(ctx context.Context) ([]store.Template, error)
	GetMailerConfig(ctx context.Context) (store.MailerConfig, error)
	SaveMailerConfig(ctx context.Context, cfg store.MailerConfig) (store.MailerConfig, error)
}

// Runner triggers one job execution, the same entry point the scheduler
// uses, so manual runs and backfills behave identically.
type Runner interface {
	ExecuteJob(ctx context.Context, jobID int64, logical time.Time) error
}

// QueueStatus reads the delivery pipeline status.
type QueueStatus interface {
	Status(ctx context.Context) (mailqueue.Status, error)
}

// API bundles the handlers of the management surface.
type API struct {
	manager JobManager
	repo    Repository
	runner  Runner
	queue   QueueStatus
	log     *slog.Logger
	now     func() time.Time
	ready   http.HandlerFunc
}

// Option configures the API.
type Option func(*API)

// WithReadiness mounts the given handler at /readyz.
func WithReadiness(h http.HandlerFunc) Option {
	return func(a *API) {
		if h != nil {
			a.ready = h
		}
	}
}

// New wires the API handlers.
func New(manager JobManager, repo Repository, runner Runner, queue QueueStatus, log *slog.Logger, opts ...Option) *API {
	a := &API{
		manager: manager,
		repo:    repo,
		runner:  runner,
		queue:   queue,
		log:     log,
		now:     time.Now,
		ready:   health.Live(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router mounts all routes with the standard middleware chain.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(a.log))
	r.Use(Recover(a.log))

	r.Get("/healthz", health.Live())
	r.Get("/readyz", a.ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", a.listJobs)
		r.Post("/jobs", a.createJob)
		r.Get("/jobs/{id}", a.getJob)
		r.Put("/jobs/{id}", a.updateJob)
		r.Delete("/jobs/{id}", a.deleteJob)
		r.Post("/jobs/{id}/run", a.runJob)
		r.Get("/jobs/{id}/logs", a.listJobLogs)
		r.Delete("/jobs/{id}/logs", a.clearJobLogs)
		r.Get("/templates", a.listTemplates)
		r.Get("/config", a.getMailerConfig)
		r.Put("/config", a.saveMailerConfig)
		r.Get("/queue/status", a.queueStatus)
	})

	return r
}

// jobResponse is the wire form of a job, with the schedule spelled out.
type jobResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	TemplateID int64           `json:"template_id"`
	Selection  store.Selection `json:"selection"`
	GroupID    int64           `json:"group_id"`
	Cron       string          `json:"cron,omitempty"`
	Schedule   string          `json:"schedule,omitempty"`
	OnceAt     *time.Time      `json:"once_at,omitempty"`
	BCCAddress string          `json:"bcc_address,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func toJobResponse(job store.MailerJob) jobResponse {
	resp := jobResponse{
		ID:         job.ID,
		Name:       job.Name,
		TemplateID: job.TemplateID,
		Selection:  job.Selection,
		GroupID:    job.GroupID,
		Cron:       job.Cron,
		OnceAt:     job.OnceAt,
		BCCAddress: job.BCCAddress,
		Recipients: job.Recipients,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Cron != "" {
		resp.Schedule = cronspec.Describe(job.Cron)
	}
	return resp
}

// jobRequest is the submitted job definition.
type jobRequest struct {
	Name         string   `json:"name"`
	TemplateID   int64    `json:"template_id"`
	Selection    string   `json:"selection"`
	GroupID      int64    `json:"group_id"`
	IntervalType string   `json:"interval_type"`
	Time         string   `json:"time"`
	Weekday      string   `json:"weekday"`
	Monthday     string   `json:"monthday"`
	OnceAt       string   `json:"once_at"`
	BCCAddress   string   `json:"bcc_address"`
	Recipients   []string `json:"recipients"`
}

func (req jobRequest) toInput(id int64) jobs.SaveInput {
	return jobs.SaveInput{
		ID:           id,
		Name:         req.Name,
		TemplateID:   req.TemplateID,
		Selection:    store.Selection(req.Selection),
		GroupID:      req.GroupID,
		IntervalType: req.IntervalType,
		Time:         req.Time,
		Weekday:      req.Weekday,
		Monthday:     req.Monthday,
		OnceAt:       req.OnceAt,
		BCCAddress:   req.BCCAddress,
		Recipients:   req.Recipients,
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	all, err := a.repo.ListJobs(r.Context())
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(all))
	for _, job := range all {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	job, err := a.repo.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	a.saveJob(w, r, 0)
}

func (a *API) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	a.saveJob(w, r, id)
}

func (a *API) saveJob(w http.ResponseWriter, r *http.Request, id int64) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := a.manager.Save(r.Context(), req.toInput(id))
	if err != nil {
		a.saveError(w, r, err)
		return
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, toJobResponse(job))
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	err := a.manager.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runJob triggers a job immediately. An optional ?date=YYYY-MM-DD query
// parameter sets the logical date for backfills.
func (a *API) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}

	logical := a.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		logical = parsed
	}

	if err := a.runner.ExecuteJob(r.Context(), id, logical); err != nil {
		// The outcome is already in the execution log, the error is
		// informational.
		a.log.ErrorContext(r.Context(), "manual run failed",
			slog.Int64("job_id", id),
			slog.Any("error", err),
		)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       id,
		"logical_date": logical.Format("2006-01-02"),
	})
}

func (a *API) listJobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	logs, err := a.repo.ListJobLogs(r.Context(), id, limit)
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.JobLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// clearJobLogs purges the execution history of one job. The job itself is
// untouched; log rows for long-deleted jobs can be purged the same way.
func (a *API) clearJobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	if err := a.repo.ClearJobLogs(r.Context(), id); err != nil {
		a.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// templateResponse is the wire form of a mail template.
type templateResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	all, err := a.repo.ListTemplates(r.Context())
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	out := make([]templateResponse, 0, len(all))
	for _, tpl := range all {
		out = append(out, templateResponse{
			ID:        tpl.ID,
			Name:      tpl.Name,
			Content:   tpl.Content,
			UpdatedAt: tpl.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// mailerConfigRequest is the submitted delivery configuration.
type mailerConfigRequest struct {
	FromAddress       string `json:"from_address"`
	ReplyTo           string `json:"reply_to"`
	AdminEmail        string `json:"admin_email"`
	RateLimit         int64  `json:"rate_limit"`
	RateWindowSeconds int64  `json:"rate_window_seconds"`
}

// mailerConfigResponse is the stored delivery configuration.
type mailerConfigResponse struct {
	FromAddress       string    `json:"from_address"`
	ReplyTo           string    `json:"reply_to,omitempty"`
	AdminEmail        string    `json:"admin_email,omitempty"`
	RateLimit         int64     `json:"rate_limit"`
	RateWindowSeconds int64     `json:"rate_window_seconds"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toMailerConfigResponse(cfg store.MailerConfig) mailerConfigResponse {
	return mailerConfigResponse{
		FromAddress:       cfg.FromAddress,
		ReplyTo:           cfg.ReplyTo,
		AdminEmail:        cfg.AdminEmail,
		RateLimit:         cfg.RateLimit,
		RateWindowSeconds: int64(cfg.RateWindow.Seconds()),
		UpdatedAt:         cfg.UpdatedAt,
	}
}

func (a *API) getMailerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.repo.GetMailerConfig(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "mailer configuration not set")
		return
	}
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMailerConfigResponse(cfg))
}

// saveMailerConfig stores the delivery settings. The consumer reloads them on
// every pass, so changes apply without a restart.
func (a *API) saveMailerConfig(w http.ResponseWriter, r *http.Request) {
	var req mailerConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.FromAddress, "@") {
		writeError(w, http.StatusUnprocessableEntity, "from_address must be a valid email address")
		return
	}
	if req.RateLimit < 0 || req.RateWindowSeconds < 0 {
		writeError(w, http.StatusUnprocessableEntity, "rate limit values must not be negative")
		return
	}

	cfg, err := a.repo.SaveMailerConfig(r.Context(), store.MailerConfig{
		FromAddress: req.FromAddress,
		ReplyTo:     req.ReplyTo,
		AdminEmail:  req.AdminEmail,
		RateLimit:   req.RateLimit,
		RateWindow:  time.Duration(req.RateWindowSeconds) * time.Second,
	})
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMailerConfigResponse(cfg))
}

// queueStatus reports the delivery pipeline. A storage failure degrades to
// a zeroed payload instead of an error page.
func (a *API) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.queue.Status(r.Context())
	if err != nil {
		a.log.WarnContext(r.Context(), "queue status unavailable", slog.Any("error", err))
		writeJSON(w, http.StatusOK, mailqueue.Status{})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (a *API) serverError(w http.ResponseWriter, r *http.Request, err error) {
	a.log.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// saveError maps validation failures to 422 with the violated precondition.
func (a *API) saveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNameRequired),
		errors.Is(err, jobs.ErrDuplicateName),
		errors.Is(err, jobs.ErrInvalidSelection),
		errors.Is(err, jobs.ErrUnknownTemplate),
		errors.Is(err, jobs.ErrDuplicateSelection),
		errors.Is(err, jobs.ErrInvalidSchedule):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusUnprocessableEntity, "a job with these properties already exists")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		a.serverError(w, r, err)
	}
}
