package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Flo-63/gratulo-sub000/internal/jobs"
	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/mailqueue"
)

type fakeBackend struct {
	jobs      map[int64]store.MailerJob
	logs      map[int64][]store.JobLog
	templates []store.Template
	config    *store.MailerConfig
	saveErr   error
	executed  []int64
	logicals  []time.Time
	status    mailqueue.Status
	statusErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs: make(map[int64]store.MailerJob),
		logs: make(map[int64][]store.JobLog),
	}
}

func (f *fakeBackend) Save(ctx context.Context, in jobs.SaveInput) (store.MailerJob, error) {
	if f.saveErr != nil {
		return store.MailerJob{}, f.saveErr
	}
	id := in.ID
	if id == 0 {
		id = int64(len(f.jobs) + 1)
	}
	job := store.MailerJob{
		ID: id, Name: in.Name, TemplateID: in.TemplateID,
		Selection: in.Selection, GroupID: in.GroupID,
	}
	if in.IntervalType == "daily" {
		job.Cron = "0 8 * * *"
	}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeBackend) Delete(ctx context.Context, id int64) error {
	if _, ok := f.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeBackend) GetJob(ctx context.Context, id int64) (store.MailerJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return store.MailerJob{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeBackend) ListJobs(ctx context.Context) ([]store.MailerJob, error) {
	var out []store.MailerJob
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeBackend) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]store.JobLog, error) {
	return f.logs[jobID], nil
}

func (f *fakeBackend) ClearJobLogs(ctx context.Context, jobID int64) error {
	delete(f.logs, jobID)
	return nil
}

func (f *fakeBackend) ListTemplates(ctx context.Context) ([]store.Template, error) {
	return f.templates, nil
}

func (f *fakeBackend) GetMailerConfig(ctx context.Context) (store.MailerConfig, error) {
	if f.config == nil {
		return store.MailerConfig{}, store.ErrNotFound
	}
	return *f.config, nil
}

func (f *fakeBackend) SaveMailerConfig(ctx context.Context, cfg store.MailerConfig) (store.MailerConfig, error) {
	cfg.ID = 1
	f.config = &cfg
	return cfg, nil
}

func (f *fakeBackend) ExecuteJob(ctx context.Context, jobID int64, logical time.Time) error {
	f.executed = append(f.executed, jobID)
	f.logicals = append(f.logicals, logical)
	return nil
}

func (f *fakeBackend) Status(ctx context.Context) (mailqueue.Status, error) {
	return f.status, f.statusErr
}

func newTestAPI(backend *fakeBackend) http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, backend, backend, backend, log).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]any{
		"name":          "Geburtstagsgruß",
		"template_id":   7,
		"selection":     "birthday",
		"interval_type": "daily",
		"time":          "08:00",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Geburtstagsgruß", resp["name"])
	assert.Equal(t, "Daily at 08:00", resp["schedule"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateJob_ValidationFailureIs422(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.saveErr = jobs.ErrDuplicateName
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]any{"name": "x"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "already exists")
}

func TestCreateJob_MalformedBodyIs400(t *testing.T) {
	t.Parallel()

	h := newTestAPI(newFakeBackend())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	h := newTestAPI(newFakeBackend())

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.jobs[3] = store.MailerJob{ID: 3, Name: "Gruß"}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/jobs/3", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/jobs/3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunJob_DefaultsToToday(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.jobs[3] = store.MailerJob{ID: 3}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/3/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []int64{3}, backend.executed)
}

func TestRunJob_BackfillDate(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/3/run?date=2026-06-15", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, backend.logicals, 1)
	assert.Equal(t, time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC), backend.logicals[0])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/3/run?date=15.06.2026", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobLogs(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.logs[3] = []store.JobLog{{ID: 1, JobID: 3, Status: store.StatusOK, MailsSent: 2}}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/3/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []store.JobLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, store.StatusOK, logs[0].Status)

	// No logs yet: an empty array, not null.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/4/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestClearJobLogs(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.logs[3] = []store.JobLog{{ID: 1, JobID: 3, Status: store.StatusOK}}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/jobs/3/logs", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/3/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListTemplates(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.templates = []store.Template{{ID: 1, Name: "geburtstag", Content: "<p>Hallo {{ Vorname }}</p>"}}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "geburtstag", out[0]["name"])
}

func TestMailerConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	h := newTestAPI(backend)

	// Unconfigured instance.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/api/v1/config", map[string]any{
		"from_address":        "verein@example.com",
		"reply_to":            "vorstand@example.com",
		"admin_email":         "admin@example.com",
		"rate_limit":          20,
		"rate_window_seconds": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "verein@example.com", resp["from_address"])
	assert.EqualValues(t, 20, resp["rate_limit"])
	assert.EqualValues(t, 60, resp["rate_window_seconds"])

	require.NotNil(t, backend.config)
	assert.Equal(t, time.Minute, backend.config.RateWindow)
}

func TestSaveMailerConfig_InvalidFromIs422(t *testing.T) {
	t.Parallel()

	h := newTestAPI(newFakeBackend())

	rec := doJSON(t, h, http.MethodPut, "/api/v1/config", map[string]any{
		"from_address": "not-an-address",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.status = mailqueue.Status{Pending: 4, RateRemaining: 36}
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st mailqueue.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.EqualValues(t, 4, st.Pending)
	assert.EqualValues(t, 36, st.RateRemaining)
}

func TestQueueStatus_DegradesOnStorageFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.statusErr = errors.New("redis unreachable")
	h := newTestAPI(backend)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st mailqueue.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Zero(t, st.Pending)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newTestAPI(newFakeBackend())

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
