package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/scheduler"
)

type fakeJobStore struct {
	jobs      map[int64]store.MailerJob
	templates map[int64]store.Template
	def       store.Group
	nextID    int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:      make(map[int64]store.MailerJob),
		templates: map[int64]store.Template{7: {ID: 7, Name: "gruss", Content: "Hallo"}},
		def:       store.Group{ID: 1, Name: "Mitglieder", IsDefault: true},
	}
}

func (f *fakeJobStore) GetJob(ctx context.Context, id int64) (store.MailerJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return store.MailerJob{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) ListJobs(ctx context.Context) ([]store.MailerJob, error) {
	var out []store.MailerJob
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobStore) FindJobByName(ctx context.Context, name string) (store.MailerJob, error) {
	for _, j := range f.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return store.MailerJob{}, store.ErrNotFound
}

func (f *fakeJobStore) FindRecurringGroupJob(ctx context.Context, selection store.Selection, groupID, excludeID int64) (store.MailerJob, error) {
	for _, j := range f.jobs {
		if j.Selection == selection && j.GroupID == groupID && j.ID != excludeID && j.Cron != "" {
			return j, nil
		}
	}
	return store.MailerJob{}, store.ErrNotFound
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job store.MailerJob) (store.MailerJob, error) {
	f.nextID++
	job.ID = f.nextID
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) UpdateJob(ctx context.Context, job store.MailerJob) (store.MailerJob, error) {
	if _, ok := f.jobs[job.ID]; !ok {
		return store.MailerJob{}, store.ErrNotFound
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) DeleteJob(ctx context.Context, id int64) error {
	if _, ok := f.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) DefaultGroup(ctx context.Context) (store.Group, error) {
	return f.def, nil
}

func (f *fakeJobStore) GetTemplate(ctx context.Context, id int64) (store.Template, error) {
	tpl, ok := f.templates[id]
	if !ok {
		return store.Template{}, store.ErrNotFound
	}
	return tpl, nil
}

type fakeRegistrar struct {
	registered   []scheduler.Job
	unregistered []int64
	resynced     []scheduler.Job
}

func (f *fakeRegistrar) Register(job scheduler.Job) error {
	f.registered = append(f.registered, job)
	return nil
}

func (f *fakeRegistrar) Unregister(jobID int64) {
	f.unregistered = append(f.unregistered, jobID)
}

func (f *fakeRegistrar) Resync(jobs []scheduler.Job) {
	f.resynced = jobs
}

func newTestService() (*Service, *fakeJobStore, *fakeRegistrar) {
	st := newFakeJobStore()
	reg := &fakeRegistrar{}
	return NewService(st, reg, slog.New(slog.NewTextHandler(io.Discard, nil))), st, reg
}

func validInput() SaveInput {
	return SaveInput{
		Name:         "Geburtstagsgruß",
		TemplateID:   7,
		Selection:    store.SelectionBirthday,
		IntervalType: "daily",
		Time:         "08:00",
	}
}

func TestSave_CreateBuildsCronAndRegisters(t *testing.T) {
	t.Parallel()

	svc, st, reg := newTestService()

	job, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, "0 8 * * *", job.Cron)
	assert.EqualValues(t, 1, job.GroupID, "empty group falls back to the default group")
	assert.Contains(t, st.jobs, job.ID)

	require.Len(t, reg.registered, 1)
	assert.Equal(t, job.ID, reg.registered[0].ID)
	assert.Equal(t, "0 8 * * *", reg.registered[0].Cron)
}

func TestSave_WeeklyAndMonthlySchedules(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	in := validInput()
	in.Name = "Wochenpost"
	in.Selection = store.SelectionAll
	in.IntervalType = "weekly"
	in.Time = "18:30"
	in.Weekday = "5"
	job, err := svc.Save(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "30 18 * * 5", job.Cron)

	in2 := validInput()
	in2.Name = "Monatspost"
	in2.Selection = store.SelectionAll
	in2.IntervalType = "monthly"
	in2.Monthday = "15"
	job2, err := svc.Save(context.Background(), in2)
	require.NoError(t, err)
	assert.Equal(t, "0 8 15 * *", job2.Cron)
}

func TestSave_RejectsBadSchedule(t *testing.T) {
	t.Parallel()

	svc, st, reg := newTestService()

	tests := []func(*SaveInput){
		func(in *SaveInput) { in.Time = "25:00" },
		func(in *SaveInput) { in.IntervalType = "weekly"; in.Weekday = "" },
		func(in *SaveInput) { in.IntervalType = "monthly"; in.Monthday = "31" },
		func(in *SaveInput) { in.IntervalType = "hourly" },
		func(in *SaveInput) { in.IntervalType = "once"; in.OnceAt = "not a timestamp" },
	}
	for _, mutate := range tests {
		in := validInput()
		mutate(&in)
		_, err := svc.Save(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	}
	assert.Empty(t, st.jobs, "rejected saves persist nothing")
	assert.Empty(t, reg.registered)
}

func TestSave_OneShot(t *testing.T) {
	t.Parallel()

	svc, _, reg := newTestService()

	in := validInput()
	in.Selection = store.SelectionAll
	in.IntervalType = "once"
	in.OnceAt = "2027-03-01T10:00"
	job, err := svc.Save(context.Background(), in)
	require.NoError(t, err)

	assert.Empty(t, job.Cron)
	require.NotNil(t, job.OnceAt)
	assert.Equal(t, time.Date(2027, time.March, 1, 10, 0, 0, 0, time.UTC), job.OnceAt.UTC())
	require.Len(t, reg.registered, 1)
	require.NotNil(t, reg.registered[0].OnceAt)
}

func TestSave_ManualOnlyJobHasNoSchedule(t *testing.T) {
	t.Parallel()

	svc, _, reg := newTestService()

	in := validInput()
	in.Selection = store.SelectionList
	in.Recipients = []string{"a@example.com"}
	in.IntervalType = ""
	job, err := svc.Save(context.Background(), in)
	require.NoError(t, err)

	assert.Empty(t, job.Cron)
	assert.Nil(t, job.OnceAt)
	require.Len(t, reg.registered, 1, "still mirrored so any stale trigger is replaced")
}

func TestSave_RejectsDuplicateName(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	_, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.Selection = store.SelectionAll
	_, err = svc.Save(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestSave_UpdateKeepsOwnName(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	job, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.ID = job.ID
	in.Time = "09:30"
	updated, err := svc.Save(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "30 9 * * *", updated.Cron)
}

func TestSave_RejectsDuplicateRecurringSelection(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	_, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.Name = "Zweiter Geburtstagsgruß"
	_, err = svc.Save(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateSelection)
}

func TestSave_OneShotBesideRecurringAllowed(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	_, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.Name = "Nachzügler"
	in.IntervalType = "once"
	in.OnceAt = "2027-03-01T10:00"
	_, err = svc.Save(context.Background(), in)
	assert.NoError(t, err, "the one-per-group rule only binds recurring jobs")
}

func TestSave_RejectsUnknownTemplateAndSelection(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()

	in := validInput()
	in.TemplateID = 99
	_, err := svc.Save(context.Background(), in)
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	in = validInput()
	in.Selection = "everyone"
	_, err = svc.Save(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidSelection)

	in = validInput()
	in.Name = "   "
	_, err = svc.Save(context.Background(), in)
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestDelete_RemovesJobAndTrigger(t *testing.T) {
	t.Parallel()

	svc, st, reg := newTestService()

	job, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), job.ID))
	assert.NotContains(t, st.jobs, job.ID)
	assert.Equal(t, []int64{job.ID}, reg.unregistered)

	assert.ErrorIs(t, svc.Delete(context.Background(), job.ID), store.ErrNotFound)
}

func TestResyncAll(t *testing.T) {
	t.Parallel()

	svc, _, reg := newTestService()

	_, err := svc.Save(context.Background(), validInput())
	require.NoError(t, err)
	in := validInput()
	in.Name = "Wochenpost"
	in.Selection = store.SelectionAll
	_, err = svc.Save(context.Background(), in)
	require.NoError(t, err)

	require.NoError(t, svc.ResyncAll(context.Background()))
	assert.Len(t, reg.resynced, 2)
}
