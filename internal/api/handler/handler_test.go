package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croplens/croplens/internal/aoi"
	mw "github.com/croplens/croplens/internal/api/middleware"
	"github.com/croplens/croplens/internal/gaps"
	"github.com/croplens/croplens/internal/jobs"
)

type fakeJobStore struct {
	jobs     map[uuid.UUID]*jobs.Job
	runs     map[uuid.UUID][]jobs.JobRun
	depth    []jobs.DepthRow
	listF    jobs.JobFilter
	retryErr error
}

func (f *fakeJobStore) GetJob(_ context.Context, tenantID, jobID uuid.UUID) (*jobs.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) ListJobs(_ context.Context, filter jobs.JobFilter) ([]jobs.Job, int, error) {
	f.listF = filter
	var out []jobs.Job
	for _, j := range f.jobs {
		if j.TenantID == filter.TenantID {
			out = append(out, *j)
		}
	}
	return out, len(out), nil
}

func (f *fakeJobStore) ListRuns(_ context.Context, _, jobID uuid.UUID, _ int) ([]jobs.JobRun, error) {
	return f.runs[jobID], nil
}

func (f *fakeJobStore) QueueDepth(_ context.Context, _ *uuid.UUID) ([]jobs.DepthRow, error) {
	return f.depth, nil
}

func (f *fakeJobStore) RetryFailed(_ context.Context, tenantID, jobID uuid.UUID) (*jobs.Job, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	j, ok := f.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, jobs.ErrNotFound
	}
	j.Status = jobs.StatusPending
	return j, nil
}

type fakePub struct{ published []uuid.UUID }

func (f *fakePub) Publish(_ context.Context, _, jobID uuid.UUID) error {
	f.published = append(f.published, jobID)
	return nil
}

func withTenant(r *http.Request, tenantID uuid.UUID) *http.Request {
	return r.WithContext(mw.SetTenantID(r.Context(), tenantID))
}

func withURLParam(r *http.Request, key, val string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, val)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestListJobs_ParsesFilters(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeJobStore{jobs: map[uuid.UUID]*jobs.Job{}}
	h := NewListJobs(store)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/jobs?status=FAILED&type=PROCESS_WEEK&page=2&limit=10", nil)
	rec := httptest.NewRecorder()
	h(rec, withTenant(req, tenantID))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tenantID, store.listF.TenantID)
	assert.Equal(t, jobs.StatusFailed, store.listF.Status)
	assert.Equal(t, jobs.TypeProcessWeek, store.listF.Type)
	assert.Equal(t, 2, store.listF.Page)
	assert.Equal(t, 10, store.listF.Limit)

	var body struct {
		Data []jobs.Job `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.Data)
}

func TestListJobs_RejectsUnknownType(t *testing.T) {
	h := NewListJobs(&fakeJobStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?type=NOPE", nil)
	rec := httptest.NewRecorder()
	h(rec, withTenant(req, uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_ReturnsRunsWithJob(t *testing.T) {
	tenantID := uuid.New()
	job := &jobs.Job{ID: uuid.New(), TenantID: tenantID, Type: jobs.TypeProcessWeek, Status: jobs.StatusDone}
	store := &fakeJobStore{
		jobs: map[uuid.UUID]*jobs.Job{job.ID: job},
		runs: map[uuid.UUID][]jobs.JobRun{job.ID: {
			{ID: 2, JobID: job.ID, Attempt: 2, Status: jobs.RunSuccess},
			{ID: 1, JobID: job.ID, Attempt: 1, Status: jobs.RunFailed},
		}},
	}
	h := NewGetJob(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	req = withURLParam(withTenant(req, tenantID), "jobID", job.ID.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data jobDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, job.ID, body.Data.Job.ID)
	require.Len(t, body.Data.Runs, 2)
	assert.Equal(t, 2, body.Data.Runs[0].Attempt, "newest attempt first")
}

func TestGetJob_OtherTenantIs404(t *testing.T) {
	job := &jobs.Job{ID: uuid.New(), TenantID: uuid.New()}
	store := &fakeJobStore{jobs: map[uuid.UUID]*jobs.Job{job.ID: job}}
	h := NewGetJob(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	req = withURLParam(withTenant(req, uuid.New()), "jobID", job.ID.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryJob_RepublishesPointer(t *testing.T) {
	tenantID := uuid.New()
	job := &jobs.Job{ID: uuid.New(), TenantID: tenantID, Status: jobs.StatusFailed}
	store := &fakeJobStore{jobs: map[uuid.UUID]*jobs.Job{job.ID: job}}
	pub := &fakePub{}
	h := NewRetryJob(store, pub)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/retry", nil)
	req = withURLParam(withTenant(req, tenantID), "jobID", job.ID.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, pub.published)
}

func TestRetryJob_NonFailedIsConflict(t *testing.T) {
	store := &fakeJobStore{retryErr: jobs.ErrInvalidTransition}
	h := NewRetryJob(store, &fakePub{})

	id := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id.String()+"/retry", nil)
	req = withURLParam(withTenant(req, uuid.New()), "jobID", id.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

type fakeProvisioner struct {
	created  int
	lookback int
}

func (f *fakeProvisioner) CreateWithBackfill(_ context.Context, tenantID uuid.UUID, name string, lookbackWeeks int) (*aoi.AOI, int, error) {
	f.lookback = lookbackWeeks
	return &aoi.AOI{ID: uuid.New(), TenantID: tenantID, Name: name}, f.created, nil
}

func TestCreateAOI_ReportsFanOut(t *testing.T) {
	prov := &fakeProvisioner{created: 32}
	h := NewCreateAOI(prov)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/aois",
		strings.NewReader(`{"name":"north-field","lookback_weeks":8}`))
	rec := httptest.NewRecorder()
	h(rec, withTenant(req, uuid.New()))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 8, prov.lookback)
	var body struct {
		Data createAOIResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 32, body.Data.JobsCreated)
	assert.Equal(t, "north-field", body.Data.AOI.Name)
}

func TestCreateAOI_RequiresName(t *testing.T) {
	h := NewCreateAOI(&fakeProvisioner{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/aois", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h(rec, withTenant(req, uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeAOIReader struct{ known map[uuid.UUID]bool }

func (f *fakeAOIReader) Get(_ context.Context, tenantID, id uuid.UUID) (*aoi.AOI, error) {
	if !f.known[id] {
		return nil, aoi.ErrNotFound
	}
	return &aoi.AOI{ID: id, TenantID: tenantID}, nil
}

type fakeGapFinder struct {
	window  int
	missing []jobs.Week
}

func (f *fakeGapFinder) FindMissingWeeks(_ context.Context, _, _ uuid.UUID, windowWeeks int) ([]jobs.Week, error) {
	f.window = windowWeeks
	return f.missing, nil
}

func TestMissingWeeks_FormatsISOWeeks(t *testing.T) {
	aoiID := uuid.New()
	finder := &fakeGapFinder{missing: []jobs.Week{{Year: 2026, Week: 2}, {Year: 2026, Week: 4}}}
	h := NewMissingWeeks(&fakeAOIReader{known: map[uuid.UUID]bool{aoiID: true}}, finder, 8)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/aois/"+aoiID.String()+"/missing-weeks?window_weeks=4", nil)
	req = withURLParam(withTenant(req, uuid.New()), "aoiID", aoiID.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, finder.window)
	var body struct {
		Data missingWeeksResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"2026-W02", "2026-W04"}, body.Data.Missing)
	assert.Equal(t, 2, body.Data.Count)
}

func TestMissingWeeks_UnknownAOIIs404(t *testing.T) {
	aoiID := uuid.New()
	h := NewMissingWeeks(&fakeAOIReader{}, &fakeGapFinder{}, 8)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/aois/"+aoiID.String()+"/missing-weeks", nil)
	req = withURLParam(withTenant(req, uuid.New()), "aoiID", aoiID.String())
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeSweeper struct{ got gaps.SweepParams }

func (f *fakeSweeper) ReprocessMissingWeeks(_ context.Context, p gaps.SweepParams) (gaps.SweepResult, error) {
	f.got = p
	return gaps.SweepResult{AOIsScanned: 3, JobsEnqueued: 5}, nil
}

func TestReprocess_AppliesDefaultsAndTenantScope(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewReprocess(sweeper, ReprocessDefaults{WindowWeeks: 8, ResultLimit: 500, MaxRunsPerAOI: 8})

	tenantID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reprocess",
		strings.NewReader(`{"max_runs_per_aoi":2}`))
	rec := httptest.NewRecorder()
	h(rec, withTenant(req, tenantID))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 8, sweeper.got.WindowWeeks)
	assert.Equal(t, 500, sweeper.got.ResultLimit)
	assert.Equal(t, 2, sweeper.got.MaxRunsPerAOI)
	require.NotNil(t, sweeper.got.TenantID)
	assert.Equal(t, tenantID, *sweeper.got.TenantID)
}

func TestReprocess_NoTenantMeansAllTenants(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewReprocess(sweeper, ReprocessDefaults{WindowWeeks: 8, ResultLimit: 500, MaxRunsPerAOI: 8})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reprocess", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, sweeper.got.TenantID)
}
