// Package handler implements the operational API endpoints consumed by admin
// tooling: job inspection, operator retries, AOI provisioning, gap queries,
// and bounded reprocessing sweeps.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/croplens/croplens/internal/api/middleware"
	"github.com/croplens/croplens/internal/api/response"
	"github.com/croplens/croplens/internal/jobs"
)

// JobStore is the read-and-retry slice of the job store the API serves.
type JobStore interface {
	GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*jobs.Job, error)
	ListJobs(ctx context.Context, f jobs.JobFilter) ([]jobs.Job, int, error)
	ListRuns(ctx context.Context, tenantID, jobID uuid.UUID, limit int) ([]jobs.JobRun, error)
	QueueDepth(ctx context.Context, tenantID *uuid.UUID) ([]jobs.DepthRow, error)
	RetryFailed(ctx context.Context, tenantID, jobID uuid.UUID) (*jobs.Job, error)
}

// Publisher re-dispatches a retried job's pointer.
type Publisher interface {
	Publish(ctx context.Context, tenantID, jobID uuid.UUID) error
}

// NewListJobs serves GET /api/v1/jobs with tenant/status/type/time filters.
func NewListJobs(store JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		f := jobs.JobFilter{TenantID: tenantID}

		if s := q.Get("status"); s != "" {
			f.Status = jobs.Status(s)
		}
		if t := q.Get("type"); t != "" {
			f.Type = jobs.JobType(t)
			if !f.Type.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown job type", nil)
				return
			}
		}
		if a := q.Get("aoi_id"); a != "" {
			id, err := uuid.Parse(a)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "aoi_id must be a UUID", nil)
				return
			}
			f.AOIID = &id
		}
		var err error
		if f.From, err = parseTime(q.Get("from")); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "from must be RFC3339", nil)
			return
		}
		if f.To, err = parseTime(q.Get("to")); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "to must be RFC3339", nil)
			return
		}
		f.Page = atoiDefault(q.Get("page"), 1)
		f.Limit = atoiDefault(q.Get("limit"), 50)

		list, total, err := store.ListJobs(r.Context(), f)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if list == nil {
			list = []jobs.Job{}
		}
		response.Collection(w, list, response.PaginationMeta{
			Page:    f.Page,
			Limit:   f.Limit,
			Total:   total,
			HasNext: f.Page*f.Limit < total,
		})
	}
}

type jobDetail struct {
	Job  *jobs.Job     `json:"job"`
	Runs []jobs.JobRun `json:"runs"`
}

// NewGetJob serves GET /api/v1/jobs/{jobID}: the job plus its full attempt
// history, newest first.
func NewGetJob(store JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := store.GetJob(r.Context(), tenantID, jobID)
		if errors.Is(err, jobs.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		runs, err := store.ListRuns(r.Context(), tenantID, jobID, 0)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if runs == nil {
			runs = []jobs.JobRun{}
		}
		response.JSON(w, jobDetail{Job: job, Runs: runs})
	}
}

// NewRetryJob serves POST /api/v1/jobs/{jobID}/retry: FAILED re-enters
// PENDING, run history intact, and the pointer is re-published.
func NewRetryJob(store JobStore, pub Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := store.RetryFailed(r.Context(), tenantID, jobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
			return
		case errors.Is(err, jobs.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "NOT_RETRYABLE", "Only FAILED jobs can be retried", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		// Publish failure is tolerable: the dispatch sweep redelivers.
		_ = pub.Publish(r.Context(), tenantID, jobID)

		response.Accepted(w, job)
	}
}

// NewQueueDepth serves GET /api/v1/queue/depth, aggregated by (type, status).
// Without a tenant header it spans all tenants.
func NewQueueDepth(store JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tenantID *uuid.UUID
		if id, ok := mw.GetTenantID(r); ok {
			tenantID = &id
		}
		depth, err := store.QueueDepth(r.Context(), tenantID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if depth == nil {
			depth = []jobs.DepthRow{}
		}
		response.JSON(w, depth)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
