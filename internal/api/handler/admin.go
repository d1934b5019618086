package handler

import (
	"context"
	"encoding/json"
	"net/http"

	mw "github.com/croplens/croplens/internal/api/middleware"
	"github.com/croplens/croplens/internal/api/response"
	"github.com/croplens/croplens/internal/gaps"
)

// Sweeper runs a bounded reprocessing sweep.
type Sweeper interface {
	ReprocessMissingWeeks(ctx context.Context, p gaps.SweepParams) (gaps.SweepResult, error)
}

// ReprocessDefaults bounds a sweep when the request omits a knob.
type ReprocessDefaults struct {
	WindowWeeks   int
	ResultLimit   int
	MaxRunsPerAOI int
}

// NewReprocess serves POST /api/v1/admin/reprocess. Scoped to the calling
// tenant when X-Tenant-ID is set, otherwise across all tenants.
func NewReprocess(sweeper Sweeper, defs ReprocessDefaults) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WindowWeeks   int `json:"window_weeks"`
			ResultLimit   int `json:"result_limit"`
			MaxRunsPerAOI int `json:"max_runs_per_aoi"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		p := gaps.SweepParams{
			WindowWeeks:   req.WindowWeeks,
			ResultLimit:   req.ResultLimit,
			MaxRunsPerAOI: req.MaxRunsPerAOI,
		}
		if p.WindowWeeks <= 0 {
			p.WindowWeeks = defs.WindowWeeks
		}
		if p.ResultLimit <= 0 {
			p.ResultLimit = defs.ResultLimit
		}
		if p.MaxRunsPerAOI <= 0 {
			p.MaxRunsPerAOI = defs.MaxRunsPerAOI
		}
		if id, ok := mw.GetTenantID(r); ok {
			p.TenantID = &id
		}

		res, err := sweeper.ReprocessMissingWeeks(r.Context(), p)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.Accepted(w, res)
	}
}
