package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/aoi"
	mw "github.com/croplens/croplens/internal/api/middleware"
	"github.com/croplens/croplens/internal/api/response"
	"github.com/croplens/croplens/internal/jobs"
)

// Provisioner creates an AOI with its backfill fan-out in one transaction.
type Provisioner interface {
	CreateWithBackfill(ctx context.Context, tenantID uuid.UUID, name string, lookbackWeeks int) (*aoi.AOI, int, error)
}

// AOIReader resolves AOI existence for gap queries.
type AOIReader interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (*aoi.AOI, error)
}

// GapFinder computes missing weeks for one AOI.
type GapFinder interface {
	FindMissingWeeks(ctx context.Context, tenantID, aoiID uuid.UUID, windowWeeks int) ([]jobs.Week, error)
}

type createAOIResponse struct {
	AOI         *aoi.AOI `json:"aoi"`
	JobsCreated int      `json:"jobs_created"`
}

// NewCreateAOI serves POST /api/v1/aois. The response reports how many
// backfill jobs the fan-out created; re-posting the same AOI name creates a
// new AOI with its own fan-out.
func NewCreateAOI(prov Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant", nil)
			return
		}

		var req struct {
			Name          string `json:"name"`
			LookbackWeeks int    `json:"lookback_weeks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.LookbackWeeks < 0 || req.LookbackWeeks > 104 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lookback_weeks out of range", nil)
			return
		}

		a, created, err := prov.CreateWithBackfill(r.Context(), tenantID, req.Name, req.LookbackWeeks)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.Created(w, createAOIResponse{AOI: a, JobsCreated: created})
	}
}

type missingWeeksResponse struct {
	AOIID       uuid.UUID `json:"aoi_id"`
	WindowWeeks int       `json:"window_weeks"`
	Missing     []string  `json:"missing_weeks"`
	Count       int       `json:"count"`
}

// NewMissingWeeks serves GET /api/v1/aois/{aoiID}/missing-weeks.
func NewMissingWeeks(aois AOIReader, gapsSvc GapFinder, defaultWindow int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant", nil)
			return
		}
		aoiID, err := uuid.Parse(chi.URLParam(r, "aoiID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "aoiID must be a UUID", nil)
			return
		}
		window := atoiDefault(r.URL.Query().Get("window_weeks"), defaultWindow)

		if _, err := aois.Get(r.Context(), tenantID, aoiID); err != nil {
			if errors.Is(err, aoi.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "AOI_NOT_FOUND", "No such AOI", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		missing, err := gapsSvc.FindMissingWeeks(r.Context(), tenantID, aoiID, window)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		out := missingWeeksResponse{
			AOIID:       aoiID,
			WindowWeeks: window,
			Missing:     []string{},
			Count:       len(missing),
		}
		for _, wk := range missing {
			out.Missing = append(out.Missing, wk.String())
		}
		response.JSON(w, out)
	}
}
