package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/croplens/croplens/internal/api/response"
)

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewHealth serves GET /api/v1/health, pinging each named dependency with a
// short deadline.
func NewHealth(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := healthStatus{Status: "ok", Checks: map[string]string{}}
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				out.Status = "degraded"
				out.Checks[name] = err.Error()
				continue
			}
			out.Checks[name] = "ok"
		}
		if out.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more dependencies failing", out.Checks)
			return
		}
		response.JSON(w, out)
	}
}
