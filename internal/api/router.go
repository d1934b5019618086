// Package api assembles the operational HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/croplens/croplens/internal/api/middleware"
	"github.com/croplens/croplens/internal/api/response"
)

// Dependencies holds the handlers the router mounts. Nil entries answer 501,
// which keeps partial deployments honest instead of 404ing.
type Dependencies struct {
	Health       http.HandlerFunc
	ListJobs     http.HandlerFunc
	GetJob       http.HandlerFunc
	RetryJob     http.HandlerFunc
	QueueDepth   http.HandlerFunc
	CreateAOI    http.HandlerFunc
	MissingWeeks http.HandlerFunc
	Reprocess    http.HandlerFunc
}

func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.Health))

	// Tenant-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireTenant)

		r.Post("/api/v1/aois", orNotImplemented(deps.CreateAOI))
		r.Get("/api/v1/aois/{aoiID}/missing-weeks", orNotImplemented(deps.MissingWeeks))

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))
	})

	// Operator routes: tenant header optional, absent means all tenants.
	r.Group(func(r chi.Router) {
		r.Use(mw.OptionalTenant)

		r.Get("/api/v1/queue/depth", orNotImplemented(deps.QueueDepth))
		r.Post("/api/v1/admin/reprocess", orNotImplemented(deps.Reprocess))
	})

	return r
}

func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
