// Package middleware carries the cross-cutting HTTP concerns: request
// logging, panic recovery, and tenant resolution.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/api/response"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const tenantIDKey contextKey = "tenant_id"

func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

// RequireTenant resolves the X-Tenant-ID header into the request context.
// Every tenant-scoped route sits behind it; the admin sweep endpoint does
// not, because operators may sweep across tenants.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			response.Error(w, http.StatusUnauthorized, "MISSING_TENANT",
				"X-Tenant-ID header is required", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_TENANT",
				"X-Tenant-ID must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetTenantID(r.Context(), id)))
	})
}

// OptionalTenant resolves X-Tenant-ID when present and rejects only malformed
// values. Used by operator endpoints where an absent tenant means all-tenant
// scope.
func OptionalTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_TENANT",
				"X-Tenant-ID must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetTenantID(r.Context(), id)))
	})
}
