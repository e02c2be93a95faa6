// Package middleware provides HTTP middleware for the kbforge API.
// Token validation lives with the external identity provider; this
// layer trusts the principal headers that provider injects.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/tenant"
)

type contextKey string

const tenantKey contextKey = "tenant"

// Auth extracts the authenticated principal from the gateway headers
// and rejects requests without a workspace scope.
func Auth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, err := tenant.ParseRole(headerOr(r, "X-Role", string(tenant.RoleViewer)))
			if err != nil {
				http.Error(w, `{"error":"invalid X-Role header"}`, http.StatusUnauthorized)
				return
			}
			tc := tenant.Context{
				OrgID:       r.Header.Get("X-Org-ID"),
				WorkspaceID: r.Header.Get("X-Workspace-ID"),
				UserID:      r.Header.Get("X-User-ID"),
				Role:        role,
			}
			if err := tc.Validate(); err != nil {
				http.Error(w, `{"error":"missing principal headers"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey, tc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return fallback
}

// TenantFromContext returns the request's principal. The zero value
// means the auth middleware did not run.
func TenantFromContext(ctx context.Context) tenant.Context {
	if v := ctx.Value(tenantKey); v != nil {
		if tc, ok := v.(tenant.Context); ok {
			return tc
		}
	}
	return tenant.Context{}
}

// RequestLogger logs one line per request with tenant and latency.
func RequestLogger(log *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			tc := TenantFromContext(r.Context())
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("workspace_id", tc.WorkspaceID).
				Int("status", rec.status).
				Dur("latency", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
