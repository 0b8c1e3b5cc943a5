// Package middleware attaches the resolved tenant Space to request contexts.
package middleware

import (
	"context"
	"net/http"

	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// Resolver is the minimal lookup capability required to populate a Space.
// Implemented by tenant.ResolveClient.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (tenant.Space, error)
}

// WithTenantSpace resolves the tenant named by the X-Tenant header and
// attaches its Space to the context. Requests for unknown or non-active
// tenants fail closed before any tenant data is touched.
func WithTenantSpace(resolver Resolver) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("tenant middleware: resolver is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug := r.Header.Get("X-Tenant")
			if slug == "" {
				apperr.Render(w, r, apperr.Validation("tenant_required", "X-Tenant header is required"))
				return
			}

			space, err := resolver.Resolve(r.Context(), slug)
			if err != nil {
				apperr.Render(w, r, err)
				return
			}

			ctx := tenant.WithSpace(r.Context(), space)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
