// Package authz is the per-request authorization pipeline: authenticate,
// resolve the tenant, then apply guards. Each step either enriches the
// request context or fails with a typed *auth.Error.
package authz

import (
	"context"
	"net/http"

	"nexa-erp.dev/internal/auth"
)

// Tenant is the resolved per-request tenancy.
type Tenant struct {
	UserID         string
	Email          string
	CompanyID      string
	Role           auth.Role
	EnabledModules []string
}

// RequestContext accumulates what earlier steps established.
type RequestContext struct {
	Claims *auth.AccessClaims
	Tenant *Tenant
}

// Step transforms the request context or fails.
type Step func(ctx context.Context, r *http.Request, rc RequestContext) (RequestContext, error)

// Run applies steps in order and stops at the first failure.
func Run(ctx context.Context, r *http.Request, steps ...Step) (RequestContext, error) {
	var rc RequestContext
	for _, step := range steps {
		next, err := step(ctx, r, rc)
		if err != nil {
			return RequestContext{}, err
		}
		rc = next
	}
	return rc, nil
}

type requestContextKey struct{}

// WithRequestContext stores rc on ctx for handlers.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the request context established by the pipeline.
func FromContext(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}
