package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/ids"
)

// CompanyHeader selects the active company for a request.
const CompanyHeader = "X-Company-ID"

// TenantResolver turns verified claims plus the company header into a Tenant.
type TenantResolver struct {
	store   auth.Store
	modules auth.ModuleResolver
	tracer  trace.Tracer
}

// NewTenantResolver builds a resolver. modules may be nil.
func NewTenantResolver(store auth.Store, modules auth.ModuleResolver) *TenantResolver {
	return &TenantResolver{
		store:   store,
		modules: modules,
		tracer:  otel.Tracer("nexa-erp.dev/internal/authz"),
	}
}

// Resolve re-checks that the user is active, picks the company (header or
// default), and resolves the role there. Not found, inactive and no access
// all produce the same error so company ids cannot be probed.
func (t *TenantResolver) Resolve(ctx context.Context, userID, headerValue string) (*Tenant, error) {
	ctx, span := t.tracer.Start(ctx, "authz.ResolveTenant")
	defer span.End()

	user, err := t.store.Users().Find(ctx, userID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, auth.ErrUnauthorized
	}

	companyID := strings.TrimSpace(headerValue)
	if companyID != "" {
		if !ids.IsEntity(companyID) {
			return nil, auth.ErrInvalidCompanyID
		}
		companyID = strings.ToLower(companyID)
	} else {
		companyID = user.DefaultCompanyID
		if companyID == "" {
			return nil, auth.ErrNoDefaultCompany
		}
	}

	company, err := t.store.Companies().Find(ctx, companyID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrTenantAccessDenied
	}
	if err != nil {
		return nil, err
	}
	if !company.IsActive {
		return nil, auth.ErrTenantAccessDenied
	}

	assignments, err := t.store.Roles().Assignments(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	role, ok := auth.EffectiveRole(assignments, company.ID)
	if !ok {
		return nil, auth.ErrTenantAccessDenied
	}

	var derived []string
	if t.modules != nil {
		derived, err = t.modules.EnabledModules(ctx, user.ID, company.ID, role)
		if err != nil {
			return nil, err
		}
	}
	return &Tenant{
		UserID:         user.ID,
		Email:          user.Email,
		CompanyID:      company.ID,
		Role:           role,
		EnabledModules: mergeModules(user.EnabledModules, derived),
	}, nil
}

// Step adapts the resolver to the pipeline. It must follow Authenticate.
func (t *TenantResolver) Step() Step {
	return func(ctx context.Context, r *http.Request, rc RequestContext) (RequestContext, error) {
		if rc.Claims == nil {
			return rc, auth.ErrUnauthorized
		}
		tenant, err := t.Resolve(ctx, rc.Claims.Subject, r.Header.Get(CompanyHeader))
		if err != nil {
			return rc, err
		}
		rc.Tenant = tenant
		return rc, nil
	}
}

func mergeModules(sets ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, set := range sets {
		for _, m := range set {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}
