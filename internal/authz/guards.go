package authz

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
)

// PermissionChecker answers fine-grained permission questions.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, companyID string, role auth.Role, resource string, action access.Action) (bool, error)
}

// RequireRole admits callers whose tenant role ranks at least min. When
// module is set, non-top-tier callers must also have it enabled
// (case-insensitive). Unknown roles are denied.
func RequireRole(min auth.Role, module string) Step {
	module = strings.ToLower(strings.TrimSpace(module))
	return func(_ context.Context, _ *http.Request, rc RequestContext) (RequestContext, error) {
		if rc.Tenant == nil {
			return rc, auth.ErrUnauthorized
		}
		if !rc.Tenant.Role.AtLeast(min) {
			return rc, auth.ErrForbidden
		}
		if module == "" || rc.Tenant.Role.Unrestricted() {
			return rc, nil
		}
		if !slices.ContainsFunc(rc.Tenant.EnabledModules, func(m string) bool {
			return strings.EqualFold(m, module)
		}) {
			return rc, auth.ErrModuleNotEnabled
		}
		return rc, nil
	}
}

// RequirePermission admits callers whose merged grants allow action on
// resource. The top tier always passes.
func RequirePermission(checker PermissionChecker, resource string, action access.Action) Step {
	return func(ctx context.Context, _ *http.Request, rc RequestContext) (RequestContext, error) {
		if rc.Tenant == nil {
			return rc, auth.ErrUnauthorized
		}
		ok, err := checker.HasPermission(ctx, rc.Tenant.UserID, rc.Tenant.CompanyID, rc.Tenant.Role, resource, action)
		if err != nil {
			return rc, err
		}
		if !ok {
			return rc, auth.ErrForbidden
		}
		return rc, nil
	}
}
