package access

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexa-erp.dev/internal/audit"
	"nexa-erp.dev/internal/auth"
)

var _ auth.ModuleResolver = (*Engine)(nil)

// Engine resolves effective permissions and answers permission checks.
type Engine struct {
	store  Store
	cache  *Cache
	tracer trace.Tracer
}

// NewEngine builds an engine. A nil cache disables caching.
func NewEngine(store Store, cache *Cache) (*Engine, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	return &Engine{
		store:  store,
		cache:  cache,
		tracer: otel.Tracer("nexa-erp.dev/internal/access"),
	}, nil
}

// Cache returns the engine's cache (may be nil).
func (e *Engine) Cache() *Cache { return e.cache }

// Resolve merges the grants of all active groups of userID in companyID.
func (e *Engine) Resolve(ctx context.Context, userID, companyID string) (*Resolution, error) {
	if e.cache != nil {
		if res, ok := e.cache.Get(userID, companyID); ok {
			return res, nil
		}
	}

	ctx, span := e.tracer.Start(ctx, "access.Resolve", trace.WithAttributes(
		attribute.String("company.id", companyID),
	))
	defer span.End()

	var epoch uint64
	if e.cache != nil {
		epoch = e.cache.Epoch()
	}
	groupIDs, err := e.store.ActiveGroupIDs(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	var (
		perms     []Permission
		overrides []FieldOverride
	)
	if len(groupIDs) > 0 {
		perms, overrides, err = e.store.Grants(ctx, groupIDs)
		if err != nil {
			return nil, err
		}
	}
	catalog, err := e.catalog(ctx)
	if err != nil {
		return nil, err
	}
	res := Merge(perms, overrides, catalog)
	res.UserID, res.CompanyID = userID, companyID
	span.SetAttributes(attribute.Int("access.groups", len(groupIDs)), attribute.Int("access.resources", len(res.Resources)))

	if e.cache != nil {
		e.cache.Add(userID, companyID, res, epoch)
	}
	return res, nil
}

// Effective is Resolve with the top-tier bypass applied.
func (e *Engine) Effective(ctx context.Context, userID, companyID string, role auth.Role) (*Resolution, error) {
	if role.Unrestricted() {
		resources, err := e.store.Resources(ctx)
		if err != nil {
			return nil, err
		}
		return unrestricted(userID, companyID, resources), nil
	}
	return e.Resolve(ctx, userID, companyID)
}

// HasPermission reports whether the user may perform action on resource.
// The top tier is always allowed without touching storage.
func (e *Engine) HasPermission(ctx context.Context, userID, companyID string, role auth.Role, resource string, action Action) (bool, error) {
	if role.Unrestricted() {
		return true, nil
	}
	res, err := e.Resolve(ctx, userID, companyID)
	if err != nil {
		return false, err
	}
	return res.Allows(resource, action), nil
}

// EnabledModules returns the modules implied by the user's accessible resources.
func (e *Engine) EnabledModules(ctx context.Context, userID, companyID string, role auth.Role) ([]string, error) {
	res, err := e.Effective(ctx, userID, companyID, role)
	if err != nil {
		return nil, err
	}
	return res.Modules, nil
}

// Invalidate drops the cached resolution of one user in one company.
func (e *Engine) Invalidate(userID, companyID string) {
	if e.cache != nil {
		e.cache.Invalidate(userID, companyID)
	}
}

// InvalidateCompany drops every cached resolution of companyID.
func (e *Engine) InvalidateCompany(companyID string) {
	if e.cache != nil {
		e.cache.InvalidateCompany(companyID)
	}
}

// Follow evicts cached resolutions of deactivated users until events closes.
func (e *Engine) Follow(events <-chan audit.Event) {
	for evt := range events {
		if evt.Type == audit.EventUserDeactivated && e.cache != nil {
			e.cache.InvalidateUser(evt.UserID)
		}
	}
}

func (e *Engine) catalog(ctx context.Context) (map[string]string, error) {
	resources, err := e.store.Resources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resources))
	for _, r := range resources {
		out[r.Code] = r.Module
	}
	return out, nil
}
