package access

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"nexa-erp.dev/internal/audit"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/ids"
)

var groupCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,49}$`)

// Admin performs access-group writes. Every write that can change a
// resolution invalidates the affected cache entries after it commits.
type Admin struct {
	store  Store
	engine *Engine
	events audit.Publisher
	now    func() time.Time
}

// NewAdmin wires the admin service to the engine whose cache it invalidates.
func NewAdmin(store Store, engine *Engine, events audit.Publisher) (*Admin, error) {
	if store == nil || engine == nil {
		return nil, errors.New("access: store and engine are required")
	}
	return &Admin{store: store, engine: engine, events: events, now: time.Now}, nil
}

// NewGroup is the input of CreateGroup.
type NewGroup struct {
	Code string
	Name string
}

// ListGroups returns the groups of companyID.
func (a *Admin) ListGroups(ctx context.Context, companyID string) ([]Group, error) {
	return a.store.ListGroups(ctx, companyID)
}

// CreateGroup adds an empty, active, non-system group to companyID.
func (a *Admin) CreateGroup(ctx context.Context, companyID string, in NewGroup) (*Group, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	name := strings.TrimSpace(in.Name)
	details := map[string]any{}
	if !groupCodePattern.MatchString(code) {
		details["code"] = "must be 2-50 upper-case letters, digits or underscores"
	}
	if name == "" || len(name) > 100 {
		details["name"] = "must be 1-100 characters"
	}
	if len(details) > 0 {
		return nil, auth.Validation("Invalid access group", details)
	}
	now := a.now().UTC()
	g := &Group{
		ID:        ids.NewEntity(),
		CompanyID: companyID,
		Code:      code,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	a.publish(ctx, companyID, g.ID, "created")
	return g, nil
}

// UpdateGroup changes name and/or active flag.
func (a *Admin) UpdateGroup(ctx context.Context, companyID, groupID string, upd GroupUpdate) (*Group, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" || len(name) > 100 {
			return nil, auth.Validation("Invalid access group", map[string]any{"name": "must be 1-100 characters"})
		}
		upd.Name = &name
	}
	if _, err := a.groupInCompany(ctx, companyID, groupID); err != nil {
		return nil, err
	}
	g, err := a.store.UpdateGroup(ctx, groupID, upd)
	if err != nil {
		return nil, err
	}
	a.engine.InvalidateCompany(companyID)
	a.publish(ctx, companyID, groupID, "updated")
	return g, nil
}

// DeleteGroup removes a non-system group with its grants and memberships.
func (a *Admin) DeleteGroup(ctx context.Context, companyID, groupID string) error {
	g, err := a.groupInCompany(ctx, companyID, groupID)
	if err != nil {
		return err
	}
	if g.IsSystem {
		return auth.ErrSystemGroup
	}
	if err := a.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	a.engine.InvalidateCompany(companyID)
	a.publish(ctx, companyID, groupID, "deleted")
	return nil
}

// ReplaceGrants swaps the group's permission rows and field overrides.
func (a *Admin) ReplaceGrants(ctx context.Context, companyID, groupID string, perms []Permission, overrides []FieldOverride) error {
	if _, err := a.groupInCompany(ctx, companyID, groupID); err != nil {
		return err
	}
	resources, err := a.store.Resources(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		known[r.Code] = struct{}{}
	}
	if err := validateGrants(known, perms, overrides); err != nil {
		return err
	}
	for i := range perms {
		perms[i].GroupID = groupID
	}
	for i := range overrides {
		overrides[i].GroupID = groupID
	}
	if err := a.store.ReplaceGrants(ctx, groupID, perms, overrides); err != nil {
		return err
	}
	a.engine.InvalidateCompany(companyID)
	a.publish(ctx, companyID, groupID, "grants_replaced")
	return nil
}

// ReplaceMemberships sets the user's groups within companyID.
func (a *Admin) ReplaceMemberships(ctx context.Context, companyID, userID string, groupIDs []string) error {
	seen := make(map[string]struct{}, len(groupIDs))
	unique := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, err := a.groupInCompany(ctx, companyID, id); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return auth.Validation("Unknown access group", map[string]any{"groupIds": fmt.Sprintf("%s does not belong to this company", id)})
			}
			return err
		}
		unique = append(unique, id)
	}
	if err := a.store.ReplaceMemberships(ctx, userID, companyID, unique); err != nil {
		return err
	}
	a.engine.Invalidate(userID, companyID)
	audit.Dispatch(ctx, a.events, audit.Event{
		Type:      audit.EventAccessGroupChange,
		UserID:    userID,
		CompanyID: companyID,
		Fields:    map[string]any{"change": "memberships_replaced", "groups": len(unique)},
	})
	return nil
}

func (a *Admin) groupInCompany(ctx context.Context, companyID, groupID string) (*Group, error) {
	notFound := auth.ErrNotFound.WithMessage("Access group not found")
	if !ids.IsEntity(groupID) {
		return nil, notFound
	}
	g, err := a.store.GetGroup(ctx, groupID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if g.CompanyID != companyID {
		return nil, notFound
	}
	return g, nil
}

func (a *Admin) publish(ctx context.Context, companyID, groupID, change string) {
	audit.Dispatch(ctx, a.events, audit.Event{
		Type:      audit.EventAccessGroupChange,
		CompanyID: companyID,
		Fields:    map[string]any{"group_id": groupID, "change": change},
	})
}

func validateGrants(known map[string]struct{}, perms []Permission, overrides []FieldOverride) error {
	details := map[string]any{}
	seen := make(map[string]struct{}, len(perms))
	for i, p := range perms {
		key := fmt.Sprintf("permissions[%d].resourceCode", i)
		if _, ok := known[p.ResourceCode]; !ok {
			details[key] = "unknown resource"
			continue
		}
		if _, dup := seen[p.ResourceCode]; dup {
			details[key] = "duplicate resource"
		}
		seen[p.ResourceCode] = struct{}{}
	}
	fields := make(map[string]struct{}, len(overrides))
	for i, o := range overrides {
		prefix := fmt.Sprintf("fieldOverrides[%d]", i)
		if _, ok := known[o.ResourceCode]; !ok {
			details[prefix+".resourceCode"] = "unknown resource"
		}
		if strings.TrimSpace(o.FieldPath) == "" {
			details[prefix+".fieldPath"] = "required"
		}
		if _, ok := visibilityRank[o.Visibility]; !ok {
			details[prefix+".visibility"] = "must be VISIBLE, READ_ONLY or HIDDEN"
		}
		key := o.ResourceCode + "\x00" + o.FieldPath
		if _, dup := fields[key]; dup {
			details[prefix+".fieldPath"] = "duplicate field"
		}
		fields[key] = struct{}{}
	}
	if len(details) > 0 {
		return auth.Validation("Invalid permissions", details)
	}
	return nil
}
