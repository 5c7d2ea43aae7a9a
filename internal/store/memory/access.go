package memory

import (
	"context"
	"slices"
	"time"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
)

func (s *Store) ActiveGroupIDs(_ context.Context, userID, companyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.memberships[membershipKey{userID, companyID}] {
		if g, ok := s.groups[id]; ok && g.IsActive && g.CompanyID == companyID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) Grants(_ context.Context, groupIDs []string) ([]access.Permission, []access.FieldOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		perms     []access.Permission
		overrides []access.FieldOverride
	)
	for _, id := range groupIDs {
		perms = append(perms, s.perms[id]...)
		overrides = append(overrides, s.overrides[id]...)
	}
	return perms, overrides, nil
}

func (s *Store) Resources(_ context.Context) ([]access.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.resources), nil
}

func (s *Store) GetGroup(_ context.Context, id string) (*access.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) ListGroups(_ context.Context, companyID string) ([]access.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.Group
	for _, g := range s.groups {
		if g.CompanyID == companyID {
			out = append(out, *g)
		}
	}
	slices.SortFunc(out, func(a, b access.Group) int {
		switch {
		case a.Code < b.Code:
			return -1
		case a.Code > b.Code:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) CreateGroup(_ context.Context, g *access.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.CompanyID == g.CompanyID && existing.Code == g.Code {
			return auth.ErrGroupCodeTaken
		}
	}
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *Store) UpdateGroup(_ context.Context, id string, upd access.GroupUpdate) (*access.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		g.Name = *upd.Name
	}
	if upd.IsActive != nil {
		g.IsActive = *upd.IsActive
	}
	g.UpdatedAt = time.Now().UTC()
	cp := *g
	return &cp, nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; !ok || g.IsSystem {
		return auth.ErrNotFound
	}
	delete(s.groups, id)
	delete(s.perms, id)
	delete(s.overrides, id)
	for k, ids := range s.memberships {
		s.memberships[k] = slices.DeleteFunc(ids, func(g string) bool { return g == id })
	}
	return nil
}

func (s *Store) ReplaceGrants(_ context.Context, groupID string, perms []access.Permission, overrides []access.FieldOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return auth.ErrNotFound
	}
	for _, p := range perms {
		if !s.knownResource(p.ResourceCode) {
			return auth.Validation("Unknown resource", map[string]any{"resourceCode": p.ResourceCode})
		}
	}
	for _, o := range overrides {
		if !s.knownResource(o.ResourceCode) {
			return auth.Validation("Unknown resource", map[string]any{"resourceCode": o.ResourceCode})
		}
	}
	s.perms[groupID] = slices.Clone(perms)
	s.overrides[groupID] = slices.Clone(overrides)
	return nil
}

func (s *Store) ReplaceMemberships(_ context.Context, userID, companyID string, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound.WithMessage("User not found")
	}
	s.memberships[membershipKey{userID, companyID}] = slices.Clone(groupIDs)
	return nil
}

func (s *Store) knownResource(code string) bool {
	return slices.ContainsFunc(s.resources, func(r access.Resource) bool { return r.Code == code })
}
