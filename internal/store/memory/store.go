// Package memory is an in-process repository for tests and local development.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
)

var (
	_ auth.Store   = (*Store)(nil)
	_ access.Store = (*Store)(nil)
)

type membershipKey struct {
	userID    string
	companyID string
}

// Store keeps every table in maps under one mutex; each method is atomic.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*auth.Identity
	companies   map[string]*auth.Company
	assignments map[string][]auth.RoleAssignment
	tokens      map[string]*auth.RefreshToken // by hash
	resources   []access.Resource
	groups      map[string]*access.Group
	perms       map[string][]access.Permission
	overrides   map[string][]access.FieldOverride
	memberships map[membershipKey][]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*auth.Identity),
		companies:   make(map[string]*auth.Company),
		assignments: make(map[string][]auth.RoleAssignment),
		tokens:      make(map[string]*auth.RefreshToken),
		groups:      make(map[string]*access.Group),
		perms:       make(map[string][]access.Permission),
		overrides:   make(map[string][]access.FieldOverride),
		memberships: make(map[membershipKey][]string),
	}
}

func (s *Store) Users() auth.UserStore                 { return userStore{s} }
func (s *Store) Companies() auth.CompanyStore          { return companyStore{s} }
func (s *Store) Roles() auth.RoleStore                 { return roleStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return tokenStore{s} }

// Seeding ------------------------------------------------------------------

// PutUser inserts or replaces an identity.
func (s *Store) PutUser(u auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	u.EnabledModules = slices.Clone(u.EnabledModules)
	s.users[u.ID] = &u
}

// PutCompany inserts or replaces a company.
func (s *Store) PutCompany(c auth.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[c.ID] = &c
}

// Assign adds a role assignment.
func (s *Store) Assign(a auth.RoleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.UserID] = append(s.assignments[a.UserID], a)
}

// PutResource adds a catalog entry.
func (s *Store) PutResource(r access.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, r)
}

// PutGroup inserts or replaces a group.
func (s *Store) PutGroup(g access.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = &g
}

// RefreshToken returns a copy of the token stored under hash, for assertions.
func (s *Store) RefreshToken(hash string) (auth.RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[hash]
	if !ok {
		return auth.RefreshToken{}, false
	}
	return *t, true
}

// Users --------------------------------------------------------------------

type userStore struct{ s *Store }

func (u userStore) Find(_ context.Context, id string) (*auth.Identity, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *user
	cp.EnabledModules = slices.Clone(user.EnabledModules)
	return &cp, nil
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	email = strings.ToLower(email)
	u.s.mu.RLock()
	var id string
	for _, user := range u.s.users {
		if user.Email == email {
			id = user.ID
			break
		}
	}
	u.s.mu.RUnlock()
	if id == "" {
		return nil, auth.ErrNotFound
	}
	return u.Find(ctx, id)
}

func (u userStore) update(id string, fn func(*auth.Identity)) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(user)
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (u userStore) SetMFASecret(_ context.Context, userID, secret string) error {
	return u.update(userID, func(i *auth.Identity) { i.MFASecret = secret })
}

func (u userStore) EnableMFA(_ context.Context, userID string) error {
	return u.update(userID, func(i *auth.Identity) { i.MFAEnabled = true })
}

func (u userStore) ClearMFA(_ context.Context, userID string) error {
	return u.update(userID, func(i *auth.Identity) {
		i.MFAEnabled = false
		i.MFASecret = ""
	})
}

func (u userStore) SetActive(_ context.Context, userID string, active bool) error {
	return u.update(userID, func(i *auth.Identity) { i.IsActive = active })
}

func (u userStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	return u.update(userID, func(i *auth.Identity) { i.LastLoginAt = &at })
}

// Companies and roles ------------------------------------------------------

type companyStore struct{ s *Store }

func (c companyStore) Find(_ context.Context, id string) (*auth.Company, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	company, ok := c.s.companies[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *company
	return &cp, nil
}

type roleStore struct{ s *Store }

func (r roleStore) Assignments(_ context.Context, userID string) ([]auth.RoleAssignment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return slices.Clone(r.s.assignments[userID]), nil
}

// Refresh tokens -----------------------------------------------------------

type tokenStore struct{ s *Store }

func (t tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *tok
	t.s.tokens[tok.TokenHash] = &cp
	return nil
}

func (t tokenStore) Rotate(_ context.Context, oldHash string, next *auth.RefreshToken, now time.Time) (*auth.RefreshToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	old, ok := t.s.tokens[oldHash]
	if !ok || !old.Active(now) {
		return nil, auth.ErrInvalidRefreshToken
	}
	revokedAt := now
	old.RevokedAt = &revokedAt
	next.UserID = old.UserID
	cp := *next
	t.s.tokens[next.TokenHash] = &cp
	out := *old
	return &out, nil
}

func (t tokenStore) RevokeByHash(_ context.Context, hash string, now time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if tok, ok := t.s.tokens[hash]; ok && tok.RevokedAt == nil {
		revokedAt := now
		tok.RevokedAt = &revokedAt
	}
	return nil
}

func (t tokenStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, tok := range t.s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			revokedAt := now
			tok.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}
