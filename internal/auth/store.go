package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Companies() CompanyStore
	Roles() RoleStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages identities. Lookups return ErrNotFound when absent.
type UserStore interface {
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	SetMFASecret(ctx context.Context, userID, secret string) error
	EnableMFA(ctx context.Context, userID string) error
	ClearMFA(ctx context.Context, userID string) error
	SetActive(ctx context.Context, userID string, active bool) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// CompanyStore reads tenants.
type CompanyStore interface {
	Find(ctx context.Context, id string) (*Company, error)
}

// RoleStore reads role assignments.
type RoleStore interface {
	Assignments(ctx context.Context, userID string) ([]RoleAssignment, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// Rotate atomically revokes the active token identified by oldHash and
	// stores next for the same user (next.UserID is filled in). Exactly one
	// concurrent caller presenting the same hash succeeds; the rest get
	// ErrInvalidRefreshToken.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken, now time.Time) (*RefreshToken, error)
	// RevokeByHash is idempotent; unknown or already revoked hashes are not an error.
	RevokeByHash(ctx context.Context, hash string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
}
