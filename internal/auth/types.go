package auth

import "time"

// Identity is a user account as the auth subsystem sees it.
type Identity struct {
	ID               string
	Email            string
	PasswordHash     string
	IsActive         bool
	DefaultCompanyID string
	MFAEnabled       bool
	// MFASecret is empty until setup starts. It is never rendered to clients
	// after verification.
	MFASecret      string
	EnabledModules []string
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Company is a tenant.
type Company struct {
	ID       string
	Name     string
	IsActive bool
}

// RoleAssignment binds a user to a role, either in one company or globally
// (empty CompanyID).
type RoleAssignment struct {
	UserID    string
	CompanyID string
	Role      Role
}

// RefreshToken is the persisted form of a refresh secret. Only the hash is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
	UserAgent string
	IP        string
}

// Active reports whether the token can still be exchanged at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is the result of a successful authentication or refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// SessionUser is the client-facing summary returned by login and refresh.
type SessionUser struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Role           Role     `json:"role,omitempty"`
	TenantID       string   `json:"tenantId,omitempty"`
	MFAEnabled     bool     `json:"mfaEnabled"`
	EnabledModules []string `json:"enabledModules"`
}
