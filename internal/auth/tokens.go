package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"nexa-erp.dev/internal/ids"
)

const (
	// MinSecretLength is the shortest accepted HS256 signing secret.
	MinSecretLength = 32

	defaultIssuer     = "nexa-erp"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	refreshSecretBytes = 32
)

// ErrWeakSecret is returned at construction when the signing secret is too short.
var ErrWeakSecret = fmt.Errorf("auth: signing secret must be at least %d characters", MinSecretLength)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	TenantID       string   `json:"tenantId,omitempty"`
	Role           Role     `json:"role,omitempty"`
	EnabledModules []string `json:"enabledModules"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies access tokens and mints refresh secrets.
type Tokens struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokens validates the secret and builds a token service.
func NewTokens(secret string, opts ...TokenOption) (*Tokens, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	t := &Tokens{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (t *Tokens) RefreshTTL() time.Duration { return t.refreshTTL }

// IssueAccess signs an HS256 access token for the subject.
func (t *Tokens) IssueAccess(userID, tenantID string, role Role, modules []string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := t.now().UTC()
	exp := now.Add(t.accessTTL)
	if modules == nil {
		modules = []string{}
	}
	claims := AccessClaims{
		TenantID:       tenantID,
		Role:           role,
		EnabledModules: modules,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccess checks signature, algorithm, issuer and expiry. Every failure
// is reported as ErrInvalidToken.
func (t *Tokens) VerifyAccess(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewRefresh mints a 256-bit refresh secret for userID. The secret goes to
// the client once; only its hash is persisted.
func (t *Tokens) NewRefresh(userID string) (string, *RefreshToken, error) {
	raw := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	now := t.now().UTC()
	return secret, &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: HashRefreshToken(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(t.refreshTTL),
	}, nil
}

// HashRefreshToken returns the hex SHA-256 of secret, the stored lookup key.
func HashRefreshToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// normalizeModules lower-cases, dedupes and sorts module codes.
func normalizeModules(sets ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, set := range sets {
		for _, m := range set {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}
