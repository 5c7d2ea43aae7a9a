package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokensRejectsWeakSecret(t *testing.T) {
	if _, err := NewTokens(strings.Repeat("x", MinSecretLength-1)); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
	if _, err := NewTokens(strings.Repeat("x", MinSecretLength)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokens(testSecret, WithIssuer("nexa-test"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, exp, err := tokens.IssueAccess("user-1", "company-1", RoleManager, []string{"sales", "hr"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if d := time.Until(exp); d <= 14*time.Minute || d > 15*time.Minute {
		t.Fatalf("unexpected expiry in %v", d)
	}
	claims, err := tokens.VerifyAccess(token)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "company-1" || claims.Role != RoleManager {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.EnabledModules) != 2 || claims.ID == "" {
		t.Fatalf("unexpected modules or jti: %+v", claims)
	}
}

func TestVerifyAccessRejects(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, err := NewTokens(testSecret, WithTokenClock(clock))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	valid, _, err := tokens.IssueAccess("user-1", "company-1", RoleStaff, nil)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	later, _ := NewTokens(testSecret, WithTokenClock(func() time.Time { return now.Add(16 * time.Minute) }))
	otherIssuer, _ := NewTokens(testSecret, WithIssuer("someone-else"), WithTokenClock(clock))
	otherSecret, _ := NewTokens(strings.Repeat("k", 40), WithTokenClock(clock))

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign hs384: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	noExp := claims
	noExp.ExpiresAt = nil
	withoutExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, noExp).SignedString([]byte(testSecret))

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name   string
		tokens *Tokens
		token  string
	}{
		{"expired", later, valid},
		{"wrong issuer", otherIssuer, valid},
		{"wrong secret", otherSecret, valid},
		{"hs384", tokens, hs384},
		{"alg none", tokens, none},
		{"no expiry", tokens, withoutExp},
		{"tampered", tokens, tampered},
		{"empty", tokens, ""},
		{"garbage", tokens, "not.a.jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.tokens.VerifyAccess(tc.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewRefresh(t *testing.T) {
	tokens, err := NewTokens(testSecret, WithRefreshTTL(48*time.Hour))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	secret, rec, err := tokens.NewRefresh("user-1")
	if err != nil {
		t.Fatalf("NewRefresh: %v", err)
	}
	if len(secret) != 43 {
		t.Fatalf("expected 256-bit base64url secret, got %d chars", len(secret))
	}
	if rec.TokenHash != HashRefreshToken(secret) || rec.TokenHash == secret {
		t.Fatal("stored hash must be the SHA-256 of the secret")
	}
	if len(rec.TokenHash) != 64 {
		t.Fatalf("unexpected hash length %d", len(rec.TokenHash))
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 48*time.Hour {
		t.Fatalf("unexpected refresh ttl %v", got)
	}

	other, _, _ := tokens.NewRefresh("user-1")
	if other == secret {
		t.Fatal("expected unique secrets")
	}
}

func TestNormalizeModules(t *testing.T) {
	got := normalizeModules([]string{"Sales", " hr "}, []string{"sales", "", "Finance"})
	want := []string{"finance", "hr", "sales"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}
