package authz

import (
	"context"
	"net/http"
	"strings"

	"nexa-erp.dev/internal/auth"
)

const bearerPrefix = "bearer "

// TokenVerifier verifies access tokens.
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.AccessClaims, error)
}

// Authenticate requires a valid bearer access token.
func Authenticate(v TokenVerifier) Step {
	return func(_ context.Context, r *http.Request, rc RequestContext) (RequestContext, error) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return rc, auth.ErrUnauthorized
		}
		claims, err := v.VerifyAccess(token)
		if err != nil {
			return rc, auth.ErrInvalidToken
		}
		rc.Claims = claims
		return rc, nil
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
