package auth

import "context"

type claimsContextKey struct{}

// ContextWithClaims attaches verified access token claims to the context.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts verified claims from the context.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
