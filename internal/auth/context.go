package auth

import (
	"context"
)

// contextKey is the type for context keys
type contextKey string

const (
	// identityContextKey is the key for storing the verified identity in the request context
	identityContextKey contextKey = "auth_identity"

	// tokenContextKey is the key for storing the raw bearer token in the request context
	tokenContextKey contextKey = "bearer_token"
)

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the verified identity from the request context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// WithToken returns a context carrying the caller's raw bearer token.
// The token is kept only so tool executors can forward it to the notes
// service; it must never be logged.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFromContext retrieves the caller's raw bearer token from the request context.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey).(string)
	return token, ok
}
