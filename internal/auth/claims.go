package auth

import (
	"time"
)

// Claims holds the verified token claims the gateway cares about.
// Produced by Verifier; immutable; scoped to a single request.
type Claims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Identity is the subset of Claims exposed to downstream layers. It is
// attached to the request context by the Gate and discarded at response time.
type Identity struct {
	UserID   string
	ClientID string
	Scopes   []string
}

// IdentityFromClaims derives the request identity from verified claims.
func IdentityFromClaims(claims *Claims) Identity {
	return Identity{
		UserID:   claims.Subject,
		ClientID: claims.ClientID,
		Scopes:   claims.Scopes,
	}
}

// HasScope reports whether the identity carries the given scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MissingScopes returns the required scopes the identity does not carry,
// in the order they were required. The result names only absent scopes,
// never scopes the caller already holds.
func (id Identity) MissingScopes(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !id.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}
