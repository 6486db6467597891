package auth

import (
	"fmt"
)

// Kind identifies a distinct authentication failure class. Kinds are stable
// identifiers: they drive the WWW-Authenticate hint and metrics labels, and
// they are safe to expose to callers.
type Kind string

const (
	// KindMissingToken indicates the Authorization header was absent
	KindMissingToken Kind = "missing_token"

	// KindMalformedToken indicates the header or token could not be parsed
	// (wrong scheme, empty token, not a JWT)
	KindMalformedToken Kind = "malformed_token"

	// KindInvalidSignature indicates the token signature did not verify
	// against any known signing key
	KindInvalidSignature Kind = "invalid_signature"

	// KindTokenExpired indicates the exp claim is in the past
	KindTokenExpired Kind = "token_expired"

	// KindInvalidIssuer indicates the iss claim does not match the
	// configured authorization server
	KindInvalidIssuer Kind = "invalid_issuer"

	// KindInvalidAudience indicates the aud claim does not include this
	// gateway's resource identifier
	KindInvalidAudience Kind = "invalid_audience"

	// KindMalformedClaims indicates a required claim (sub, client_id,
	// scope) is missing or has the wrong type
	KindMalformedClaims Kind = "malformed_claims"

	// KindKeyFetchFailed indicates the JWKS document could not be fetched
	// or did not contain the referenced key
	KindKeyFetchFailed Kind = "key_fetch_failed"

	// KindInsufficientScope indicates the token is valid but lacks a
	// required scope
	KindInsufficientScope Kind = "insufficient_scope"
)

// Error is a tagged authentication failure. Description is written for the
// caller and must never contain token content or internal error chains; the
// wrapped cause is for server-side logging only.
type Error struct {
	Kind        Kind
	Description string
	cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap returns the internal cause for logging and errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// OAuthCode returns the RFC 6750 error code for the failure, used in
// WWW-Authenticate hints and JSON error bodies. A missing token has no
// error code per the RFC; callers render it as a bare challenge.
func (e *Error) OAuthCode() string {
	switch e.Kind {
	case KindMissingToken:
		return "unauthorized"
	case KindInsufficientScope:
		return "insufficient_scope"
	default:
		return "invalid_token"
	}
}

// newError creates a tagged Error with an optional internal cause.
func newError(kind Kind, description string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Description: description,
		cause:       cause,
	}
}

// Failure constructors. Descriptions are fixed per kind so that internal
// error text can never reach the caller by accident.
var (
	// ErrMissingToken indicates no Authorization header was sent
	ErrMissingToken = func() *Error {
		return newError(KindMissingToken, "Missing Authorization header", nil)
	}

	// ErrMalformedToken indicates the Authorization header or token could not be parsed
	ErrMalformedToken = func(cause error) *Error {
		return newError(KindMalformedToken, "Invalid Authorization header or token format", cause)
	}

	// ErrInvalidSignature indicates signature verification failed
	ErrInvalidSignature = func(cause error) *Error {
		return newError(KindInvalidSignature, "Token signature verification failed", cause)
	}

	// ErrTokenExpired indicates the token is past its expiry
	ErrTokenExpired = func(cause error) *Error {
		return newError(KindTokenExpired, "Token has expired. Please re-authenticate through your MCP client.", cause)
	}

	// ErrInvalidIssuer indicates an issuer mismatch
	ErrInvalidIssuer = func(cause error) *Error {
		return newError(KindInvalidIssuer, "Token was issued by an unrecognized authorization server", cause)
	}

	// ErrInvalidAudience indicates an audience mismatch
	ErrInvalidAudience = func(cause error) *Error {
		return newError(KindInvalidAudience, "Token is not intended for this resource", cause)
	}

	// ErrMalformedClaims indicates a required claim is missing or mistyped
	ErrMalformedClaims = func(cause error) *Error {
		return newError(KindMalformedClaims, "Token is missing required claims", cause)
	}

	// ErrKeyFetchFailed indicates the signing keys could not be resolved
	ErrKeyFetchFailed = func(cause error) *Error {
		return newError(KindKeyFetchFailed, "Unable to verify token signing keys. Please try again in a moment.", cause)
	}

	// ErrInsufficientScope indicates missing scopes; the missing set is
	// rendered by the caller, which knows the required scopes
	ErrInsufficientScope = func(description string) *Error {
		return newError(KindInsufficientScope, description, nil)
	}
)
