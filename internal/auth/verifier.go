package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kurahq/kura-mcp/internal/logging"
)

const (
	// DefaultLeeway is the clock skew tolerance applied to time-based claims.
	DefaultLeeway = 30 * time.Second

	// signingAlgorithm is the only accepted JWS algorithm. Tokens signed
	// with anything else (including "none") are rejected before key lookup.
	signingAlgorithm = "RS256"
)

// errKeyResolution tags keyfunc failures so they are distinguishable from
// signature failures when classifying parser errors.
var errKeyResolution = errors.New("key resolution failed")

// Verifier validates bearer JWTs against JWKS-published signing keys.
//
// A token is accepted only when its RS256 signature verifies, exp (with
// leeway) has not passed, iss equals the configured issuer exactly, aud
// contains the configured audience, and the sub, client_id, and scope
// claims are present.
type Verifier struct {
	keys     *KeySet
	issuer   string
	audience string
	leeway   time.Duration
	logger   *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway overrides the default clock skew tolerance.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = leeway
	}
}

// WithVerifierLogger overrides the logger used for verification failures.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier. issuer is the authorization server URL the
// iss claim must equal; audience is this gateway's resource identifier the
// aud claim must contain.
func NewVerifier(keys *KeySet, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		leeway:   DefaultLeeway,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates a raw bearer token and returns its claims. Failures are
// tagged so the transport layer can render precise WWW-Authenticate hints
// without exposing internal error text.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, *Error) {
	kid, authErr := v.inspectHeader(rawToken)
	if authErr != nil {
		return nil, authErr
	}

	claims, err := v.parse(ctx, rawToken, kid)
	if err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// The signing key may have rotated since it was cached. Drop the
		// cached key and retry once against a fresh JWKS document.
		v.keys.Invalidate(kid)
		v.logger.Debug("signature failed with cached key, refetching JWKS",
			logging.KeyID(kid))
		claims, err = v.parse(ctx, rawToken, kid)
	}
	if err != nil {
		authErr := v.classify(err)
		v.logger.Warn("token verification failed",
			logging.AuthFailure(string(authErr.Kind)),
			logging.KeyID(kid),
			logging.Err(err))
		return nil, authErr
	}

	verified, authErr := v.extractClaims(claims)
	if authErr != nil {
		v.logger.Warn("token verification failed",
			logging.AuthFailure(string(authErr.Kind)),
			logging.KeyID(kid))
		return nil, authErr
	}

	return verified, nil
}

// inspectHeader decodes the unverified JOSE header to extract the signing
// algorithm and key id. The algorithm whitelist is enforced here, before any
// key is fetched, so an alg:none or HS256 token never touches the key cache.
func (v *Verifier) inspectHeader(rawToken string) (string, *Error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return "", ErrMalformedToken(err)
	}

	if alg, _ := token.Header["alg"].(string); alg != signingAlgorithm {
		return "", ErrInvalidSignature(fmt.Errorf("unsupported signing algorithm %q", token.Header["alg"]))
	}

	kid, _ := token.Header["kid"].(string)
	return kid, nil
}

// parse runs full signature and registered-claim validation.
func (v *Verifier) parse(ctx context.Context, rawToken, kid string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (interface{}, error) {
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errKeyResolution, err)
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// classify maps a jwt parser error onto the failure taxonomy. The parser may
// join several errors; the checks run from most to least specific.
func (v *Verifier) classify(err error) *Error {
	switch {
	case errors.Is(err, errKeyResolution):
		return ErrKeyFetchFailed(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature(err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrInvalidIssuer(err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidAudience(err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformedClaims(err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken(err)
	default:
		return ErrMalformedToken(err)
	}
}

// extractClaims pulls the gateway's required claims out of the validated
// token. A missing sub, client_id, or scope is a malformed_claims failure,
// distinct from signature or expiry problems.
func (v *Verifier) extractClaims(claims jwt.MapClaims) (*Claims, *Error) {
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrMalformedClaims(errors.New("missing sub claim"))
	}

	clientID, ok := claims["client_id"].(string)
	if !ok || clientID == "" {
		return nil, ErrMalformedClaims(errors.New("missing client_id claim"))
	}

	scope, ok := claims["scope"].(string)
	if !ok {
		return nil, ErrMalformedClaims(errors.New("missing scope claim"))
	}

	verified := &Claims{
		Subject:  subject,
		ClientID: clientID,
		Scopes:   parseScopes(scope),
	}

	if issuer, err := claims.GetIssuer(); err == nil {
		verified.Issuer = issuer
	}
	if audience, err := claims.GetAudience(); err == nil {
		verified.Audience = audience
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		verified.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		verified.IssuedAt = iat.Time
	}

	return verified, nil
}

// parseScopes splits a space-separated scope string into its scopes.
func parseScopes(scope string) []string {
	return strings.Fields(scope)
}
