package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kurahq/kura-mcp/internal/instrumentation"
	"github.com/kurahq/kura-mcp/internal/logging"
)

// MetadataPath is where the protected-resource discovery document is served.
const MetadataPath = "/.well-known/oauth-protected-resource"

// ErrorResponse is the JSON body written for HTTP-level auth failures.
// Auth failures are reported outside the JSON-RPC envelope because they are
// decided before the request body is considered trustworthy.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Gate is the authorization middleware in front of every protected route.
// It extracts the bearer token, runs the Verifier, and attaches the resolved
// identity and the raw token to the request context, or short-circuits with
// a 401 carrying a WWW-Authenticate challenge.
type Gate struct {
	verifier *Verifier
	resource string
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger overrides the logger used for auth decisions.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithGateMetrics enables auth attempt metrics.
func WithGateMetrics(metrics *instrumentation.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = metrics
	}
}

// NewGate creates a Gate. resource is the gateway's public base URL, used as
// the realm in WWW-Authenticate challenges.
func NewGate(verifier *Verifier, resource string, opts ...GateOption) *Gate {
	g := &Gate{
		verifier: verifier,
		resource: resource,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware validates the bearer token on every request before handing off
// to next. On success the request context carries the Identity and the raw
// token for upstream passthrough.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken, authErr := extractBearerToken(r)
		if authErr == nil {
			var claims *Claims
			claims, authErr = g.verifier.Verify(r.Context(), rawToken)
			if authErr == nil {
				identity := IdentityFromClaims(claims)
				g.recordAuth(r, instrumentation.StatusSuccess, "")
				g.logger.Debug("token accepted",
					logging.ClientID(identity.ClientID),
					logging.UserHash(identity.UserID))

				ctx := WithIdentity(r.Context(), identity)
				ctx = WithToken(ctx, rawToken)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		g.recordAuth(r, instrumentation.StatusError, string(authErr.Kind))
		g.writeUnauthorized(w, authErr)
	})
}

// writeUnauthorized writes the 401 response for an auth failure: the bearer
// challenge with a resource-metadata pointer, and a JSON body with the OAuth
// error code and a safe description.
func (g *Gate) writeUnauthorized(w http.ResponseWriter, authErr *Error) {
	if authErr.Kind == KindMissingToken {
		// A bare challenge per RFC 6750: no error attribute when no
		// token was presented at all.
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm="%s", resource_metadata="%s"`,
			g.resource, MetadataPath,
		))
	} else {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm="%s", resource_metadata="%s", error="invalid_token", error_description="%s"`,
			g.resource, MetadataPath, authErr.Description,
		))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            g.bodyErrorCode(authErr),
		ErrorDescription: authErr.Description,
	})
}

// bodyErrorCode picks the error code for the JSON body. A request with no
// credentials at all reads "unauthorized"; everything else is the RFC 6750
// invalid_token code.
func (g *Gate) bodyErrorCode(authErr *Error) string {
	if authErr.Kind == KindMissingToken {
		return "unauthorized"
	}
	return "invalid_token"
}

func (g *Gate) recordAuth(r *http.Request, result, kind string) {
	if g.metrics != nil {
		g.metrics.RecordAuthAttempt(r.Context(), result, kind)
	}
}

// extractBearerToken pulls the bearer token out of the Authorization header.
// A missing header and a malformed header are distinct failures.
func extractBearerToken(r *http.Request) (string, *Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken()
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformedToken(fmt.Errorf("authorization header is not a bearer credential"))
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedToken(fmt.Errorf("bearer token is empty"))
	}

	return token, nil
}
