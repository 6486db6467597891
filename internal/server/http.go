package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/logging"
	"github.com/kurahq/kura-mcp/internal/mcp"
)

// maxRequestBytes caps the JSON-RPC request body at 1 MiB.
const maxRequestBytes = 1 << 20

// scopeErrorResponse is the JSON body for authorization failures. It names
// exactly the scopes the caller is missing, never the ones they hold.
type scopeErrorResponse struct {
	Error            string   `json:"error"`
	ErrorDescription string   `json:"error_description"`
	MissingScopes    []string `json:"missing_scopes"`
}

// GatewayServer is the main HTTP listener: the authenticated /mcp endpoint,
// the public discovery document, and the Kubernetes health probes.
type GatewayServer struct {
	serverContext *ServerContext
	dispatcher    *mcp.Dispatcher
	gate          *auth.Gate
	limiter       *ClientRateLimiter
	health        *HealthChecker
	metadata      ProtectedResourceMetadata
	baseURL       string
	logger        *slog.Logger
	httpServer    *http.Server
}

// NewGatewayServer assembles the gateway's HTTP surface. baseURL is the
// public URL clients use to reach this deployment; it doubles as the
// protected resource identifier.
func NewGatewayServer(
	sc *ServerContext,
	dispatcher *mcp.Dispatcher,
	gate *auth.Gate,
	limiter *ClientRateLimiter,
	health *HealthChecker,
	metadata ProtectedResourceMetadata,
	baseURL string,
) *GatewayServer {
	return &GatewayServer{
		serverContext: sc,
		dispatcher:    dispatcher,
		gate:          gate,
		limiter:       limiter,
		health:        health,
		metadata:      metadata,
		baseURL:       baseURL,
		logger:        sc.Logger(),
	}
}

// Handler returns the gateway's HTTP handler with all routes and middleware
// wired. Exposed so tests can drive the full stack without a listener.
func (s *GatewayServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Discovery must be reachable before the client holds any token.
	mux.Handle(auth.MetadataPath, s.metadata.Handler())

	// The gate runs before the rate limiter so authenticated callers are
	// limited per client id rather than per source IP.
	mcpHandler := http.HandlerFunc(s.handleMCP)
	if s.limiter != nil {
		mux.Handle("/mcp", s.gate.Middleware(s.limiter.Middleware(mcpHandler)))
	} else {
		mux.Handle("/mcp", s.gate.Middleware(mcpHandler))
	}

	if s.health != nil {
		s.health.RegisterHealthEndpoints(mux)
	}

	return s.instrumentHTTP(mux)
}

// Start validates the deployment URL and serves until the listener fails
// or Shutdown is called.
func (s *GatewayServer) Start(addr string) error {
	if err := validateHTTPSRequirement(s.baseURL); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting gateway server",
		slog.String("addr", addr),
		slog.String("base_url", s.baseURL))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the gateway server.
func (s *GatewayServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.logger.Info("shutting down gateway server")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleMCP is the JSON-RPC endpoint. It runs after the authorization gate,
// so the request context always carries a verified identity.
func (s *GatewayServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	outcome := s.dispatcher.Dispatch(r.Context(), body)

	if len(outcome.MissingScopes) > 0 {
		s.writeInsufficientScope(w, outcome.MissingScopes)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.Status)
	if err := json.NewEncoder(w).Encode(outcome.Response); err != nil {
		s.logger.Error("failed to encode response", logging.Err(err))
	}
}

// writeInsufficientScope reports a scope failure outside the JSON-RPC
// envelope: the request was well-formed, the caller just is not allowed.
func (s *GatewayServer) writeInsufficientScope(w http.ResponseWriter, missing []string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm="%s", error="insufficient_scope", scope="%s"`,
		s.baseURL, strings.Join(missing, " "),
	))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(scopeErrorResponse{
		Error:            "insufficient_scope",
		ErrorDescription: fmt.Sprintf("Missing required scopes: %s", strings.Join(missing, ", ")),
		MissingScopes:    missing,
	})
}

// instrumentHTTP records request metrics for every route.
func (s *GatewayServer) instrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := s.serverContext.Metrics()
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, recorder.status, time.Since(start))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// validateHTTPSRequirement ensures the public URL uses HTTPS. HTTP is
// allowed only for loopback addresses during development.
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("bearer tokens require HTTPS in production (got: %s); use HTTPS or localhost for development", baseURL)
		}
		return nil
	default:
		return fmt.Errorf("invalid URL scheme: %s, must be http (localhost only) or https", u.Scheme)
	}
}
