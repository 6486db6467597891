package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/embeddings"
	"github.com/kurahq/kura-mcp/internal/instrumentation"
	"github.com/kurahq/kura-mcp/internal/mcp"
	"github.com/kurahq/kura-mcp/internal/notes"
	"github.com/kurahq/kura-mcp/internal/server"
	"github.com/kurahq/kura-mcp/internal/tools/notes_tools"
)

// ServeConfig holds the gateway's runtime configuration, assembled from
// flags with environment variable fallbacks.
type ServeConfig struct {
	Debug    bool
	HTTPAddr string

	// BaseURL is the public URL of this deployment; it doubles as the
	// protected resource identifier tokens must carry in aud.
	BaseURL string

	// AuthServerURL is the authorization server issuing tokens; it must
	// match iss exactly.
	AuthServerURL string

	// JWKSURL overrides the derived <auth-server>/.well-known/jwks.json.
	JWKSURL string

	JWKSCacheTTL time.Duration

	NotesAPIURL string

	EmbeddingsURL    string
	EmbeddingsModel  string
	EmbeddingsAPIKey string

	RateLimitRPS   float64
	RateLimitBurst int

	MetricsEnabled bool
	MetricsAddr    string
}

func newServeCmd() *cobra.Command {
	var config ServeConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the authenticated MCP gateway in front of the Kura notes service.

The gateway serves JSON-RPC 2.0 over HTTP on /mcp. Every request must
carry an OAuth2 bearer token issued by the configured authorization
server; tokens are verified against the server's published JWKS keys and
checked for per-tool scopes before any tool runs. The caller's own token
is forwarded to the notes service, so the gateway never holds
credentials of its own.

Configuration:
  Required:
    --base-url       Public URL of this deployment (or MCP_BASE_URL)
    --auth-server    Authorization server URL (or KURA_AUTH_SERVER_URL)
    --notes-api-url  Notes service URL (or KURA_NOTES_API_URL)

  The JWKS endpoint defaults to <auth-server>/.well-known/jwks.json;
  override it with --jwks-url for authorization servers that publish
  keys elsewhere. The embeddings API key is read from
  KURA_EMBEDDINGS_API_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadServeEnvVars(&config)
			return runServe(config)
		},
	}

	cmd.Flags().BoolVar(&config.Debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&config.HTTPAddr, "http-addr", ":8080", "HTTP server address")
	cmd.Flags().StringVar(&config.BaseURL, "base-url", "", "Public base URL of this deployment. Required. Can also use MCP_BASE_URL env var. Example: https://mcp.kura.example.com")
	cmd.Flags().StringVar(&config.AuthServerURL, "auth-server", "", "Authorization server URL tokens must be issued by. Required. Can also use KURA_AUTH_SERVER_URL env var.")
	cmd.Flags().StringVar(&config.JWKSURL, "jwks-url", "", "JWKS endpoint override. Defaults to <auth-server>/.well-known/jwks.json. Can also use KURA_JWKS_URL env var.")
	cmd.Flags().DurationVar(&config.JWKSCacheTTL, "jwks-cache-ttl", auth.DefaultKeyTTL, "How long fetched signing keys are cached before refetch")
	cmd.Flags().StringVar(&config.NotesAPIURL, "notes-api-url", "", "Notes service base URL. Required. Can also use KURA_NOTES_API_URL env var.")
	cmd.Flags().StringVar(&config.EmbeddingsURL, "embeddings-url", "", "OpenAI-compatible embeddings endpoint base URL. Optional. Can also use KURA_EMBEDDINGS_URL env var.")
	cmd.Flags().StringVar(&config.EmbeddingsModel, "embeddings-model", "text-embedding-3-small", "Embedding model name. Can also use KURA_EMBEDDINGS_MODEL env var.")
	cmd.Flags().Float64Var(&config.RateLimitRPS, "rate-limit-rps", server.DefaultRateLimitRPS, "Sustained request rate allowed per client")
	cmd.Flags().IntVar(&config.RateLimitBurst, "rate-limit-burst", server.DefaultRateLimitBurst, "Burst of requests allowed per client")
	cmd.Flags().BoolVar(&config.MetricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&config.MetricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// loadServeEnvVars fills unset config fields from the environment.
func loadServeEnvVars(config *ServeConfig) {
	if config.BaseURL == "" {
		config.BaseURL = os.Getenv("MCP_BASE_URL")
	}
	if config.AuthServerURL == "" {
		config.AuthServerURL = os.Getenv("KURA_AUTH_SERVER_URL")
	}
	if config.JWKSURL == "" {
		config.JWKSURL = os.Getenv("KURA_JWKS_URL")
	}
	if config.NotesAPIURL == "" {
		config.NotesAPIURL = os.Getenv("KURA_NOTES_API_URL")
	}
	if config.EmbeddingsURL == "" {
		config.EmbeddingsURL = os.Getenv("KURA_EMBEDDINGS_URL")
	}
	if model := os.Getenv("KURA_EMBEDDINGS_MODEL"); model != "" && config.EmbeddingsModel == "text-embedding-3-small" {
		config.EmbeddingsModel = model
	}
	config.EmbeddingsAPIKey = os.Getenv("KURA_EMBEDDINGS_API_KEY")

	if os.Getenv("METRICS_ENABLED") != "" {
		if enabled, err := strconv.ParseBool(os.Getenv("METRICS_ENABLED")); err == nil {
			config.MetricsEnabled = enabled
		}
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" && config.MetricsAddr == server.DefaultMetricsAddr {
		config.MetricsAddr = addr
	}
}

// validateServeConfig checks the required settings before anything starts.
func validateServeConfig(config ServeConfig) error {
	if config.BaseURL == "" {
		return fmt.Errorf("base URL is required: set --base-url or MCP_BASE_URL")
	}
	if config.AuthServerURL == "" {
		return fmt.Errorf("authorization server is required: set --auth-server or KURA_AUTH_SERVER_URL")
	}
	if config.NotesAPIURL == "" {
		return fmt.Errorf("notes service URL is required: set --notes-api-url or KURA_NOTES_API_URL")
	}
	return nil
}

// jwksURL resolves the JWKS endpoint for the configured auth server.
func jwksURL(config ServeConfig) string {
	if config.JWKSURL != "" {
		return config.JWKSURL
	}
	return config.AuthServerURL + "/.well-known/jwks.json"
}

func runServe(config ServeConfig) error {
	if err := validateServeConfig(config); err != nil {
		return err
	}

	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logLevel := slog.LevelInfo
	if config.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("error during instrumentation shutdown", "error", err)
		}
	}()

	// Start metrics server on its own port if enabled
	var metricsServer *server.MetricsServer
	if config.MetricsEnabled && provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    config.MetricsAddr,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		// Use ready channel to confirm metrics server started successfully
		metricsReady := make(chan struct{})
		metricsErr := make(chan error, 1)
		go func() {
			if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && err != http.ErrServerClosed {
				metricsErr <- err
			}
			close(metricsErr)
		}()

		select {
		case <-metricsReady:
			logger.Info("metrics server started", "addr", metricsServer.Addr())
		case err := <-metricsErr:
			return fmt.Errorf("metrics server failed to start: %w", err)
		case <-time.After(5 * time.Second):
			return fmt.Errorf("metrics server startup timed out")
		}
	}

	// Assemble shared dependencies
	serverContext := server.NewServerContext(shutdownCtx)
	defer serverContext.Shutdown()
	serverContext.SetLogger(logger)

	if provider.Enabled() {
		serverContext.SetMetrics(provider.Metrics())
		serverContext.SetTracer(provider.Tracer(instrumentation.TracerName))
	}
	serverContext.SetAuditLogger(instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging))

	serverContext.SetNotesClient(notes.NewClient(config.NotesAPIURL,
		notes.WithClientLogger(logger),
		notes.WithClientMetrics(serverContext.Metrics()),
		notes.WithClientTracer(serverContext.Tracer()),
	))
	if config.EmbeddingsURL != "" {
		serverContext.SetEmbeddingsClient(embeddings.NewClient(config.EmbeddingsURL, config.EmbeddingsModel,
			embeddings.WithAPIKey(config.EmbeddingsAPIKey),
			embeddings.WithClientMetrics(serverContext.Metrics()),
			embeddings.WithClientTracer(serverContext.Tracer()),
		))
	} else {
		logger.Warn("no embeddings endpoint configured, search_kura_notes will be unavailable")
	}

	// Register tools
	registry := mcp.NewRegistry()
	if err := notes_tools.RegisterNotesTools(registry, serverContext); err != nil {
		return fmt.Errorf("failed to register note tools: %w", err)
	}
	logger.Info("registered tools", "count", registry.Len())

	// Token verification chain: JWKS cache -> verifier -> gate
	keys := auth.NewKeySet(jwksURL(config), auth.WithKeyTTL(config.JWKSCacheTTL))
	verifier := auth.NewVerifier(keys, config.AuthServerURL, config.BaseURL,
		auth.WithVerifierLogger(logger))
	gate := auth.NewGate(verifier, config.BaseURL,
		auth.WithGateLogger(logger),
		auth.WithGateMetrics(serverContext.Metrics()))

	dispatcher := mcp.NewDispatcher(registry,
		mcp.WithDispatcherLogger(logger),
		mcp.WithDispatcherMetrics(serverContext.Metrics()),
		mcp.WithDispatcherAudit(serverContext.AuditLogger()))

	limiter := server.NewClientRateLimiter(serverContext.Context(),
		config.RateLimitRPS, config.RateLimitBurst, serverContext.Metrics())
	health := server.NewHealthChecker(serverContext, version)
	metadata := server.NewProtectedResourceMetadata(config.BaseURL, config.AuthServerURL, []string{
		mcp.ScopeToolsRead,
		mcp.ScopeToolsExecute,
		notes_tools.ScopeNotesSearch,
		notes_tools.ScopeNotesRead,
		notes_tools.ScopeNotesWrite,
	})

	gateway := server.NewGatewayServer(serverContext, dispatcher, gate, limiter, health, metadata, config.BaseURL)

	serverErr := make(chan error, 1)
	go func() {
		if err := gateway.Start(config.HTTPAddr); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	}

	// Stop accepting traffic, then drain in-flight requests
	health.SetReady(false)
	serverContext.Shutdown()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer drainCancel()

	if err := gateway.Shutdown(drainCtx); err != nil {
		logger.Error("error during gateway shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			logger.Error("error during metrics server shutdown", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}
