package server

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kurahq/kura-mcp/internal/embeddings"
	"github.com/kurahq/kura-mcp/internal/instrumentation"
	"github.com/kurahq/kura-mcp/internal/notes"
)

// ServerContext holds the shared dependencies handed to tool handlers and
// HTTP components: upstream clients, instrumentation, and the lifecycle
// context. Accessors are safe for concurrent use.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	notesClient      *notes.Client
	embeddingsClient *embeddings.Client

	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	tracer      trace.Tracer
	logger      *slog.Logger

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a ServerContext derived from the given parent
// context. Cancelling the parent, or calling Shutdown, cancels the context
// returned by Context.
func NewServerContext(parent context.Context) *ServerContext {
	ctx, cancel := context.WithCancel(parent)
	return &ServerContext{
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("kura-mcp"),
	}
}

// Context returns the lifecycle context shared by long-running components.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// SetNotesClient sets the notes service client.
func (sc *ServerContext) SetNotesClient(client *notes.Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.notesClient = client
}

// NotesClient returns the notes service client, or nil if not configured.
func (sc *ServerContext) NotesClient() *notes.Client {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.notesClient
}

// SetEmbeddingsClient sets the embedding provider client.
func (sc *ServerContext) SetEmbeddingsClient(client *embeddings.Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.embeddingsClient = client
}

// EmbeddingsClient returns the embedding provider client, or nil if not
// configured.
func (sc *ServerContext) EmbeddingsClient() *embeddings.Client {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.embeddingsClient
}

// SetMetrics sets the metrics recorder.
func (sc *ServerContext) SetMetrics(metrics *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = metrics
}

// Metrics returns the metrics recorder, or nil if instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetAuditLogger sets the audit logger.
func (sc *ServerContext) SetAuditLogger(audit *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = audit
}

// AuditLogger returns the audit logger, or nil if audit logging is off.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// SetTracer sets the tracer used for tool and upstream spans.
func (sc *ServerContext) SetTracer(tracer trace.Tracer) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.tracer = tracer
}

// Tracer returns the tracer. Never nil; defaults to a no-op tracer.
func (sc *ServerContext) Tracer() trace.Tracer {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.tracer
}

// SetLogger sets the logger shared by components built on this context.
func (sc *ServerContext) SetLogger(logger *slog.Logger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.logger = logger
}

// Logger returns the shared logger. Never nil; defaults to slog.Default.
func (sc *ServerContext) Logger() *slog.Logger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.logger
}

// Shutdown cancels the lifecycle context. Safe to call more than once.
func (sc *ServerContext) Shutdown() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.shutdown {
		return
	}
	sc.shutdown = true
	sc.cancel()
}

// IsShutdown reports whether Shutdown has been called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}
