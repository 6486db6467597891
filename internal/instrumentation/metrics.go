package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	// Common attributes (reused across metrics)
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrResult    = "result"
	attrReason    = "reason"
	attrTool      = "tool"
	attrClientID  = "client_id"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Upstream service metrics (notes service, embedding provider)
	upstreamRequestsTotal   metric.Int64Counter
	upstreamRequestDuration metric.Float64Histogram

	// Auth metrics
	authAttemptsTotal metric.Int64Counter
	jwksFetchesTotal  metric.Int64Counter

	// MCP tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// Rate limiting
	rateLimitedTotal metric.Int64Counter

	// Configuration
	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	// HTTP Metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	// Upstream Metrics
	m.upstreamRequestsTotal, err = meter.Int64Counter(
		"upstream_requests_total",
		metric.WithDescription("Total number of upstream service requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_requests_total counter: %w", err)
	}

	m.upstreamRequestDuration, err = meter.Float64Histogram(
		"upstream_request_duration_seconds",
		metric.WithDescription("Upstream service request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_request_duration_seconds histogram: %w", err)
	}

	// Auth Metrics
	m.authAttemptsTotal, err = meter.Int64Counter(
		"auth_attempts_total",
		metric.WithDescription("Total number of bearer token authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_attempts_total counter: %w", err)
	}

	m.jwksFetchesTotal, err = meter.Int64Counter(
		"jwks_fetches_total",
		metric.WithDescription("Total number of JWKS document fetches"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks_fetches_total counter: %w", err)
	}

	// MCP Tool Metrics
	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	// Rate Limiting Metrics
	m.rateLimitedTotal, err = meter.Int64Counter(
		"rate_limited_requests_total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limited_requests_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamRequest records an upstream service request.
//
// Parameters:
//   - service: upstream service name ("notes" or "embeddings")
//   - operation: operation type (search, create, get, recent, delete, embed)
//   - status: result status ("success" or "error")
//   - duration: time taken for the request
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m.upstreamRequestsTotal == nil || m.upstreamRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.upstreamRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.upstreamRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAuthAttempt records a bearer token authentication attempt.
// result is "success" or "error"; reason is the failure kind on error
// (empty for success).
func (m *Metrics) RecordAuthAttempt(ctx context.Context, result, reason string) {
	if m.authAttemptsTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrResult, result),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(attrReason, reason))
	}

	m.authAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJWKSFetch records a JWKS document fetch with result.
// Result should be one of: "success", "error"
func (m *Metrics) RecordJWKSFetch(ctx context.Context, result string) {
	if m.jwksFetchesTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrResult, result),
	}

	m.jwksFetchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
//
// Parameters:
//   - toolName: name of the MCP tool (e.g., "search_kura_notes")
//   - status: result status ("success" or "error")
//   - duration: time taken for the tool execution
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	if m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolInvocationWithClient records an MCP tool invocation with the
// caller's client id. The client id label is only added when detailedLabels
// is enabled, to keep metric cardinality bounded in shared deployments.
func (m *Metrics) RecordToolInvocationWithClient(ctx context.Context, toolName, status, clientID string, duration time.Duration) {
	if m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && clientID != "" {
		attrs = append(attrs, attribute.String(attrClientID, clientID))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRateLimited records a request rejected by the per-client rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, path string) {
	if m.rateLimitedTotal == nil {
		return // Instrumentation not initialized
	}

	m.rateLimitedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrPath, path),
	))
}
