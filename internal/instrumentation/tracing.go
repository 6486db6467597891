package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name used for the gateway tracer.
const TracerName = "github.com/kurahq/kura-mcp"

// Span attribute keys for MCP and upstream operations.
const (
	AttrMCPTool           = "mcp.tool"
	AttrMCPMethod         = "mcp.method"
	AttrUpstreamService   = "upstream.service"
	AttrUpstreamOperation = "upstream.operation"
)

// StartToolSpan starts a new span for an MCP tool invocation.
// The returned context carries the span and should be propagated to
// upstream calls made on behalf of the tool.
func StartToolSpan(ctx context.Context, tracer trace.Tracer, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mcp.tool."+toolName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrMCPTool, toolName),
		),
	)
}

// StartUpstreamSpan starts a new span for an upstream service call.
//
// Parameters:
//   - service: upstream service name ("notes" or "embeddings")
//   - operation: operation name (e.g. "search", "create", "embed")
func StartUpstreamSpan(ctx context.Context, tracer trace.Tracer, service, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrUpstreamService, service),
			attribute.String(AttrUpstreamOperation, operation),
		),
	)
}

// RecordSpanError records an error on the span and sets its status.
// Safe to call with a nil error (no-op).
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EndSpanWithStatus ends the span, recording err if non-nil.
func EndSpanWithStatus(span trace.Span, err error) {
	RecordSpanError(span, err)
	span.End()
}
