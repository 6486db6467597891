package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kurahq/kura-mcp/internal/logging"
)

// AuditLogger emits structured audit events for tool invocations.
// Audit events record who invoked which tool with what outcome, and are
// intended to be routed to durable storage separately from operational logs.
type AuditLogger struct {
	logger  *slog.Logger
	config  AuditLoggingConfig
	enabled bool
}

// NewAuditLogger creates an AuditLogger. When config.Enabled is false all
// methods are no-ops.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:  logger.With(slog.String("log_type", "audit")),
		config:  config,
		enabled: config.Enabled,
	}
}

// ToolInvocation records an MCP tool invocation in the audit log.
//
// The subject is anonymized to a stable hash unless IncludeSubject is set,
// in which case the raw subject is logged for compliance review. Raw bearer
// tokens are never logged.
func (a *AuditLogger) ToolInvocation(ctx context.Context, userID, clientID, toolName, status string, duration time.Duration) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []slog.Attr{
		logging.Tool(toolName),
		logging.Status(status),
		logging.ClientID(clientID),
		slog.Duration(logging.KeyDuration, duration),
	}

	if a.config.IncludeSubject {
		attrs = append(attrs, slog.String("subject", userID))
	} else {
		attrs = append(attrs, logging.UserHash(userID))
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "tool invoked", attrs...)
}

// AuthFailure records a rejected authentication attempt in the audit log.
// Only the failure kind is recorded, never token material.
func (a *AuditLogger) AuthFailure(ctx context.Context, kind, path string) {
	if a == nil || !a.enabled {
		return
	}

	a.logger.LogAttrs(ctx, slog.LevelWarn, "authentication rejected",
		logging.AuthFailure(kind),
		slog.String("path", path),
	)
}
