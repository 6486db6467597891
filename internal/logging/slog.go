package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation = "operation"
	KeyService   = "service"
	KeyClientID  = "client_id"
	KeyUserHash  = "user_hash"
	KeyRequestID = "request_id"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
	KeyTool      = "tool"
	KeyMethod    = "method"
	KeyKeyID     = "kid"
	KeyAuthKind  = "auth_failure"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithTool returns a logger with the tool attribute set.
func WithTool(logger *slog.Logger, tool string) *slog.Logger {
	return logger.With(slog.String(KeyTool, tool))
}

// WithRequestID returns a logger with the request_id attribute set.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String(KeyRequestID, requestID))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Service returns a slog attribute for the upstream service name.
func Service(svc string) slog.Attr {
	return slog.String(KeyService, svc)
}

// Tool returns a slog attribute for the tool name.
func Tool(tool string) slog.Attr {
	return slog.String(KeyTool, tool)
}

// Method returns a slog attribute for the JSON-RPC method name.
func Method(method string) slog.Attr {
	return slog.String(KeyMethod, method)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// ClientID returns a slog attribute for the OAuth client identifier.
// Client ids are opaque registration identifiers, not PII, so they are
// logged verbatim.
func ClientID(clientID string) slog.Attr {
	return slog.String(KeyClientID, clientID)
}

// RequestID returns a slog attribute for the request correlation id.
func RequestID(requestID string) slog.Attr {
	return slog.String(KeyRequestID, requestID)
}

// KeyID returns a slog attribute for a JWKS key id.
func KeyID(kid string) slog.Attr {
	return slog.String(KeyKeyID, kid)
}

// AuthFailure returns a slog attribute for an authentication failure kind.
func AuthFailure(kind string) slog.Attr {
	return slog.String(KeyAuthKind, kind)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
// This allows safely passing Err(maybeNilErr) without adding empty attributes.
//
// Usage:
//
//	logger.Info("operation", logging.Err(err))  // Safe even if err is nil
func Err(err error) slog.Attr {
	if err == nil {
		// Return an empty Group that slog will omit from output
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeSubject returns a hashed representation of a token subject for
// logging purposes. This allows correlation of log entries without exposing
// the raw subject identifier.
func AnonymizeSubject(subject string) string {
	if subject == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(subject))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized token subject.
// This is a convenience function to reduce repetition in logging calls and ensure
// consistent attribute naming across the codebase.
//
// Usage:
//
//	logger.Info("operation completed", logging.UserHash(identity.UserID))
func UserHash(subject string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeSubject(subject))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content,
// as even partial token prefixes (like JWT headers) can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
