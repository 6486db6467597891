// Package logging provides structured logging utilities for the kura-mcp gateway.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - Token and subject sanitization (no bearer tokens or raw subjects in logs)
//   - Consistent attribute naming across the codebase
//   - Logger adapter interface for flexibility
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "notes.search")
//	logger.Info("search completed",
//	    logging.Status("success"))
//
// Log an authentication failure without leaking the token:
//
//	logger.Warn("token rejected",
//	    logging.AuthFailure("token_expired"),
//	    logging.ClientID(clientID))
package logging
