// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the gateway.
//
// The Provider owns the meter and tracer providers and is configured through
// environment variables (see DefaultConfig). Metrics default to the
// Prometheus exporter served on a dedicated listener; tracing is off unless
// TRACING_EXPORTER selects an exporter. When instrumentation is disabled the
// Metrics recorder degrades to a no-op so call sites never need nil checks.
package instrumentation
