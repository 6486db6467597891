// Package server assembles the gateway's HTTP surface and shared runtime
// state.
//
// GatewayServer serves the authenticated /mcp JSON-RPC endpoint, the public
// RFC 9728 discovery document, and the Kubernetes health probes on the main
// listener; MetricsServer exposes Prometheus metrics on a separate port.
// ServerContext is the dependency container handed to tool handlers, and
// ClientRateLimiter bounds per-client request rates behind the auth gate.
package server
