// Package mcp implements the gateway's JSON-RPC 2.0 surface for the Model
// Context Protocol.
//
// The Registry holds the tool catalog with per-tool scope requirements; the
// Dispatcher decodes request envelopes, enforces scopes, and routes
// tools/list and tools/call to their handlers. Protocol failures (parse
// errors, bad envelopes, unknown methods, invalid arguments) become JSON-RPC
// error objects with matching HTTP statuses, while tool-level failures
// travel inside a successful envelope as results flagged IsError so the
// model can read and react to them.
package mcp
