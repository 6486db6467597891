package mcp

import (
	"context"
	"fmt"
	"sync"

	mcptype "github.com/mark3labs/mcp-go/mcp"
)

// ToolHandler executes a tool invocation. Returning a CallToolResult with
// IsError set reports a tool-level failure to the model; returning a non-nil
// error reports a protocol-level failure handled by the dispatcher.
type ToolHandler func(ctx context.Context, request mcptype.CallToolRequest) (*mcptype.CallToolResult, error)

// RegisteredTool couples a tool definition with the scopes required to
// invoke it and the handler that executes it.
type RegisteredTool struct {
	Tool    mcptype.Tool
	Scopes  []string
	Handler ToolHandler
}

// Registry holds the gateway's tool catalog. Registration happens once at
// startup; lookups are concurrent afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds a tool to the registry. Tool names must be unique.
func (r *Registry) Register(tool mcptype.Tool, scopes []string, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q is already registered", tool.Name)
	}

	r.tools[tool.Name] = &RegisteredTool{
		Tool:    tool,
		Scopes:  scopes,
		Handler: handler,
	}
	r.order = append(r.order, tool.Name)
	return nil
}

// Lookup returns the registered tool with the given name, or nil.
func (r *Registry) Lookup(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns every tool definition in registration order. The
// order is stable across calls so clients see a consistent catalog.
func (r *Registry) Definitions() []mcptype.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]mcptype.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Tool)
	}
	return defs
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
