package mcp

import (
	"context"
	"testing"

	mcptype "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, req mcptype.CallToolRequest) (*mcptype.CallToolResult, error) {
	return mcptype.NewToolResultText("ok"), nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	tool := mcptype.NewTool("search_kura_notes",
		mcptype.WithDescription("Search notes"),
	)
	require.NoError(t, r.Register(tool, []string{"kura:notes:search"}, noopHandler))

	registered := r.Lookup("search_kura_notes")
	require.NotNil(t, registered)
	assert.Equal(t, "search_kura_notes", registered.Tool.Name)
	assert.Equal(t, []string{"kura:notes:search"}, registered.Scopes)

	assert.Nil(t, r.Lookup("no_such_tool"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	tool := mcptype.NewTool("get_kura_note")
	require.NoError(t, r.Register(tool, nil, noopHandler))

	err := r.Register(tool, nil, noopHandler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	r := NewRegistry()

	err := r.Register(mcptype.Tool{}, nil, noopHandler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")

	err = r.Register(mcptype.NewTool("orphan_tool"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler")
}

func TestRegistryDefinitionsPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry()

	names := []string{"search_kura_notes", "create_kura_note", "get_kura_note", "list_recent_kura_notes", "delete_kura_note"}
	for _, name := range names {
		require.NoError(t, r.Register(mcptype.NewTool(name), nil, noopHandler))
	}

	defs := r.Definitions()
	require.Len(t, defs, len(names))
	for i, name := range names {
		assert.Equal(t, name, defs[i].Name)
	}

	// Order must be stable across calls.
	assert.Equal(t, names, r.Names())
	assert.Equal(t, names, r.Names())
}
