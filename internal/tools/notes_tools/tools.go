// Package notes_tools registers the note tools exposed over MCP.
//
// Each tool validates its arguments before touching the network, forwards
// the caller's bearer token to the notes service, and reports upstream
// failures as tool results the model can read, never as protocol errors.
package notes_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/instrumentation"
	dispatch "github.com/kurahq/kura-mcp/internal/mcp"
	"github.com/kurahq/kura-mcp/internal/notes"
	"github.com/kurahq/kura-mcp/internal/server"
)

// Scopes required by the note tools, checked on top of the protocol-level
// execute scope.
const (
	ScopeNotesSearch = "kura:notes:search"
	ScopeNotesRead   = "kura:notes:read"
	ScopeNotesWrite  = "kura:notes:write"
)

// Search parameter bounds.
const (
	searchLimitDefault   = 10
	searchLimitMax       = 50
	minSimilarityDefault = 0.7
	recentPageSize       = 20
)

// RegisterNotesTools registers all note tools with the registry.
func RegisterNotesTools(registry *dispatch.Registry, sc *server.ServerContext) error {
	registrations := []struct {
		tool    mcp.Tool
		scopes  []string
		handler dispatch.ToolHandler
	}{
		{searchTool(), []string{ScopeNotesSearch}, searchHandler(sc)},
		{createTool(), []string{ScopeNotesWrite}, createHandler(sc)},
		{getTool(), []string{ScopeNotesRead}, getHandler(sc)},
		{listRecentTool(), []string{ScopeNotesRead}, listRecentHandler(sc)},
		{deleteTool(), []string{ScopeNotesWrite}, deleteHandler(sc)},
	}

	for _, reg := range registrations {
		if err := registry.Register(reg.tool, reg.scopes, reg.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.tool.Name, err)
		}
	}
	return nil
}

func searchTool() mcp.Tool {
	return mcp.NewTool("search_kura_notes",
		mcp.WithDescription("Semantically search the user's notes. Returns matching notes ranked by similarity to the query."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language search query"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of results (1-%d, default %d)", searchLimitMax, searchLimitDefault)),
			mcp.DefaultNumber(searchLimitDefault),
		),
		mcp.WithNumber("min_similarity",
			mcp.Description(fmt.Sprintf("Minimum similarity score to include a match (0.0-1.0, default %g)", minSimilarityDefault)),
			mcp.DefaultNumber(minSimilarityDefault),
		),
	)
}

func createTool() mcp.Tool {
	return mcp.NewTool("create_kura_note",
		mcp.WithDescription("Create a new note with a title and content."),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Note title"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Note body in Markdown"),
		),
		mcp.WithArray("tags",
			mcp.Description("Optional tags to attach to the note"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("get_kura_note",
		mcp.WithDescription("Retrieve a single note by its id."),
		mcp.WithString("note_id",
			mcp.Required(),
			mcp.Description("The id of the note to retrieve"),
		),
	)
}

func listRecentTool() mcp.Tool {
	return mcp.NewTool("list_recent_kura_notes",
		mcp.WithDescription(fmt.Sprintf("List the %d most recently updated notes, newest first.", recentPageSize)),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("delete_kura_note",
		mcp.WithDescription("Permanently delete a note by its id."),
		mcp.WithString("note_id",
			mcp.Required(),
			mcp.Description("The id of the note to delete"),
		),
	)
}

func searchHandler(sc *server.ServerContext) dispatch.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)

		query, ok := args["query"].(string)
		if !ok || query == "" {
			return nil, dispatch.NewInvalidParamsError("query is required")
		}

		limit := searchLimitDefault
		if raw, present := args["limit"]; present {
			val, ok := raw.(float64)
			if !ok || val != float64(int(val)) || int(val) < 1 || int(val) > searchLimitMax {
				return nil, dispatch.NewInvalidParamsError("limit must be an integer between 1 and %d", searchLimitMax)
			}
			limit = int(val)
		}

		minSimilarity := minSimilarityDefault
		if raw, present := args["min_similarity"]; present {
			val, ok := raw.(float64)
			if !ok || val < 0 || val > 1 {
				return nil, dispatch.NewInvalidParamsError("min_similarity must be between 0.0 and 1.0")
			}
			minSimilarity = val
		}

		token, err := callerToken(ctx)
		if err != nil {
			return nil, err
		}

		ctx, span := instrumentation.StartToolSpan(ctx, sc.Tracer(), "search_kura_notes")
		defer span.End()

		// The notes service ranks by vector similarity, so the query is
		// embedded first. An embedding failure is a tool-level error; the
		// notes service is never called without a vector.
		embClient := sc.EmbeddingsClient()
		if embClient == nil {
			return mcp.NewToolResultError(
				"Search is unavailable: no embedding provider is configured."), nil
		}
		vector, err := embClient.Embed(ctx, query)
		if err != nil {
			instrumentation.RecordSpanError(span, err)
			return mcp.NewToolResultError(
				"Failed to search notes: the query could not be embedded. Please try again later."), nil
		}

		matches, err := sc.NotesClient().Search(ctx, token, notes.SearchRequest{
			Query:         query,
			Embedding:     vector,
			Limit:         limit,
			MinSimilarity: minSimilarity,
		})
		if err != nil {
			instrumentation.RecordSpanError(span, err)
			return upstreamErrorResult("search notes", err), nil
		}

		if len(matches) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf(
				"No notes matched %q with similarity >= %g. Try a broader query or a lower min_similarity.",
				query, minSimilarity)), nil
		}

		return jsonResult(matches)
	}
}

func createHandler(sc *server.ServerContext) dispatch.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)

		title, ok := args["title"].(string)
		if !ok || title == "" {
			return nil, dispatch.NewInvalidParamsError("title is required")
		}
		content, ok := args["content"].(string)
		if !ok || content == "" {
			return nil, dispatch.NewInvalidParamsError("content is required")
		}

		var tags []string
		if raw, present := args["tags"]; present {
			items, ok := raw.([]any)
			if !ok {
				return nil, dispatch.NewInvalidParamsError("tags must be an array of strings")
			}
			for _, item := range items {
				tag, ok := item.(string)
				if !ok {
					return nil, dispatch.NewInvalidParamsError("tags must be an array of strings")
				}
				tags = append(tags, tag)
			}
		}

		token, err := callerToken(ctx)
		if err != nil {
			return nil, err
		}

		ctx, span := instrumentation.StartToolSpan(ctx, sc.Tracer(), "create_kura_note")
		defer span.End()

		note, err := sc.NotesClient().Create(ctx, token, notes.CreateRequest{
			Title:   title,
			Content: content,
			Tags:    tags,
		})
		if err != nil {
			instrumentation.RecordSpanError(span, err)
			return upstreamErrorResult("create note", err), nil
		}

		return jsonResult(note)
	}
}

func getHandler(sc *server.ServerContext) dispatch.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		noteID, err := requiredNoteID(request)
		if err != nil {
			return nil, err
		}

		token, err := callerToken(ctx)
		if err != nil {
			return nil, err
		}

		ctx, span := instrumentation.StartToolSpan(ctx, sc.Tracer(), "get_kura_note")
		defer span.End()

		note, err := sc.NotesClient().Get(ctx, token, noteID)
		if err != nil {
			instrumentation.RecordSpanError(span, err)
			if notes.IsNotFound(err) {
				return mcp.NewToolResultError(fmt.Sprintf("Note %q was not found. It may have been deleted.", noteID)), nil
			}
			return upstreamErrorResult("get note", err), nil
		}

		return jsonResult(note)
	}
}

func listRecentHandler(sc *server.ServerContext) dispatch.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		token, err := callerToken(ctx)
		if err != nil {
			return nil, err
		}

		ctx, span := instrumentation.StartToolSpan(ctx, sc.Tracer(), "list_recent_kura_notes")
		defer span.End()

		recent, err := sc.NotesClient().Recent(ctx, token, recentPageSize)
		if err != nil {
			instrumentation.RecordSpanError(span, err)
			return upstreamErrorResult("list recent notes", err), nil
		}

		if len(recent) == 0 {
			return mcp.NewToolResultText("There are no notes yet."), nil
		}

		return jsonResult(recent)
	}
}

func deleteHandler(sc *server.ServerContext) dispatch.ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		noteID, err := requiredNoteID(request)
		if err != nil {
			return nil, err
		}

		token, err := callerToken(ctx)
		if err != nil {
			return nil, err
		}

		ctx, span := instrumentation.StartToolSpan(ctx, sc.Tracer(), "delete_kura_note")
		defer span.End()

		if err := sc.NotesClient().Delete(ctx, token, noteID); err != nil {
			instrumentation.RecordSpanError(span, err)
			if notes.IsNotFound(err) {
				return mcp.NewToolResultError(fmt.Sprintf("Note %q was not found. It may already be deleted.", noteID)), nil
			}
			return upstreamErrorResult("delete note", err), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Note %q deleted.", noteID)), nil
	}
}

func requiredNoteID(request mcp.CallToolRequest) (string, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	noteID, ok := args["note_id"].(string)
	if !ok || noteID == "" {
		return "", dispatch.NewInvalidParamsError("note_id is required")
	}
	return noteID, nil
}

// callerToken pulls the caller's bearer token out of the request context.
// The authorization gate always sets it, so a miss is a wiring bug.
func callerToken(ctx context.Context) (string, error) {
	token, ok := auth.TokenFromContext(ctx)
	if !ok || token == "" {
		return "", fmt.Errorf("no bearer token in request context")
	}
	return token, nil
}

// upstreamErrorResult converts a notes service failure into a tool result
// the model can act on. Status codes are classified; raw error chains and
// token material never reach the caller.
func upstreamErrorResult(action string, err error) *mcp.CallToolResult {
	switch {
	case notes.IsUnauthorized(err):
		return mcp.NewToolResultError(
			"The notes service rejected your credentials. Your token may have expired; please re-authenticate through your MCP client and try again.")
	case notes.IsNotFound(err):
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: not found.", action))
	default:
		var apiErr *notes.APIError
		if errors.As(err, &apiErr) {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: the notes service returned status %d.", action, apiErr.StatusCode))
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: the notes service is unreachable. Please try again later.", action))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}
