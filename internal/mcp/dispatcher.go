package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcptype "github.com/mark3labs/mcp-go/mcp"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/instrumentation"
	"github.com/kurahq/kura-mcp/internal/logging"
)

// Scopes guarding the protocol methods themselves. Individual tools carry
// additional scopes in their registry entries.
const (
	ScopeToolsRead    = "mcp:tools:read"
	ScopeToolsExecute = "mcp:tools:execute"
)

// Supported JSON-RPC methods.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// InvalidParamsError marks a tool argument validation failure. Handlers
// return it (wrapped or not) to have the dispatcher answer with a JSON-RPC
// invalid-params error instead of an internal error.
type InvalidParamsError struct {
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return e.Reason
}

// NewInvalidParamsError creates an InvalidParamsError with a formatted reason.
func NewInvalidParamsError(format string, args ...any) *InvalidParamsError {
	return &InvalidParamsError{Reason: fmt.Sprintf(format, args...)}
}

// Outcome is the dispatcher's verdict on one request. Status is the HTTP
// status the transport should use. When MissingScopes is non-empty the
// caller lacked authorization and Response is nil; the transport reports
// that failure outside the JSON-RPC envelope.
type Outcome struct {
	Status        int
	Response      *Response
	MissingScopes []string
}

// Dispatcher decodes JSON-RPC envelopes, enforces per-method and per-tool
// scopes, and routes tool invocations to registered handlers.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	audit    *instrumentation.AuditLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the dispatcher's logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics enables tool invocation metrics.
func WithDispatcherMetrics(metrics *instrumentation.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherAudit enables audit logging of tool invocations.
func WithDispatcherAudit(audit *instrumentation.AuditLogger) DispatcherOption {
	return func(d *Dispatcher) {
		d.audit = audit
	}
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// callParams is the parameter shape for tools/call.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Dispatch processes one JSON-RPC request body. The context must carry the
// caller's verified identity; requests reach the dispatcher only after the
// authorization gate has run.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) Outcome {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Outcome{
			Status:   http.StatusBadRequest,
			Response: NewError(nil, CodeParseError, "Parse error"),
		}
	}

	if req.JSONRPC != Version || req.Method == "" {
		return Outcome{
			Status:   http.StatusBadRequest,
			Response: NewError(req.ID, CodeInvalidRequest, "Invalid Request"),
		}
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		// The gate always runs first; reaching this point without an
		// identity is a wiring bug, not a client error.
		d.logger.Error("request reached dispatcher without identity",
			logging.Method(req.Method))
		return Outcome{
			Status:   http.StatusInternalServerError,
			Response: NewError(req.ID, CodeInternalError, "Internal error"),
		}
	}

	switch req.Method {
	case MethodToolsList:
		return d.handleToolsList(identity, req)
	case MethodToolsCall:
		return d.handleToolsCall(ctx, identity, req)
	default:
		return Outcome{
			Status:   http.StatusNotFound,
			Response: NewError(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method)),
		}
	}
}

func (d *Dispatcher) handleToolsList(identity auth.Identity, req Request) Outcome {
	if missing := identity.MissingScopes([]string{ScopeToolsRead}); len(missing) > 0 {
		return Outcome{
			Status:        http.StatusForbidden,
			MissingScopes: missing,
		}
	}

	result := mcptype.ListToolsResult{
		Tools: d.registry.Definitions(),
	}
	return Outcome{
		Status:   http.StatusOK,
		Response: NewResult(req.ID, result),
	}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, identity auth.Identity, req Request) Outcome {
	if missing := identity.MissingScopes([]string{ScopeToolsExecute}); len(missing) > 0 {
		return Outcome{
			Status:        http.StatusForbidden,
			MissingScopes: missing,
		}
	}

	if len(req.Params) == 0 {
		return Outcome{
			Status:   http.StatusBadRequest,
			Response: NewError(req.ID, CodeInvalidParams, "Invalid params: missing params"),
		}
	}

	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return Outcome{
			Status:   http.StatusBadRequest,
			Response: NewError(req.ID, CodeInvalidParams, "Invalid params: params must be an object"),
		}
	}
	if params.Name == "" {
		return Outcome{
			Status:   http.StatusBadRequest,
			Response: NewError(req.ID, CodeInvalidParams, "Invalid params: missing tool name"),
		}
	}

	tool := d.registry.Lookup(params.Name)
	if tool == nil {
		return Outcome{
			Status: http.StatusNotFound,
			Response: NewErrorWithData(req.ID, CodeMethodNotFound,
				fmt.Sprintf("Unknown tool: %s", params.Name),
				map[string]any{"available_tools": d.registry.Names()},
			),
		}
	}

	if missing := identity.MissingScopes(tool.Scopes); len(missing) > 0 {
		return Outcome{
			Status:        http.StatusForbidden,
			MissingScopes: missing,
		}
	}

	arguments := make(map[string]any)
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &arguments); err != nil {
			return Outcome{
				Status:   http.StatusBadRequest,
				Response: NewError(req.ID, CodeInvalidParams, "Invalid params: arguments must be an object"),
			}
		}
	}

	var callReq mcptype.CallToolRequest
	callReq.Params.Name = params.Name
	callReq.Params.Arguments = arguments

	start := time.Now()
	result, err := d.invoke(ctx, tool, callReq)
	duration := time.Since(start)

	status := instrumentation.StatusSuccess
	if err != nil || (result != nil && result.IsError) {
		status = instrumentation.StatusError
	}
	if d.metrics != nil {
		d.metrics.RecordToolInvocationWithClient(ctx, params.Name, status, identity.ClientID, duration)
	}
	d.audit.ToolInvocation(ctx, identity.UserID, identity.ClientID, params.Name, status, duration)

	if err != nil {
		var invalidParams *InvalidParamsError
		if errors.As(err, &invalidParams) {
			return Outcome{
				Status:   http.StatusBadRequest,
				Response: NewError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %s", invalidParams.Reason)),
			}
		}

		// Log the real failure with a correlation id but never surface
		// internals to the caller.
		requestID := uuid.NewString()
		d.logger.Error("tool execution failed",
			logging.Tool(params.Name),
			logging.RequestID(requestID),
			logging.ClientID(identity.ClientID),
			logging.Err(err))
		return Outcome{
			Status:   http.StatusInternalServerError,
			Response: NewError(req.ID, CodeInternalError, fmt.Sprintf("Internal error (request_id: %s)", requestID)),
		}
	}

	return Outcome{
		Status:   http.StatusOK,
		Response: NewResult(req.ID, result),
	}
}

// invoke runs the tool handler, converting panics into errors so one
// misbehaving tool cannot take down the gateway.
func (d *Dispatcher) invoke(ctx context.Context, tool *RegisteredTool, req mcptype.CallToolRequest) (result *mcptype.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return tool.Handler(ctx, req)
}
