package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/kurahq/kura-mcp/internal/instrumentation"
	"github.com/kurahq/kura-mcp/internal/logging"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20 // 4 MiB
	maxErrorBodySize = 8 << 10 // 8 KiB; error bodies should be small
)

// Client talks to the notes service REST API. It holds no credentials of
// its own; every method takes the caller's bearer token and forwards it
// unchanged, so the notes service applies its own authorization.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientMetrics enables upstream request metrics.
func WithClientMetrics(metrics *instrumentation.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithClientTracer enables upstream request tracing.
func WithClientTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// NewClient creates a notes service client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("notes"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs a semantic search against the notes service.
func (c *Client) Search(ctx context.Context, token string, req SearchRequest) ([]SearchMatch, error) {
	var result struct {
		Matches []SearchMatch `json:"matches"`
	}
	if err := c.do(ctx, token, "search", http.MethodPost, "/api/v1/notes/search", req, &result); err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// Create stores a new note and returns it with server-assigned fields.
func (c *Client) Create(ctx context.Context, token string, req CreateRequest) (*Note, error) {
	var note Note
	if err := c.do(ctx, token, "create", http.MethodPost, "/api/v1/notes", req, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

// Get retrieves a single note by id.
func (c *Client) Get(ctx context.Context, token, id string) (*Note, error) {
	var note Note
	path := "/api/v1/notes/" + url.PathEscape(id)
	if err := c.do(ctx, token, "get", http.MethodGet, path, nil, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

// Recent lists the most recently updated notes, newest first.
func (c *Client) Recent(ctx context.Context, token string, limit int) ([]Note, error) {
	var result struct {
		Notes []Note `json:"notes"`
	}
	path := "/api/v1/notes/recent?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, token, "recent", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Notes, nil
}

// Delete removes a note by id.
func (c *Client) Delete(ctx context.Context, token, id string) error {
	path := "/api/v1/notes/" + url.PathEscape(id)
	return c.do(ctx, token, "delete", http.MethodDelete, path, nil, nil)
}

// do runs one request against the notes service, forwarding the caller's
// bearer token, and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, token, op, method, path string, body, out any) error {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, c.tracer, instrumentation.ServiceNotes, op)
	defer span.End()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notes %s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("notes %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// The oauth2 transport attaches the caller's token to this request
	// and nothing else; the client never caches or refreshes tokens.
	httpClient := c.authorizedClient(ctx, token)

	start := time.Now()
	resp, err := httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.record(ctx, op, instrumentation.StatusError, duration)
		instrumentation.RecordSpanError(span, err)
		c.logger.Warn("notes service request failed",
			logging.Service(instrumentation.ServiceNotes),
			logging.Operation(op),
			logging.Err(err))
		return fmt.Errorf("notes %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
		c.record(ctx, op, instrumentation.StatusError, duration)
		instrumentation.RecordSpanError(span, apiErr)
		c.logger.Warn("notes service returned error",
			logging.Service(instrumentation.ServiceNotes),
			logging.Operation(op),
			slog.Int("status_code", resp.StatusCode))
		return apiErr
	}

	c.record(ctx, op, instrumentation.StatusSuccess, duration)

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("notes %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) authorizedClient(ctx context.Context, token string) *http.Client {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
}

func (c *Client) record(ctx context.Context, op, status string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(ctx, instrumentation.ServiceNotes, op, status, duration)
	}
}

// readErrorMessage extracts a human-readable message from an error body.
// The notes service reports errors as {"error": "..."}; some deployments
// use {"message": "..."} instead.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}
