// Package embeddings is a minimal client for an OpenAI-compatible
// embedding endpoint. The gateway uses it to vectorize search queries
// before handing them to the notes service.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kurahq/kura-mcp/internal/instrumentation"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20 // 4 MiB
)

// Client calls a POST /v1/embeddings endpoint.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
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

// WithAPIKey sets the bearer credential for the embedding provider. This is
// the gateway's own credential, unrelated to caller tokens.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
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

// NewClient creates an embeddings client for the given endpoint and model.
func NewClient(baseURL, model string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		tracer:     noop.NewTracerProvider().Tracer("embeddings"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, c.tracer, instrumentation.ServiceEmbeddings, "embed")
	defer span.End()

	payload, err := json.Marshal(embeddingRequest{
		Model: c.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.record(ctx, instrumentation.StatusError, duration)
		instrumentation.RecordSpanError(span, err)
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.record(ctx, instrumentation.StatusError, duration)
		err := fmt.Errorf("embeddings: status %d", resp.StatusCode)
		instrumentation.RecordSpanError(span, err)
		return nil, err
	}

	c.record(ctx, instrumentation.StatusSuccess, duration)

	var result embeddingResponse
	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return result.Data[0].Embedding, nil
}

func (c *Client) record(ctx context.Context, status string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(ctx, instrumentation.ServiceEmbeddings, "embed", status, duration)
	}
}
