package notes

import (
	"errors"
	"fmt"
	"time"
)

// Note is a note as stored by the notes service.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchMatch is a note returned by semantic search, with its similarity
// score in [0, 1].
type SearchMatch struct {
	Note       Note    `json:"note"`
	Similarity float64 `json:"similarity"`
}

// SearchRequest is the payload for a semantic search. Embedding is the
// query vector computed by the embedding provider; the service ranks notes
// by similarity against it. Query is carried for logging on the service
// side only.
type SearchRequest struct {
	Query         string    `json:"query"`
	Embedding     []float64 `json:"embedding"`
	Limit         int       `json:"limit"`
	MinSimilarity float64   `json:"min_similarity"`
}

// CreateRequest is the payload for creating a note.
type CreateRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// APIError is a non-2xx answer from the notes service. The message is the
// service's own error text when it provides one, safe to surface to tools.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("notes %s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("notes %s: status %d", e.Op, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the notes service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsUnauthorized reports whether err is a 401 from the notes service,
// typically meaning the forwarded bearer token expired mid-session.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}
