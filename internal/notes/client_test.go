package notes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchForwardsBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody SearchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/notes/search", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"matches": []SearchMatch{
				{
					Note:       Note{ID: "n-1", Title: "Go generics", Content: "notes on type parameters"},
					Similarity: 0.91,
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	matches, err := client.Search(context.Background(), "caller-token", SearchRequest{
		Query:         "generics",
		Limit:         10,
		MinSimilarity: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer caller-token", gotAuth)
	assert.Equal(t, "generics", gotBody.Query)
	assert.Equal(t, 10, gotBody.Limit)
	require.Len(t, matches, 1)
	assert.Equal(t, "n-1", matches[0].Note.ID)
	assert.InDelta(t, 0.91, matches[0].Similarity, 0.0001)
}

func TestCreateReturnsServerAssignedFields(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/notes", r.URL.Path)

		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Note{
			ID:        "n-42",
			Title:     req.Title,
			Content:   req.Content,
			Tags:      req.Tags,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	note, err := client.Create(context.Background(), "caller-token", CreateRequest{
		Title:   "Standup notes",
		Content: "discussed rollout",
		Tags:    []string{"work"},
	})
	require.NoError(t, err)

	assert.Equal(t, "n-42", note.ID)
	assert.Equal(t, "Standup notes", note.Title)
	assert.Equal(t, now, note.CreatedAt.UTC())
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/notes/n-missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "note not found"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Get(context.Background(), "caller-token", "n-missing")
	require.Error(t, err)

	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "note not found")
}

func TestExpiredTokenSurfacesAsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "token expired"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Recent(context.Background(), "stale-token", 20)
	require.Error(t, err)

	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsNotFound(err))
}

func TestDeleteSendsDeleteWithToken(t *testing.T) {
	var gotMethod, gotPath, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	require.NoError(t, client.Delete(context.Background(), "caller-token", "n-7"))

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/v1/notes/n-7", gotPath)
	assert.Equal(t, "Bearer caller-token", gotAuth)
}

func TestRecentPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/notes/recent", r.URL.Path)
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"notes": []Note{{ID: "n-1"}, {ID: "n-2"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.Recent(context.Background(), "caller-token", 20)
	require.NoError(t, err)
	assert.Len(t, result, 2)
}

func TestNetworkErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // Refuse connections.

	client := NewClient(srv.URL)
	_, err := client.Get(context.Background(), "caller-token", "n-1")
	require.Error(t, err)

	assert.False(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))
}
