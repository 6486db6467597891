package server_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/embeddings"
	"github.com/kurahq/kura-mcp/internal/mcp"
	"github.com/kurahq/kura-mcp/internal/notes"
	"github.com/kurahq/kura-mcp/internal/server"
	"github.com/kurahq/kura-mcp/internal/tools/notes_tools"
)

const (
	gatewayURL = "http://localhost:8080"
	authServer = "https://auth.example.com"
	signingKid = "key-1"
)

var allScopes = []string{
	mcp.ScopeToolsRead,
	mcp.ScopeToolsExecute,
	notes_tools.ScopeNotesSearch,
	notes_tools.ScopeNotesRead,
	notes_tools.ScopeNotesWrite,
}

// gatewayFixture is a fully wired gateway over fake upstreams.
type gatewayFixture struct {
	handler    http.Handler
	signingKey *rsa.PrivateKey
}

// newGatewayFixture wires the complete stack: JWKS endpoint, verifier,
// gate, tool registry over a fake notes service, dispatcher, and the
// gateway handler.
func newGatewayFixture(t *testing.T, notesHandler http.HandlerFunc) *gatewayFixture {
	t.Helper()

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := signingKey.Public().(*rsa.PublicKey)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{
				{
					"kty": "RSA",
					"kid": signingKid,
					"use": "sig",
					"alg": "RS256",
					"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksSrv.Close)

	if notesHandler == nil {
		notesHandler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unexpected upstream call", http.StatusInternalServerError)
		}
	}
	notesSrv := httptest.NewServer(notesHandler)
	t.Cleanup(notesSrv.Close)

	embSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
		})
	}))
	t.Cleanup(embSrv.Close)

	sc := server.NewServerContext(context.Background())
	t.Cleanup(sc.Shutdown)
	sc.SetNotesClient(notes.NewClient(notesSrv.URL))
	sc.SetEmbeddingsClient(embeddings.NewClient(embSrv.URL, "test-embedding-model"))

	registry := mcp.NewRegistry()
	require.NoError(t, notes_tools.RegisterNotesTools(registry, sc))

	verifier := auth.NewVerifier(auth.NewKeySet(jwksSrv.URL), authServer, gatewayURL)
	gate := auth.NewGate(verifier, gatewayURL)

	dispatcher := mcp.NewDispatcher(registry)
	health := server.NewHealthChecker(sc, "test")
	metadata := server.NewProtectedResourceMetadata(gatewayURL, authServer, allScopes)
	limiter := server.NewClientRateLimiter(sc.Context(), 1000, 1000, nil)

	gw := server.NewGatewayServer(sc, dispatcher, gate, limiter, health, metadata, gatewayURL)
	return &gatewayFixture{
		handler:    gw.Handler(),
		signingKey: signingKey,
	}
}

// mintToken signs a token carrying the given scope string.
func (f *gatewayFixture) mintToken(t *testing.T, scope string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       authServer,
		"aud":       gatewayURL,
		"sub":       "user-1",
		"client_id": "client-1",
		"scope":     scope,
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	})
	token.Header["kid"] = signingKid

	signed, err := token.SignedString(f.signingKey)
	require.NoError(t, err)
	return signed
}

func (f *gatewayFixture) post(t *testing.T, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) mcp.Response {
	t.Helper()

	var resp mcp.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestMetadataEndpointIsPublic(t *testing.T) {
	f := newGatewayFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, auth.MetadataPath, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var metadata server.ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
	assert.Equal(t, gatewayURL, metadata.Resource)
	assert.Equal(t, []string{authServer}, metadata.AuthorizationServers)
	assert.Equal(t, []string{"header"}, metadata.BearerMethodsSupported)
	assert.Equal(t, []string{"RS256"}, metadata.ResourceSigningAlgValuesSupported)
	assert.ElementsMatch(t, allScopes, metadata.ScopesSupported)
}

func TestMCPWithoutTokenIsUnauthorized(t *testing.T) {
	f := newGatewayFixture(t, nil)

	rec := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer realm=")

	var body auth.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body.Error)
}

func TestMCPRejectsNonPOST(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:read")

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestMCPParseError(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:read")

	rec := f.post(t, token, `{broken`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeParseError, resp.Error.Code)
}

func TestMCPInvalidEnvelope(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:read")

	// Valid JSON, but not a JSON-RPC 2.0 envelope.
	rec := f.post(t, token, `{"method":"tools/list"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestToolsListMissingScope(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "kura:notes:search")

	rec := f.post(t, token, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)

	var body struct {
		Error            string   `json:"error"`
		ErrorDescription string   `json:"error_description"`
		MissingScopes    []string `json:"missing_scopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_scope", body.Error)
	assert.Equal(t, []string{"mcp:tools:read"}, body.MissingScopes)
	assert.Contains(t, body.ErrorDescription, "mcp:tools:read")
	// Scopes the caller already holds are never echoed back.
	assert.NotContains(t, body.ErrorDescription, "kura:notes:search")
}

func TestToolsListHappyPath(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:read")

	rec := f.post(t, token, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"search_kura_notes",
		"create_kura_note",
		"get_kura_note",
		"list_recent_kura_notes",
		"delete_kura_note",
	}, names)
}

func TestToolsCallEndToEnd(t *testing.T) {
	var gotAuth string
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"matches": []notes.SearchMatch{
				{Note: notes.Note{ID: "n-1", Title: "Go"}, Similarity: 0.85},
			},
		})
	})
	token := f.mintToken(t, "mcp:tools:execute kura:notes:search")

	rec := f.post(t, token, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"search_kura_notes","arguments":{"query":"golang"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)

	// The caller's own token was forwarded upstream.
	assert.Equal(t, "Bearer "+token, gotAuth)
	assert.Contains(t, rec.Body.String(), "n-1")
}

func TestToolsCallUnknownTool(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:execute")

	rec := f.post(t, token, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent_tool"}}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, rec.Body.String(), "available_tools")
	assert.Contains(t, rec.Body.String(), "search_kura_notes")
}

func TestToolsCallUpstreamFailureStaysInEnvelope(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "token expired"})
	})
	token := f.mintToken(t, "mcp:tools:execute kura:notes:read")

	rec := f.post(t, token, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_recent_kura_notes"}}`)

	// The JSON-RPC exchange itself succeeded; the failure is in the result.
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)
	assert.Contains(t, rec.Body.String(), "expired")
	assert.NotContains(t, rec.Body.String(), token)
}

func TestHealthEndpointsAreUnauthenticated(t *testing.T) {
	f := newGatewayFixture(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	f := newGatewayFixture(t, nil)
	token := f.mintToken(t, "mcp:tools:read")

	oversized := bytes.Repeat([]byte("a"), (1<<20)+1)
	rec := f.post(t, token, string(oversized))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
