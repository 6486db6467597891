package server

import (
	"encoding/json"
	"net/http"
)

// metadataCacheControl lets clients cache the discovery document; its
// contents only change on redeploy.
const metadataCacheControl = "public, max-age=3600"

// ProtectedResourceMetadata is the RFC 9728 discovery document served at
// /.well-known/oauth-protected-resource. It tells MCP clients which
// authorization server issues tokens for this gateway and which scopes
// exist.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers"`
	ScopesSupported                   []string `json:"scopes_supported"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported"`
}

// NewProtectedResourceMetadata builds the discovery document for this
// deployment.
func NewProtectedResourceMetadata(resource, authServer string, scopes []string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:                          resource,
		AuthorizationServers:              []string{authServer},
		ScopesSupported:                   scopes,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: []string{"RS256"},
	}
}

// Handler serves the metadata document. The endpoint is public: clients
// must be able to discover the authorization server before they hold any
// token.
func (m ProtectedResourceMetadata) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", metadataCacheControl)
		_ = json.NewEncoder(w).Encode(m)
	})
}
