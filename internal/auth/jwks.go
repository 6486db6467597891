package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultKeyTTL is how long a fetched signing key is trusted before
	// the JWKS document is refetched.
	DefaultKeyTTL = 1 * time.Hour

	// defaultFetchTimeout bounds a single JWKS fetch when the request
	// context has no earlier deadline.
	defaultFetchTimeout = 10 * time.Second

	// maxJWKSBytes caps the JWKS response body size.
	maxJWKSBytes = 1 << 20
)

// jwksDocument is the wire format of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwk is a single JSON Web Key. Only RSA keys are used; other key types
// are ignored during parsing.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// cachedKey is a signing key with its fetch time for TTL checks.
type cachedKey struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// KeySet caches RSA signing keys fetched from a JWKS endpoint.
//
// Keys are cached per kid with a TTL. Concurrent fetches for the same kid
// are coalesced so a thundering herd of requests after expiry results in a
// single upstream call. Invalidate drops a key so the next lookup refetches,
// which the Verifier uses to pick up rotated keys after a signature failure.
type KeySet struct {
	jwksURL    string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	group singleflight.Group

	mu   sync.RWMutex
	keys map[string]cachedKey
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithKeyTTL overrides the default key cache TTL.
func WithKeyTTL(ttl time.Duration) KeySetOption {
	return func(ks *KeySet) {
		ks.ttl = ttl
	}
}

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) KeySetOption {
	return func(ks *KeySet) {
		ks.httpClient = client
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) KeySetOption {
	return func(ks *KeySet) {
		ks.now = now
	}
}

// NewKeySet creates a KeySet fetching from the given JWKS URL.
func NewKeySet(jwksURL string, opts ...KeySetOption) *KeySet {
	ks := &KeySet{
		jwksURL:    jwksURL,
		ttl:        DefaultKeyTTL,
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		now:        time.Now,
		keys:       make(map[string]cachedKey),
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Key returns the RSA public key for the given kid, fetching the JWKS
// document if the key is unknown or its cache entry has expired.
//
// An empty kid is accepted when the JWKS document contains exactly one key;
// some authorization servers omit kid for a single active key.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	entry, ok := ks.keys[kid]
	ks.mu.RUnlock()

	if ok && ks.now().Sub(entry.fetchedAt) < ks.ttl {
		return entry.key, nil
	}

	// Coalesce concurrent refetches for the same kid.
	result, err, _ := ks.group.Do(kid, func() (interface{}, error) {
		// Re-check under the group: another caller may have refreshed
		// the cache while this one waited.
		ks.mu.RLock()
		entry, ok := ks.keys[kid]
		ks.mu.RUnlock()
		if ok && ks.now().Sub(entry.fetchedAt) < ks.ttl {
			return entry.key, nil
		}

		return ks.fetch(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	return result.(*rsa.PublicKey), nil
}

// Invalidate drops the cached entry for kid so the next Key call refetches.
func (ks *KeySet) Invalidate(kid string) {
	ks.mu.Lock()
	delete(ks.keys, kid)
	ks.mu.Unlock()
}

// fetch retrieves the JWKS document, caches every RSA key it contains,
// and returns the key matching kid.
func (ks *KeySet) fetch(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS document: %w", err)
	}

	fetchedAt := ks.now()
	parsed := make(map[string]cachedKey)
	var rsaKeys []jwk
	for _, key := range doc.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWKS key %q: %w", key.Kid, err)
		}
		parsed[key.Kid] = cachedKey{key: pub, fetchedAt: fetchedAt}
		rsaKeys = append(rsaKeys, key)
	}

	if len(parsed) == 0 {
		return nil, fmt.Errorf("JWKS document contains no RSA keys")
	}

	ks.mu.Lock()
	for id, entry := range parsed {
		ks.keys[id] = entry
	}
	ks.mu.Unlock()

	if kid == "" {
		if len(rsaKeys) == 1 {
			return parsed[rsaKeys[0].Kid].key, nil
		}
		return nil, fmt.Errorf("token has no kid and JWKS document contains %d keys", len(rsaKeys))
	}

	entry, ok := parsed[kid]
	if !ok {
		return nil, fmt.Errorf("JWKS document contains no key with kid %q", kid)
	}
	return entry.key, nil
}

// rsaPublicKeyFromJWK builds an rsa.PublicKey from the base64url-encoded
// modulus and exponent of a JWK.
func rsaPublicKeyFromJWK(key jwk) (*rsa.PublicKey, error) {
	if key.N == "" || key.E == "" {
		return nil, fmt.Errorf("missing modulus or exponent")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 || e.Int64() > int64(1<<31-1) {
		return nil, fmt.Errorf("exponent out of range")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
