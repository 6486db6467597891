package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "https://gateway.example.com"
	testKid      = "key-1"
)

// signingKeys is a test authorization server: an RSA keypair plus a JWKS
// endpoint publishing the public half.
type signingKeys struct {
	private *rsa.PrivateKey
	kid     string
}

func newSigningKeys(t *testing.T, kid string) *signingKeys {
	t.Helper()

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signingKeys{private: private, kid: kid}
}

func (sk *signingKeys) jwksJSON() map[string]any {
	pub := sk.private.Public().(*rsa.PublicKey)
	return map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": sk.kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
}

// serve starts a JWKS endpoint for the keys and counts fetches.
func (sk *signingKeys) serve(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(sk.jwksJSON())
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

// mint signs a token with the test key. The base claims are valid; mutate
// overrides individual claims for failure cases.
func (sk *signingKeys) mint(t *testing.T, mutate func(claims jwt.MapClaims)) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"sub":       "user-1",
		"client_id": "client-1",
		"scope":     "mcp:tools:read mcp:tools:execute kura:notes:search",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = sk.kid

	signed, err := token.SignedString(sk.private)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T, sk *signingKeys) *Verifier {
	t.Helper()

	srv, _ := sk.serve(t)
	return NewVerifier(NewKeySet(srv.URL+"/.well-known/jwks.json"), testIssuer, testAudience)
}

func TestVerifyValidToken(t *testing.T) {
	sk := newSigningKeys(t, testKid)
	verifier := newTestVerifier(t, sk)

	claims, authErr := verifier.Verify(context.Background(), sk.mint(t, nil))
	require.Nil(t, authErr)

	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, []string{"mcp:tools:read", "mcp:tools:execute", "kura:notes:search"}, claims.Scopes)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Contains(t, claims.Audience, testAudience)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestVerifyFailureKinds(t *testing.T) {
	sk := newSigningKeys(t, testKid)
	verifier := newTestVerifier(t, sk)
	otherKey := newSigningKeys(t, testKid)

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  Kind
	}{
		{
			name:  "not a jwt",
			token: func(t *testing.T) string { return "not-a-jwt" },
			want:  KindMalformedToken,
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					// Well past the leeway window.
					claims["exp"] = time.Now().Add(-time.Hour).Unix()
				})
			},
			want: KindTokenExpired,
		},
		{
			name: "missing exp claim",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					delete(claims, "exp")
				})
			},
			want: KindMalformedClaims,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					claims["iss"] = "https://rogue.example.com"
				})
			},
			want: KindInvalidIssuer,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					claims["aud"] = "https://other-service.example.com"
				})
			},
			want: KindInvalidAudience,
		},
		{
			name: "missing sub claim",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					delete(claims, "sub")
				})
			},
			want: KindMalformedClaims,
		},
		{
			name: "missing client_id claim",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					delete(claims, "client_id")
				})
			},
			want: KindMalformedClaims,
		},
		{
			name: "missing scope claim",
			token: func(t *testing.T) string {
				return sk.mint(t, func(claims jwt.MapClaims) {
					delete(claims, "scope")
				})
			},
			want: KindMalformedClaims,
		},
		{
			name: "signed by unknown key",
			token: func(t *testing.T) string {
				return otherKey.mint(t, nil)
			},
			want: KindInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, authErr := verifier.Verify(context.Background(), tt.token(t))
			require.NotNil(t, authErr)
			assert.Nil(t, claims)
			assert.Equal(t, tt.want, authErr.Kind)
		})
	}
}

func TestVerifyRejectsWrongAlgorithmBeforeKeyLookup(t *testing.T) {
	sk := newSigningKeys(t, testKid)
	srv, fetches := sk.serve(t)
	verifier := NewVerifier(NewKeySet(srv.URL), testIssuer, testAudience)

	// An HS256 token signed with a shared secret must never reach the
	// key cache; accepting it would let an attacker use the public RSA
	// key as an HMAC secret.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, authErr := verifier.Verify(context.Background(), signed)
	require.NotNil(t, authErr)
	assert.Equal(t, KindInvalidSignature, authErr.Kind)
	assert.Zero(t, fetches.Load())
}

func TestVerifyAcceptsExpiryWithinLeeway(t *testing.T) {
	sk := newSigningKeys(t, testKid)
	verifier := newTestVerifier(t, sk)

	token := sk.mint(t, func(claims jwt.MapClaims) {
		claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	})

	claims, authErr := verifier.Verify(context.Background(), token)
	require.Nil(t, authErr)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifyRefetchesAfterKeyRotation(t *testing.T) {
	oldKeys := newSigningKeys(t, testKid)
	newKeys := newSigningKeys(t, testKid)

	// The endpoint serves the old key first, then rotates.
	var rotated atomic.Bool
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if rotated.Load() {
			_ = json.NewEncoder(w).Encode(newKeys.jwksJSON())
			return
		}
		_ = json.NewEncoder(w).Encode(oldKeys.jwksJSON())
	}))
	defer srv.Close()

	verifier := NewVerifier(NewKeySet(srv.URL), testIssuer, testAudience)

	// Prime the cache with the old key.
	_, authErr := verifier.Verify(context.Background(), oldKeys.mint(t, nil))
	require.Nil(t, authErr)
	require.Equal(t, int64(1), fetches.Load())

	rotated.Store(true)

	// A token signed with the rotated key fails against the cached key,
	// which must trigger exactly one refetch and then succeed.
	claims, authErr := verifier.Verify(context.Background(), newKeys.mint(t, nil))
	require.Nil(t, authErr)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestVerifyKeyFetchFailure(t *testing.T) {
	sk := newSigningKeys(t, testKid)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	verifier := NewVerifier(NewKeySet(srv.URL), testIssuer, testAudience)

	_, authErr := verifier.Verify(context.Background(), sk.mint(t, nil))
	require.NotNil(t, authErr)
	assert.Equal(t, KindKeyFetchFailed, authErr.Kind)
	// The description asks the caller to retry without leaking the
	// upstream failure.
	assert.NotContains(t, authErr.Description, "500")
}
