// Package auth implements bearer-token authentication for the gateway.
//
// It contains the token verifier (RS256 JWTs validated against
// JWKS-published keys with a TTL cache), the HTTP authorization gate that
// fronts every protected route, and the tagged failure taxonomy that keeps
// distinct auth failure classes distinguishable all the way to the
// WWW-Authenticate response header.
//
// The verified identity and the caller's raw bearer token travel in the
// request context; tool executors forward the token to the notes service
// so the gateway never holds credentials of its own.
package auth
