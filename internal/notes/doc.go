// Package notes is the HTTP client for the notes service REST API.
//
// The client is a pure passthrough for authorization: every call takes the
// caller's bearer token and forwards it on the outgoing request, so access
// control stays with the notes service. Non-2xx answers surface as APIError
// values that preserve the status code for the tool layer to classify.
package notes
