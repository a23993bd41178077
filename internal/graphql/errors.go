package graphql

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse reports a response that is not a GraphQL envelope or whose
// data does not match the expected shape.
var ErrMalformedResponse = errors.New("malformed response")

// Server error codes that mean the bearer token was rejected.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeTokenExpired    = "TOKEN_EXPIRED"
)

// NetworkError is a transport failure: the request never produced a usable response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "Network error: " + e.Err.Error() }

// Unwrap exposes the cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-success status without a GraphQL error body.
type HTTPError struct {
	Op     string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

// Error is one entry of a GraphQL errors array.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ResponseError carries the errors array of a GraphQL response.
type ResponseError struct {
	Op     string
	Status int
	Errors []Error
}

func (e *ResponseError) Error() string {
	if len(e.Errors) == 0 {
		return "GraphQL error: unknown"
	}
	return "GraphQL error: " + e.Errors[0].Message
}

// Message returns the first error message.
func (e *ResponseError) Message() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Message
}

// Code returns the server code of the first error that carries one.
func (e *ResponseError) Code() string {
	for _, ge := range e.Errors {
		if c, ok := ge.Extensions["code"].(string); ok && c != "" {
			return c
		}
	}
	return ""
}

// Recoverable returns the server's recoverable hint and whether it was present.
func (e *ResponseError) Recoverable() (recoverable, present bool) {
	for _, ge := range e.Errors {
		if r, ok := ge.Extensions["recoverable"].(bool); ok {
			return r, true
		}
	}
	return false, false
}

// IsAuthFailure reports whether err means the access token was rejected.
func IsAuthFailure(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusUnauthorized
	}
	var re *ResponseError
	if errors.As(err, &re) {
		if re.Status == http.StatusUnauthorized {
			return true
		}
		switch re.Code() {
		case CodeUnauthenticated, CodeTokenExpired:
			return true
		}
	}
	return false
}
