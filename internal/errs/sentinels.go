// Package errs contains the client error taxonomy used across layers for stable error mapping.
package errs

import "errors"

// Code is a machine-readable error code. Servers may extend the set.
type Code string

// Codes produced by the client itself.
const (
	CodeNetwork             Code = "NETWORK_ERROR"
	CodeGraphQL             Code = "GRAPHQL_ERROR"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeMaxRefreshAttempts  Code = "MAX_REFRESH_ATTEMPTS"
	CodeAPINotInitialized   Code = "API_NOT_INITIALIZED"
	CodeUnknown             Code = "UNKNOWN_ERROR"
	CodeNoRefreshToken      Code = "NO_REFRESH_TOKEN"
	CodeRefreshTokenExpired Code = "REFRESH_TOKEN_EXPIRED"
	CodeSessionIntegrity    Code = "SESSION_INTEGRITY_ERROR"
	CodeSessionTimeout      Code = "SESSION_TIMEOUT"
	CodeInvalidResponse     Code = "INVALID_RESPONSE"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotAuthenticated    Code = "NOT_AUTHENTICATED"
)

// Codes commonly sent by the API.
const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeEmailNotVerified   Code = "EMAIL_NOT_VERIFIED"
	CodeMFARequired        Code = "MFA_REQUIRED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
)

// Sentinels for errors.Is matching by code.
var (
	ErrNetwork             = &AuthError{Code: CodeNetwork}
	ErrGraphQL             = &AuthError{Code: CodeGraphQL}
	ErrTokenExpired        = &AuthError{Code: CodeTokenExpired}
	ErrMaxRefreshAttempts  = &AuthError{Code: CodeMaxRefreshAttempts}
	ErrAPINotInitialized   = &AuthError{Code: CodeAPINotInitialized}
	ErrUnknown             = &AuthError{Code: CodeUnknown}
	ErrNoRefreshToken      = &AuthError{Code: CodeNoRefreshToken}
	ErrRefreshTokenExpired = &AuthError{Code: CodeRefreshTokenExpired}
	ErrSessionIntegrity    = &AuthError{Code: CodeSessionIntegrity}
	ErrSessionTimeout      = &AuthError{Code: CodeSessionTimeout}
	ErrInvalidResponse     = &AuthError{Code: CodeInvalidResponse}
	ErrValidation          = &AuthError{Code: CodeValidation}
	ErrNotAuthenticated    = &AuthError{Code: CodeNotAuthenticated}
)

// Infrastructure sentinels.
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates the storage backend cannot be used in this environment.
	ErrUnavailable = errors.New("storage unavailable")
)
