package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthError is the normalized error envelope returned by every public client operation.
type AuthError struct {
	Code        Code
	Message     string
	Details     any
	Timestamp   time.Time
	Recoverable bool
	Err         error
}

// Error implements error.
func (e *AuthError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap exposes the underlying cause.
func (e *AuthError) Unwrap() error { return e.Err }

// Is matches another AuthError by code, so the package sentinels work with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code == e.Code
}

// New builds an AuthError stamped with the current time.
func New(code Code, message string, details any, recoverable bool) *AuthError {
	return &AuthError{
		Code:        code,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now(),
		Recoverable: recoverable,
	}
}

// Newf builds a recoverable AuthError with a formatted message.
func Newf(code Code, format string, args ...any) *AuthError {
	return New(code, fmt.Sprintf(format, args...), nil, true)
}

// Terminal builds a non-recoverable AuthError.
func Terminal(code Code, message string) *AuthError {
	return New(code, message, nil, false)
}

// Wrap attaches err as the cause of a new AuthError.
func Wrap(code Code, err error, recoverable bool) *AuthError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ae := New(code, msg, nil, recoverable)
	ae.Err = err
	return ae
}

// As returns the AuthError in err's chain, if any.
func As(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) && ae != nil {
		return ae, true
	}
	return nil, false
}

// From normalizes any error into an AuthError. Nil stays nil.
func From(err error) *AuthError {
	if err == nil {
		return nil
	}
	if ae, ok := As(err); ok {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeNetwork, err, true)
	}
	return Wrap(CodeUnknown, err, true)
}

// CodeOf returns the code of the AuthError in err's chain or CodeUnknown.
func CodeOf(err error) Code {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeUnknown
}

// IsRecoverable reports whether err may be retried without re-authenticating.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if ae, ok := As(err); ok {
		return ae.Recoverable
	}
	return true
}

var friendly = map[Code]string{
	CodeNetwork:             "Unable to reach the server. Check your connection and try again.",
	CodeTokenExpired:        "Your session has expired. Please sign in again.",
	CodeMaxRefreshAttempts:  "Your session could not be renewed. Please sign in again.",
	CodeRefreshTokenExpired: "Your session has expired. Please sign in again.",
	CodeNoRefreshToken:      "You are not signed in.",
	CodeSessionTimeout:      "You were signed out after a period of inactivity.",
	CodeSessionIntegrity:    "Your saved session was invalid. Please sign in again.",
	CodeNotAuthenticated:    "You are not signed in.",
	CodeInvalidCredentials:  "Invalid email or password.",
	CodeAccountLocked:       "Your account is locked. Contact an administrator.",
	CodeEmailNotVerified:    "Please verify your email address before signing in.",
	CodeMFARequired:         "A verification code is required to finish signing in.",
	CodeRateLimited:         "Too many attempts. Please wait a moment and try again.",
}

var internalPrefixes = []string{"GraphQL error:", "Network error:"}

// UserMessage renders err as a sentence suitable for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	ae := From(err)
	if msg, ok := friendly[ae.Code]; ok {
		return msg
	}
	return StripPrefixes(ae.Message)
}

// StripPrefixes removes transport prefixes such as "GraphQL error:" from a server message.
func StripPrefixes(msg string) string {
	out := strings.TrimSpace(msg)
	for changed := true; changed; {
		changed = false
		for _, p := range internalPrefixes {
			if strings.HasPrefix(out, p) {
				out = strings.TrimSpace(strings.TrimPrefix(out, p))
				changed = true
			}
		}
	}
	return out
}
