// Package authutil holds pure helpers for token expiry, password rules and user records.
package authutil

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshThreshold is how long before hard expiry a token is treated as needing refresh.
const DefaultRefreshThreshold = 5 * time.Minute

// IsTokenExpired reports whether expiresAt falls within threshold of now (inclusive).
func IsTokenExpired(expiresAt time.Time, threshold time.Duration) bool {
	return IsTokenExpiredAt(expiresAt, threshold, time.Now())
}

// IsTokenExpiredAt is IsTokenExpired with an explicit clock.
func IsTokenExpiredAt(expiresAt time.Time, threshold time.Duration, now time.Time) bool {
	return expiresAt.Sub(now) <= threshold
}

// IsRefreshTokenExpired reports whether the refresh expiry is absent or already reached.
func IsRefreshTokenExpired(refreshExpiresAt time.Time) bool {
	return IsRefreshTokenExpiredAt(refreshExpiresAt, time.Now())
}

// IsRefreshTokenExpiredAt is IsRefreshTokenExpired with an explicit clock.
func IsRefreshTokenExpiredAt(refreshExpiresAt, now time.Time) bool {
	return refreshExpiresAt.IsZero() || !now.Before(refreshExpiresAt)
}

// DecodeTokenExpiry reads the exp claim of a JWT without verifying its signature.
// Any parse failure yields now, so a malformed token is always treated as expired.
func DecodeTokenExpiry(token string) time.Time {
	return DecodeTokenExpiryAt(token, time.Now())
}

// DecodeTokenExpiryAt is DecodeTokenExpiry with an explicit clock.
func DecodeTokenExpiryAt(token string, now time.Time) time.Time {
	exp, ok := tokenExpiry(token)
	if !ok {
		return now
	}
	return exp
}

// ExpiryClaim returns the exp claim of a JWT and whether one could be read.
func ExpiryClaim(token string) (time.Time, bool) {
	return tokenExpiry(token)
}

// HasJWTShape reports whether token consists of three non-empty dot-delimited segments.
func HasJWTShape(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func tokenExpiry(token string) (exp time.Time, ok bool) {
	defer func() {
		if recover() != nil {
			exp, ok = time.Time{}, false
		}
	}()
	if !HasJWTShape(token) {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}
