// Package redact masks credentials and personal data before they reach logs.
package redact

import (
	"strings"

	"go.uber.org/zap"
)

// Email keeps the first two runes of the local part and the domain.
func Email(s string) string {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := []rune(parts[0])
	if len(local) > 2 {
		return string(local[:2]) + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// Token replaces a bearer or refresh token. Empty input stays empty so logs show absence.
func Token(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED_TOKEN]"
}

// Password is the placeholder for any password value.
func Password() string { return "[REDACTED_PASSWORD]" }

// EmailField is a zap field carrying a masked address.
func EmailField(s string) zap.Field { return zap.String("email", Email(s)) }
