package authutil

import (
	"net/mail"
	"strings"

	"github.com/and161185/shepherd/internal/model"
)

// SanitizeUser returns a copy of u that is safe for long-lived storage.
// Slices are copied so callers cannot mutate the persisted record.
func SanitizeUser(u model.AuthUser) model.AuthUser {
	out := u
	out.Permissions = []string{}
	out.Roles = append([]string(nil), u.Roles...)
	out.Branches = append([]model.BranchAccess(nil), u.Branches...)
	if u.PrimaryBranch != nil {
		pb := *u.PrimaryBranch
		out.PrimaryBranch = &pb
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		out.LastLoginAt = &t
	}
	return out
}

// ValidEmail reports whether s is a bare, syntactically valid address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && strings.Contains(addr.Address[strings.LastIndexByte(addr.Address, '@')+1:], ".")
}

// DisplayName joins first and last name, falling back to the email.
func DisplayName(first, last, email string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		return email
	}
	return name
}
