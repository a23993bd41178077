package authutil

import (
	"strings"
	"unicode"
)

// PasswordSymbols is the punctuation set that satisfies the symbol rule.
const PasswordSymbols = `!@#$%^&*(),.?":{}|<>`

// Password rule messages, in evaluation order.
const (
	MsgPasswordLength    = "Password must be at least 8 characters long"
	MsgPasswordUppercase = "Password must contain at least one uppercase letter"
	MsgPasswordLowercase = "Password must contain at least one lowercase letter"
	MsgPasswordDigit     = "Password must contain at least one number"
	MsgPasswordSymbol    = "Password must contain at least one special character"
)

// PasswordCheck is the outcome of ValidatePassword.
type PasswordCheck struct {
	IsValid bool
	Errors  []string
}

// ValidatePassword applies every password rule and collects all violations.
func ValidatePassword(password string) PasswordCheck {
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(PasswordSymbols, r):
			symbol = true
		}
	}

	var errs []string
	if len([]rune(password)) < 8 {
		errs = append(errs, MsgPasswordLength)
	}
	if !upper {
		errs = append(errs, MsgPasswordUppercase)
	}
	if !lower {
		errs = append(errs, MsgPasswordLowercase)
	}
	if !digit {
		errs = append(errs, MsgPasswordDigit)
	}
	if !symbol {
		errs = append(errs, MsgPasswordSymbol)
	}
	return PasswordCheck{IsValid: len(errs) == 0, Errors: errs}
}
