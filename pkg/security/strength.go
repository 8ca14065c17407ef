// Package security holds the wallet password policy.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrPasswordEmpty    = errors.New("security: password is empty")
	ErrPasswordTooShort = errors.New("security: password is too short")
	ErrPasswordWeak     = errors.New("security: password is too weak")
	ErrPasswordMismatch = errors.New("security: passwords do not match")
)

// PasswordStrength represents the strength level of a password.
type PasswordStrength int

const (
	// PasswordWeak indicates an insecure password (fewer than 8 characters).
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Evaluate rates a user-chosen password. Length is the primary factor per
// NIST SP 800-63B; composition rules are not applied. A password made of a
// single repeated character is always weak.
func Evaluate(password []byte) PasswordStrength {
	if repeated(password) {
		return PasswordWeak
	}
	n := utf8.RuneCount(password)
	switch {
	case n >= 20:
		return PasswordStrong
	case n >= 14:
		return PasswordGood
	case n >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

func repeated(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	for i := 1; i < len(b); i++ {
		if b[i] != b[0] {
			return false
		}
	}
	return true
}

// Policy is the minimum bar for new wallet and backup passwords.
type Policy struct {
	MinLength   int
	MinStrength PasswordStrength
}

// DefaultPolicy requires at least 8 characters rated Fair.
func DefaultPolicy() Policy {
	return Policy{MinLength: 8, MinStrength: PasswordFair}
}

// Check returns nil if password satisfies p. The error never includes the
// password.
func (p Policy) Check(password []byte) error {
	if len(password) == 0 {
		return ErrPasswordEmpty
	}
	if n := utf8.RuneCount(password); n < p.MinLength {
		return fmt.Errorf("%w: %d characters, need %d", ErrPasswordTooShort, n, p.MinLength)
	}
	if s := Evaluate(password); s < p.MinStrength {
		return fmt.Errorf("%w: rated %s, need %s", ErrPasswordWeak, s, p.MinStrength)
	}
	return nil
}

// ConfirmMatch compares a password with its confirmation in constant time.
func ConfirmMatch(password, confirm []byte) error {
	if subtle.ConstantTimeCompare(password, confirm) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
