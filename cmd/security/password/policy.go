package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks password against the policy, counting runes rather than bytes.
func (h Hasher) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	if n < h.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > h.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if h.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password":    {},
	"password123": {},
	"123456":      {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"11111111":    {},
	"letmein":     {},
	"welcome1":    {},
}

// Minimal on purpose; not an entropy estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivialPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame, onlyDigits := true, true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	return allSame || (onlyDigits && utf8.RuneCountInString(s) < 12)
}
