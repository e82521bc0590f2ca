package identity

import (
	"net/mail"
	"strings"
	"unicode"
)

// IsEmail reports whether the identifier looks like an email address rather
// than a phone number.
func IsEmail(identifier string) bool {
	return strings.Contains(identifier, "@")
}

// NormalizeEmail lowercases and strips display-name decoration.
// "Alice <Alice@Example.COM>" -> "alice@example.com".
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := mail.ParseAddress(s); err == nil && addr != nil {
		s = addr.Address
	}
	return strings.ToLower(s)
}

// NormalizePhone reduces a phone number to E.164-like form. Ten digit numbers
// are assumed to be North American. Returns "" when there are no digits or the
// input contains letters.
//
//	"(555) 123-4567"  -> "+15551234567"
//	"1 555 123 4567"  -> "+15551234567"
//	"+44 20 7946 0958" -> "+442079460958"
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	plus := strings.HasPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsLetter(r):
			return ""
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return ""
	case plus:
		return "+" + digits
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return digits
	}
}

// NormalizeIdentifier normalizes either kind of identifier.
func NormalizeIdentifier(s string) string {
	if IsEmail(s) {
		return NormalizeEmail(s)
	}
	if p := NormalizePhone(s); p != "" {
		return p
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// FormatIdentifier renders an identifier for humans, used when no contact
// name is known. North American numbers become "+1 (555) 123-4567".
func FormatIdentifier(s string) string {
	if IsEmail(s) {
		return NormalizeEmail(s)
	}
	p := NormalizePhone(s)
	if p == "" {
		return strings.TrimSpace(s)
	}
	if len(p) == 12 && strings.HasPrefix(p, "+1") {
		d := p[2:]
		return "+1 (" + d[0:3] + ") " + d[3:6] + "-" + d[6:]
	}
	return p
}
