package identity

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"(555) 123-4567", "+15551234567"},
		{"555.123.4567", "+15551234567"},
		{"1 555 123 4567", "+15551234567"},
		{"+1 (555) 123-4567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
		{"12345", "12345"},
		{"no digits", ""},
		{"chat42", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice <Alice@Example.COM>", "alice@example.com"},
		{" bob@EXAMPLE.com ", "bob@example.com"},
		{"5551234567", "+15551234567"},
		{"Family Chat", "family chat"},
	}
	for _, tc := range tests {
		if got := NormalizeIdentifier(tc.in); got != tc.want {
			t.Errorf("NormalizeIdentifier(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "+1 (555) 123-4567"},
		{"+15551234567", "+1 (555) 123-4567"},
		{"+442079460958", "+442079460958"},
		{"Carol@Example.com", "carol@example.com"},
		{"chat123", "chat123"},
		{"???", "???"},
	}
	for _, tc := range tests {
		if got := FormatIdentifier(tc.in); got != tc.want {
			t.Errorf("FormatIdentifier(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
