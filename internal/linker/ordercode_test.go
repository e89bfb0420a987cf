package linker

import "testing"

func TestExtractOrderCode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "whole id is a code", raw: "a1b2c3d", expected: "a1b2c3d"},
		{name: "prefix of composite id", raw: "a1b2c3d-998877", expected: "a1b2c3d"},
		{name: "multiple hyphens take the first prefix", raw: "abcde-12-34", expected: "abcde"},
		{name: "upper case is normalized", raw: "A1B2C3D", expected: "a1b2c3d"},
		{name: "all-decimal token is valid hex", raw: "12345", expected: "12345"},
		{name: "eight chars is the maximum", raw: "abcdef01", expected: "abcdef01"},
		{name: "too short", raw: "abcd", expected: ""},
		{name: "too long", raw: "abcdef012", expected: ""},
		{name: "non-hex characters", raw: "ghijk", expected: ""},
		{name: "prefix too short", raw: "abc-123456", expected: ""},
		{name: "leading hyphen has no prefix", raw: "-abcde", expected: ""},
		{name: "whitespace trimmed", raw: "  a1b2c3d  ", expected: "a1b2c3d"},
		{name: "empty", raw: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractOrderCode(tt.raw); got != tt.expected {
				t.Errorf("ExtractOrderCode(%q) = %q, expected %q", tt.raw, got, tt.expected)
			}
		})
	}
}
