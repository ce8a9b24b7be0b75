package util

import (
	"strings"
	"testing"
)

func TestTruncateLog(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short", "short log", 1024, "short log"},
		{"exact limit", "12345678901234567890", 20, "12345678901234567890"},
		{"over limit", "1234567890abcdefghij", 10, "1234567890... [truncated, 20 bytes total]"},
		{"empty", "", 10, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TruncateLog(tc.input, tc.maxLen); got != tc.want {
				t.Fatalf("TruncateLog(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestTruncateBytesKeepsPrefix(t *testing.T) {
	input := []byte(strings.Repeat("x", 2*DefaultLogMaxLen))
	got := TruncateBytes(input)
	if !strings.HasPrefix(got, string(input[:DefaultLogMaxLen])) {
		t.Fatal("prefix not preserved")
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("marker missing: %q", got[len(got)-40:])
	}
	if short := TruncateBytes([]byte("ok")); short != "ok" {
		t.Fatalf("short input altered: %q", short)
	}
}
