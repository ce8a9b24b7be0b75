// Package util holds small helpers shared across the proxy path.
package util

import "fmt"

// DefaultLogMaxLen caps upstream bodies quoted in log lines.
const DefaultLogMaxLen = 1024

// TruncateLog cuts s at maxLen, keeping a note of the original size so the
// log line still tells how large the payload was.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies the default cap to a raw body.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
