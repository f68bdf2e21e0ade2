// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// maxFieldLen caps sanitized values. Identifiers and paths arriving over the
// agent socket or the ceremony HTTP server have no business being longer.
const maxFieldLen = 256

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117), and truncates oversized values.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)

	if len(s) > maxFieldLen {
		s = s[:maxFieldLen] + "..."
	}
	return s
}
