// Package logutil holds helpers for putting client-controlled values into log lines.
package logutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxLogValue caps how much of a single client-supplied value is logged.
const maxLogValue = 128

// SanitizeForLog flattens whitespace control characters to spaces and drops
// every other control character, so a hostname or session id sent by a
// client cannot forge extra log entries. Long values are truncated.
func SanitizeForLog(s string) string {
	out := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(out) > maxLogValue {
		cut := maxLogValue
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "..."
	}
	return out
}
