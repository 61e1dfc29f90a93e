package utils

import "strings"

// TruncateForLog cuts s to limit runes and marks the cut with an ellipsis.
// Greetings and titles are mostly CJK, so the limit counts runes, not bytes.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
