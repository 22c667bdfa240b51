package utils

import (
	"strings"
	"time"
)

// CeilDiv returns ⌈a/b⌉ for positive b
func CeilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// EstimateTokens approximates a token count from a character count using the
// common 4-chars-per-token heuristic.
func EstimateTokens(chars int) int {
	return CeilDiv(chars, 4)
}

// FormatDuration renders a millisecond duration for log messages (e.g. "2m30s")
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(time.Second).String()
}

// MatchScope reports whether a request path matches a scope pattern.
// Patterns are "*" (everything), "prefix*" (prefix match) or an exact path.
func MatchScope(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

// ContainsAny reports whether s contains any of the given substrings
func ContainsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
