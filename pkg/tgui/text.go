package tgui

import (
	"strings"
	"unicode/utf8"
)

// DisplayName fits a user-chosen name on one header line: whitespace runs
// (newlines included) collapse to one space and anything past n runes is
// replaced by "…". The result is plain text; escape it before use.
func DisplayName(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimRight(string([]rune(s)[:n]), " ") + "…"
}
