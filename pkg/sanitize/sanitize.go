package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MessageText trims a chat message and removes control characters other
// than newlines and tabs. Stored text is never HTML-escaped; rendering
// clients escape on output.
func MessageText(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		result.WriteRune(r)
	}
	return strings.TrimSpace(result.String())
}

// ValidateStringLength checks the rune count of input is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	n := utf8.RuneCountInString(input)
	return n >= minLen && n <= maxLen
}
