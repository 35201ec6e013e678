package token

import (
	"regexp"
	"strings"
	"unicode"
)

// tokenPattern is the format check applied after stripping: API tokens
// are alphanumeric with the usual token punctuation, never whitespace
// or markup.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._=+/:-]*$`)

// Sanitize normalizes raw credential input before storage or
// validation:
//
//   - surrounding whitespace is trimmed
//   - control characters (including NUL and DEL) are stripped
//   - HTML/script-injection characters (<, >, quotes, backticks) are stripped
//   - the result must fall inside the [minLen, maxLen] window and match
//     the token format, otherwise the empty string is returned
func Sanitize(raw string, minLen, maxLen int) string {
	trimmed := strings.TrimSpace(raw)

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '<', '>', '"', '\'', '`':
			continue
		}
		b.WriteRune(r)
	}

	cleaned := b.String()
	if len(cleaned) < minLen || len(cleaned) > maxLen {
		return ""
	}
	if !tokenPattern.MatchString(cleaned) {
		return ""
	}
	return cleaned
}
