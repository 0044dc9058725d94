// Package stringutil provides common string utility functions.
package stringutil

import (
	"crypto/rand"
	"regexp"
	"strings"
	"unicode"
)

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

var hyphenRuns = regexp.MustCompile(`-+`)

// Slug converts free text into a branch-safe component:
// lowercase, letters and digits kept, everything else becomes a hyphen,
// hyphen runs collapsed, leading/trailing hyphens removed, truncated to
// maxLen without leaving a trailing hyphen. An input with no usable
// characters yields "".
func Slug(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}

	result := hyphenRuns.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}
	return result
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSuffix returns n random characters from [a-z0-9].
func RandomSuffix(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = suffixAlphabet[int(buf[i])%len(suffixAlphabet)]
	}
	return string(buf)
}

// ContainsWord reports whether text contains word on word boundaries,
// case-insensitively. Word-boundary means the match is not surrounded by
// letters or digits.
func ContainsWord(text, word string) bool {
	if word == "" {
		return false
	}
	lowerText := strings.ToLower(text)
	lowerWord := strings.ToLower(word)
	for start := 0; ; {
		idx := strings.Index(lowerText[start:], lowerWord)
		if idx < 0 {
			return false
		}
		idx += start
		before := idx - 1
		after := idx + len(lowerWord)
		beforeOK := before < 0 || !isWordRune(rune(lowerText[before]))
		afterOK := after >= len(lowerText) || !isWordRune(rune(lowerText[after]))
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
