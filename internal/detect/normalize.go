package detect

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// MaxNormalizedLen caps the length of a normalized line in runes.
const MaxNormalizedLen = 512

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// Normalize strips escape sequences and control characters, collapses runs of
// whitespace to single spaces and caps the result at MaxNormalizedLen runes.
func Normalize(line string) string {
	line = StripANSI(line)
	line = strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, line)
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) > MaxNormalizedLen {
		runes := []rune(line)
		line = string(runes[:MaxNormalizedLen])
	}
	return line
}
