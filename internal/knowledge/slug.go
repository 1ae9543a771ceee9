package knowledge

import (
	"strings"
	"unicode"
)

// Slugify turns a title into a kebab-case slug. Only ASCII letters and
// digits, Hangul syllables, whitespace and hyphens survive; whitespace runs
// become a single hyphen.
func Slugify(title string) string {
	var b strings.Builder
	pendingDash := false

	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', isHangulSyllable(r):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			pendingDash = true
		}
	}
	return b.String()
}

func isHangulSyllable(r rune) bool {
	return r >= 0xAC00 && r <= 0xD7A3
}
