package cloud

import (
	"regexp"
	"strings"
)

// maxFieldLen bounds the length of sanitized free-text fields.
const maxFieldLen = 100

var (
	scriptRe    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	jsSchemeRe  = regexp.MustCompile(`(?i)javascript:`)
	eventAttrRe = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// Sanitize cleans an untrusted free-text field from a cloud cache response:
// script blocks and HTML-like tags are stripped, javascript: schemes and
// on*= event attributes removed, and the result truncated to 100 characters
// and trimmed. An empty result means the field carried nothing usable.
func Sanitize(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, "")
	s = jsSchemeRe.ReplaceAllString(s, "")
	s = eventAttrRe.ReplaceAllString(s, "")
	if runes := []rune(s); len(runes) > maxFieldLen {
		s = string(runes[:maxFieldLen])
	}
	return strings.TrimSpace(s)
}
