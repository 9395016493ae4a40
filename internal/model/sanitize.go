package model

import (
	"regexp"
	"strings"
	"unicode"
)

const maxMessage = 300

var (
	reURL    = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://\S+`)
	reSecret = regexp.MustCompile(`(?i)\b(cookie|cookies|token|access_token|password|passwd|secret|session[a-z_]*|sid|auth[a-z_]*|signature|sig|key)=[^\s&;]+`)
	reWinAbs = regexp.MustCompile(`\b[A-Za-z]:\\[^\s"']+`)
	rePosix  = regexp.MustCompile(`(^|[\s"'(=])(/[^\s"':]+){2,}`)
)

// SanitizeMessage redacts URLs, file system paths and key=value secrets,
// strips control characters and bounds the length. It is applied to
// every message which leaves the process.
func SanitizeMessage(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = reURL.ReplaceAllString(s, "[url]")
	s = reSecret.ReplaceAllString(s, "$1=[redacted]")
	s = reWinAbs.ReplaceAllString(s, "[path]")
	s = rePosix.ReplaceAllString(s, "$1[path]")
	s = strings.TrimSpace(s)
	if len(s) > maxMessage {
		cut := maxMessage
		for cut > 0 && !utf8Start(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
