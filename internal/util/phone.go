package util

import (
	"regexp"
	"strings"
)

var nonPhone = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone strips noise from a destination address and coerces it
// towards E.164. Everything that writes campaign_messages rows runs raw
// input through here first.
func NormalizePhone(raw string) string {
	s := nonPhone.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case s != "" && !strings.HasPrefix(s, "+"):
		s = "+" + s
	}

	return s
}
