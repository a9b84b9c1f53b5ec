// Package mac normalizes and validates device hardware addresses.
// The canonical form is six lowercase colon-separated hex octets,
// e.g. "aa:bb:cc:dd:ee:ff". Dash and dot separated inputs are accepted.
package mac

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalid = errors.New("invalid mac address")

var canonicalRe = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// Canonical normalizes raw into the canonical form, or returns
// ErrInvalid when raw is not a recognizable 48-bit hardware address.
func Canonical(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalid
	}

	s = strings.ReplaceAll(s, "-", ":")
	s = strings.ReplaceAll(s, ".", "")
	if !strings.Contains(s, ":") {
		if len(s) != 12 {
			return "", ErrInvalid
		}
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}

	if !canonicalRe.MatchString(s) {
		return "", ErrInvalid
	}
	return s, nil
}
