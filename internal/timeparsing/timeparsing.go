// Package timeparsing parses the duration forms accepted in
// configuration: everything time.ParseDuration knows ("90s", "1h30m")
// plus whole-day and whole-week shorthands ("7d", "2w") for retention
// windows and TTLs.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// compactRe matches the day/week shorthand: (\d+)([dw]).
var compactRe = regexp.MustCompile(`^(\d+)([dw])$`)

const day = 24 * time.Hour

// ParseDuration parses a configuration duration. "Nd" means N days and
// "Nw" means N weeks; anything else goes through time.ParseDuration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if m := compactRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration amount %q", m[1])
		}
		if m[2] == "w" {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// FormatDuration renders a duration in its shortest config form: whole
// days as "Nd", otherwise the Go form with trailing zero units trimmed
// ("24h0m0s" becomes "24h"). ParseDuration accepts every string this
// returns.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d > 0 && d%day == 0 {
		return strconv.FormatInt(int64(d/day), 10) + "d"
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
