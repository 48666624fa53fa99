package definition

import (
	"regexp"
	"strings"
	"time"
)

// Relative time modifiers follow the form [+|-]<n><unit>[@<unit>[<n>]][+|-<n><unit>],
// e.g. "-24h@h", "-7d@d", "@w1", "-1d@d+8h". The amount may be omitted ("-h").
const timeUnit = `(?:s|sec|secs|second|seconds|m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days|w|week|weeks|w[0-7]|mon|month|months|q|qtr|qtrs|quarter|quarters|y|yr|yrs|year|years)`

var (
	relativeTimeRe = regexp.MustCompile(`^(?:[+-]\d*` + timeUnit + `)?(?:@` + timeUnit + `)?(?:[+-]\d*` + timeUnit + `)?$`)
	epochTimeRe    = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
)

var absoluteTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006:15:04:05",
}

// ValidTimeExpr reports whether s is a recognized time bound: empty, "now",
// a relative modifier, an absolute timestamp, or unix epoch seconds.
func ValidTimeExpr(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") || s == "0" {
		return true
	}
	if epochTimeRe.MatchString(s) {
		return true
	}
	for _, layout := range absoluteTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	// An empty match is handled above; the regexp would accept it otherwise.
	return relativeTimeRe.MatchString(strings.ToLower(s))
}
