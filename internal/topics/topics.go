// Package topics implements ACL pattern matching for MQTT topic names.
//
// A pattern is a slash-separated sequence of segments. "+" matches exactly one
// non-empty topic segment; "#" is legal only as the final segment and matches
// one or more remaining segments. A pattern without "#" requires equal segment
// counts. Matching is existential over a pattern list, so list order never
// affects the result, and an empty list means allow-all.
package topics

import (
	"fmt"
	"strings"
)

// Match reports whether topic matches a single well-formed ACL pattern.
// Topics with empty internal segments (e.g. "a//b") are rejected by "+" but
// still pass literal equality.
func Match(topic, pattern string) bool {
	tSegs := strings.Split(topic, "/")
	pSegs := strings.Split(pattern, "/")

	for i, p := range pSegs {
		switch p {
		case "#":
			// Must be the last pattern segment and consume at least one
			// remaining topic segment.
			return i == len(pSegs)-1 && len(tSegs) > i
		case "+":
			if i >= len(tSegs) || tSegs[i] == "" {
				return false
			}
		default:
			if i >= len(tSegs) || tSegs[i] != p {
				return false
			}
		}
	}
	return len(tSegs) == len(pSegs)
}

// Allowed reports whether topic is permitted by the pattern list. An empty
// list allows every topic.
func Allowed(topic string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Match(topic, p) {
			return true
		}
	}
	return false
}

// ValidatePattern checks that p is a well-formed ACL pattern. The admin
// surface calls this at write time; the matcher assumes well-formed input.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("topics: empty pattern")
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if s == "#" && i != len(segs)-1 {
			return fmt.Errorf("topics: %q: '#' is only legal as the final segment", p)
		}
		if s != "#" && s != "+" && strings.ContainsAny(s, "+#") {
			return fmt.Errorf("topics: %q: wildcard must occupy a whole segment", p)
		}
	}
	return nil
}

// ParseList splits a comma-separated pattern column into its canonical list
// form, trimming whitespace and dropping empty entries.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatList renders a pattern list in the canonical comma-separated storage
// form. Round-trips with ParseList for canonical input.
func FormatList(patterns []string) string {
	return strings.Join(patterns, ",")
}
