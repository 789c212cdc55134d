// Package timeparsing resolves the relative age expressions accepted by the
// maintenance commands (prune --older-than, flush --older-than).
//
// Parsing is layered:
//  1. Plain day count (30)
//  2. Compact duration (30d, 4w, 2m, 1y)
//  3. Natural language ("3 days ago", "last friday")
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// compactDurationRe matches compact age patterns: (\d+)([dwmy])
// Examples: 30d, 4w, 2m, 1y. Ages are always in the past, so no sign.
var compactDurationRe = regexp.MustCompile(`^(\d+)([dwmy])$`)

// ParseCompactAge parses compact age syntax and returns the instant that far
// before now.
//
// Units:
//   - d = days
//   - w = weeks
//   - m = months
//   - y = years
func ParseCompactAge(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact age: %q", s)
	}

	amount, err := strconv.Atoi(matches[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid age amount: %q", matches[1])
	}

	switch matches[2] {
	case "d":
		return now.AddDate(0, 0, -amount), nil
	case "w":
		return now.AddDate(0, 0, -amount*7), nil
	case "m":
		return now.AddDate(0, -amount, 0), nil
	case "y":
		return now.AddDate(-amount, 0, 0), nil
	}
	// Unreachable given the regex.
	return now, nil
}

// IsCompactAge reports whether the string matches compact age syntax.
func IsCompactAge(s string) bool {
	return compactDurationRe.MatchString(s)
}

// DaysOld resolves an age expression to a whole number of days before now.
// It accepts a bare day count ("30"), compact syntax ("30d", "4w"), or a
// natural-language phrase ("3 days ago", "last friday").
func DaysOld(s string, now time.Time) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty age expression")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("age cannot be negative: %d", n)
		}
		return n, nil
	}

	var at time.Time
	if IsCompactAge(s) {
		var err error
		if at, err = ParseCompactAge(s, now); err != nil {
			return 0, err
		}
	} else {
		var err error
		if at, err = ParseNatural(s, now); err != nil {
			return 0, fmt.Errorf("unrecognized age expression %q", s)
		}
	}

	if at.After(now) {
		return 0, fmt.Errorf("%q resolves to the future", s)
	}
	return int(now.Sub(at).Hours() / 24), nil
}
