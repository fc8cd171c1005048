// Package duration parses and formats durations with day and week units
// on top of Go's standard duration syntax.
//
// Accepted forms:
//   - "30d" = 30 days (24h each)
//   - "2w" = 2 weeks (7 days each)
//   - "1w2d12h" = 1 week, 2 days, 12 hours
//   - "720h", "15m", "30s" = standard Go durations, unchanged
//
// Whitespace between number and unit is tolerated: "30 d" and "30d" are
// equivalent. Unit matching is case-insensitive.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

// extendedPattern matches day and week components, including the spelled
// out variants ("2 days", "1week").
var extendedPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// Parse converts a duration string into a time.Duration. Day and week
// components are folded into hours before handing the remainder to
// time.ParseDuration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var extended time.Duration
	remaining := extendedPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := extendedPattern.FindStringSubmatch(match)
		value, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return match
		}
		unit := strings.ToLower(parts[2])
		if strings.HasPrefix(unit, "w") {
			extended += time.Duration(value) * Week
		} else {
			extended += time.Duration(value) * Day
		}
		return ""
	})

	// time.ParseDuration rejects embedded spaces.
	remaining = strings.Join(strings.Fields(remaining), "")

	var rest time.Duration
	if remaining != "" {
		var err error
		rest, err = time.ParseDuration(remaining)
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
	}

	d := extended + rest
	if negative {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics on error. Use only for constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration using week and day units where they divide
// evenly, falling back to the standard Go representation for the rest.
// Zero components are omitted: 8 days prints as "1w1d", 90 minutes as
// "1h30m".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder
	if weeks := d / Week; weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
		d -= weeks * Week
	}
	if days := d / Day; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * Day
	}
	if d > 0 {
		b.WriteString(d.String())
	}

	out := b.String()
	if out == "" {
		out = "0s"
	}
	if negative {
		return "-" + out
	}
	return out
}
