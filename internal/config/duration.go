package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/pkg/duration"
)

// Duration is a config-facing wrapper over time.Duration that accepts day
// and week units on top of the standard Go syntax: "7d", "2w", "1w12h".
// Retention horizons are the main consumer; nobody writes "168h" for a
// week. Implements encoding.TextUnmarshaler so the config loader's decode
// hook picks it up from YAML and environment values, plus the JSON
// interfaces for API payloads that carry config snapshots.
type Duration time.Duration

// ParseDuration parses a duration string with extended day/week units.
func ParseDuration(s string) (Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// Duration returns the plain time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts either a duration string or a raw nanosecond
// count, matching what json.Marshal of a bare time.Duration produces.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String renders the duration with the largest whole units first, pulling
// out weeks and days before falling back to Go's own formatting for the
// remainder. Sub-day durations come out identical to time.Duration.String.
func (d Duration) String() string {
	rem := time.Duration(d)
	if rem == 0 {
		return "0s"
	}

	sign := ""
	if rem < 0 {
		sign = "-"
		rem = -rem
	}

	const (
		day  = 24 * time.Hour
		week = 7 * day
	)
	weeks := rem / week
	rem -= weeks * week
	days := rem / day
	rem -= days * day

	if weeks == 0 && days == 0 {
		return time.Duration(d).String()
	}

	out := sign
	if weeks > 0 {
		out += fmt.Sprintf("%dw", weeks)
	}
	if days > 0 {
		out += fmt.Sprintf("%dd", days)
	}
	if rem > 0 {
		out += rem.String()
	}
	return out
}
