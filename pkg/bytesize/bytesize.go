// Package bytesize parses and formats human-readable byte sizes using
// binary (1024) multipliers. "100MB", "1.5 GiB" and "2048" (plain bytes)
// are all accepted; unit matching is case-insensitive.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary multipliers.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
	PB Size = 1024 * TB
)

// canonical reduces a lowercased unit suffix to its multiplier.
// Both short ("m", "mb") and explicit binary ("mib") spellings map to
// the same 1024-based value.
func canonical(unit string) (Size, bool) {
	switch unit {
	case "", "b", "byte", "bytes":
		return B, true
	case "k", "kb", "kib":
		return KB, true
	case "m", "mb", "mib":
		return MB, true
	case "g", "gb", "gib":
		return GB, true
	case "t", "tb", "tib":
		return TB, true
	case "p", "pb", "pib":
		return PB, true
	}
	return 0, false
}

// Parse converts a string such as "100MB", "1.5 GiB" or "2048" into a Size.
// A missing unit means bytes.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	// Split the numeric prefix from the unit suffix.
	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numStr := trimmed[:split]
	unitStr := strings.ToLower(strings.TrimSpace(trimmed[split:]))

	if numStr == "" {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}
	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", numStr, err)
	}

	mult, ok := canonical(unitStr)
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitStr)
	}

	return Size(value * float64(mult)), nil
}

// MustParse is like Parse but panics on error. Use only for constants.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format renders a Size using the largest unit that keeps the value >= 1.
// Whole values print without decimals; fractional values use up to two.
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}

	negative := s < 0
	if negative {
		s = -s
	}

	unit := "B"
	div := B
	switch {
	case s >= PB:
		unit, div = "PB", PB
	case s >= TB:
		unit, div = "TB", TB
	case s >= GB:
		unit, div = "GB", GB
	case s >= MB:
		unit, div = "MB", MB
	case s >= KB:
		unit, div = "KB", KB
	}

	var out string
	if div == B {
		out = fmt.Sprintf("%d%s", s, unit)
	} else {
		value := float64(s) / float64(div)
		if value == float64(int64(value)) {
			out = fmt.Sprintf("%d%s", int64(value), unit)
		} else {
			trimmedValue := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", value), "0"), ".")
			out = trimmedValue + unit
		}
	}

	if negative {
		return "-" + out
	}
	return out
}

// Bytes returns the size in bytes as int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns the human-readable representation.
func (s Size) String() string {
	return Format(s)
}
