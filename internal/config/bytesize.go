package config

import (
	"encoding/json"

	"github.com/reelforge/reelforge/pkg/bytesize"
)

// ByteSize is a byte count that supports human-readable parsing.
//
// Examples:
//   - "100MB" = 100 megabytes
//   - "1.5 GB" = 1.5 gigabytes
//   - "2048" = 2048 bytes (no unit = bytes)
//
// It implements encoding.TextUnmarshaler so viper and YAML decode it
// from strings, and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// ParseByteSize parses strings like "100MB" into a ByteSize.
func ParseByteSize(s string) (ByteSize, error) {
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(size), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts both "100MB" strings and raw byte counts, the
// latter for configs written before the unit syntax existed.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return b.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalJSON emits the human form ("100MB"), matching what operators
// write in config files.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the raw count for size comparisons.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
