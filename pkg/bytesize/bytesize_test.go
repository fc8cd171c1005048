package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		{"plain bytes", "2048", 2048, false},
		{"bytes with B", "2048B", 2048, false},
		{"bytes spelled out", "100 bytes", 100, false},

		{"kilobytes short", "5K", 5 * KB, false},
		{"kilobytes KB", "5KB", 5 * KB, false},
		{"kilobytes KiB", "5KiB", 5 * KB, false},

		{"megabytes MB", "100MB", 100 * MB, false},
		{"megabytes lowercase", "100mb", 100 * MB, false},
		{"megabytes with space", "100 MB", 100 * MB, false},

		{"gigabytes", "2GB", 2 * GB, false},
		{"terabytes", "1TB", 1 * TB, false},
		{"petabytes", "1PiB", 1 * PB, false},

		{"fractional megabytes", "1.5MB", Size(1.5 * float64(MB)), false},
		{"fractional gigabytes", "2.5 GB", Size(2.5 * float64(GB)), false},

		{"leading whitespace", "  5MB", 5 * MB, false},
		{"trailing whitespace", "5MB  ", 5 * MB, false},

		{"zero", "0", 0, false},
		{"zero with unit", "0MB", 0, false},

		{"empty", "", 0, true},
		{"no number", "MB", 0, true},
		{"unknown unit", "5XB", 0, true},
		{"negative", "-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size, "Parse(%q)", tt.input)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.NotPanics(t, func() {
		size := MustParse("100MB")
		assert.Equal(t, 100*MB, size)
	})

	assert.Panics(t, func() {
		MustParse("not-a-size")
	})
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		size     Size
		expected string
	}{
		{"zero", 0, "0B"},
		{"bytes", 500, "500B"},
		{"one kilobyte", KB, "1KB"},
		{"megabytes", 100 * MB, "100MB"},
		{"gigabytes", 2 * GB, "2GB"},
		{"fractional MB", Size(1.5 * float64(MB)), "1.5MB"},
		{"fractional GB", Size(2.25 * float64(GB)), "2.25GB"},
		{"just under a KB", 1023, "1023B"},
		{"negative", -5 * MB, "-5MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.size))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []Size{0, B, KB, MB, GB, TB, 100 * MB, 10 * GB}

	for _, s := range sizes {
		formatted := Format(s)
		parsed, err := Parse(formatted)
		require.NoError(t, err, "Parse(Format(%v))", s)
		assert.Equal(t, s, parsed, "round trip for %v via %q", s, formatted)
	}
}

func TestSizeMethods(t *testing.T) {
	size := 100 * MB
	assert.Equal(t, int64(104857600), size.Bytes())
	assert.Equal(t, "100MB", size.String())
}
