package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	testCases := []struct {
		name string
		in   time.Duration
		want string
	}{
		{"negative", -time.Second, "0s"},
		{"micro", 250 * time.Microsecond, "250µs"},
		{"milli", 1500 * time.Microsecond, "1.50ms"},
		{"seconds", 2500 * time.Millisecond, "2.50s"},
		{"minutes", 125 * time.Second, "2m5s"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatDuration(tc.in))
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1.5, Seconds(1500*time.Millisecond))
	assert.Equal(t, 0.000001, Seconds(1500*time.Nanosecond))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "anything", Truncate("anything", 0))

	out := Truncate(strings.Repeat("a", 20), 5)
	assert.True(t, strings.HasPrefix(out, "aaaaa"))
	assert.Contains(t, out, "truncated")
}
