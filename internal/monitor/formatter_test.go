package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		expected string
	}{
		{"zero", 0, "0.0%"},
		{"two_thirds", 2.0 / 3.0, "66.7%"},
		{"full", 1, "100.0%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPercentage(tt.ratio))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int64
		expected string
	}{
		{"seconds", 42, "42s"},
		{"zero", 0, "0s"},
		{"minutes", 125, "2m"},
		{"hours", 8100, "2h 15m"},
		{"exact_hour", 3600, "1h 0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatUptime(t *testing.T) {
	start := time.Date(2026, 2, 8, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "5m", FormatUptime(start, start.Add(5*time.Minute+10*time.Second)))
	assert.Equal(t, "-", FormatUptime(time.Time{}, start))
	assert.Equal(t, "-", FormatUptime(start, start.Add(-time.Second)))
}

func TestFormatAverage(t *testing.T) {
	assert.Equal(t, "-", FormatAverage(100, 0))
	assert.Equal(t, "10m", FormatAverage(1800, 3))
	assert.Equal(t, "30s", FormatAverage(90, 3))
}
