package monitor

import (
	"fmt"
	"time"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym", "Xm" or "Xs"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatUptime formats the time elapsed since start, relative to now.
func FormatUptime(start, now time.Time) string {
	if start.IsZero() || now.Before(start) {
		return "-"
	}
	return FormatDuration(int64(now.Sub(start) / time.Second))
}

// FormatAverage formats total/count seconds as an average duration.
func FormatAverage(totalSeconds float64, count int) string {
	if count <= 0 {
		return "-"
	}
	return FormatDuration(int64(totalSeconds / float64(count)))
}
