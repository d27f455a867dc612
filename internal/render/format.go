package render

import (
	"fmt"
	"math"
)

// FormatDuration renders a duration in milliseconds with a unit suited to
// its magnitude: "850ns", "12µs", "3.4ms", "250ms", "1.5s", "2m05s".
func FormatDuration(ms float64) string {
	if ms <= 0 || math.IsNaN(ms) {
		return "0ns"
	}
	us := ms * 1000
	switch {
	case us < 1:
		return fmt.Sprintf("%.0fns", us*1000)
	case us < 1000:
		return fmt.Sprintf("%.0fµs", us)
	case ms < 10:
		return fmt.Sprintf("%.1fms", ms)
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	}
	s := ms / 1000
	if s < 60 {
		return fmt.Sprintf("%.1fs", s)
	}
	m := math.Floor(s / 60)
	return fmt.Sprintf("%.0fm%02.0fs", m, math.Floor(s-m*60))
}

// FormatTimestamp renders an offset from the process start for axis
// labels, with more decimals as the visible range shrinks.
func FormatTimestamp(ms, visibleWidthMs float64) string {
	switch {
	case visibleWidthMs < 1:
		return fmt.Sprintf("%.4fms", ms)
	case visibleWidthMs < 100:
		return fmt.Sprintf("%.2fms", ms)
	case visibleWidthMs < 10_000:
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}
