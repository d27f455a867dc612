package render

import (
	"math"

	"github.com/tobert/tracelod/internal/model"
)

// DrawMetricTrack draws points as a polyline in a lane of heightPx at y.
// The value axis spans the min/max of the points inside view; points just
// outside view are still joined so the line runs off the lane edges
// instead of stopping short. points must be sorted by time. It returns the
// number of vertices drawn.
func DrawMetricTrack(c Canvas, points []model.MetricPoint, view model.TimeRange, widthPx int, y, heightPx float64, stroke Color) int {
	if len(points) == 0 || view.Width() <= 0 || widthPx <= 0 {
		return 0
	}
	lo, hi, ok := ValueRange(points, view)
	if !ok {
		lo, hi, _ = ValueRange(points, model.TimeRange{BeginMs: math.Inf(-1), EndMs: math.Inf(1)})
	}
	span := hi - lo
	if span == 0 {
		span = 1
		lo -= 0.5
	}

	ppm := float64(widthPx) / view.Width()
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = (p.TimeMs - view.BeginMs) * ppm
		norm := (p.Value - lo) / span
		norm = math.Min(math.Max(norm, 0), 1)
		ys[i] = y + heightPx - 1 - norm*(heightPx-2)
	}
	if len(points) == 1 {
		c.FillRect(xs[0]-1, ys[0]-1, 2, 2, stroke, 1)
		return 1
	}
	c.Polyline(xs, ys, stroke, 1)
	return len(points)
}

// ValueRange returns the min and max value of the points inside view, and
// false when there are none.
func ValueRange(points []model.MetricPoint, view model.TimeRange) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range points {
		if view.Contains(p.TimeMs) {
			lo, hi = math.Min(lo, p.Value), math.Max(hi, p.Value)
		}
	}
	return lo, hi, lo <= hi
}
