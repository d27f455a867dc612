package lod

import (
	"math"

	"github.com/tobert/tracelod/internal/model"
)

// ReduceSpans merges neighbouring spans of each track of lod0 whose
// combined extent stays under the merge threshold of lodID. Merged spans
// lose their scope (ScopeHash 0) and carry an alpha proportional to the
// square root of how much of their extent was actually busy.
func ReduceSpans(lod0 *model.SpanBlockLod, lodID int) *model.SpanBlockLod {
	out := &model.SpanBlockLod{LodID: lodID, Tracks: make([]model.SpanTrack, 0, len(lod0.Tracks))}
	if lodID == 0 {
		for _, tr := range lod0.Tracks {
			out.Tracks = append(out.Tracks, model.SpanTrack{Spans: append([]model.Span(nil), tr.Spans...)})
		}
		return out
	}

	threshold := MergeThresholdForLod(lodID)
	for _, tr := range lod0.Tracks {
		if len(tr.Spans) == 0 {
			out.Tracks = append(out.Tracks, model.SpanTrack{})
			continue
		}
		reduced := make([]model.Span, 0, len(tr.Spans)/2+1)
		acc := tr.Spans[0]
		busy := acc.Duration()
		for _, s := range tr.Spans[1:] {
			if s.EndMs-acc.BeginMs > threshold {
				acc.Alpha = occupancyAlpha(busy, acc.Duration())
				reduced = append(reduced, acc)
				acc = s
				busy = s.Duration()
				continue
			}
			acc.ScopeHash = 0
			acc.EndMs = s.EndMs
			busy += s.Duration()
		}
		acc.Alpha = occupancyAlpha(busy, acc.Duration())
		reduced = append(reduced, acc)
		out.Tracks = append(out.Tracks, model.SpanTrack{Spans: reduced})
	}
	return out
}

func occupancyAlpha(busy, extent float64) uint8 {
	if extent <= 0 {
		return 255
	}
	a := math.Floor(math.Sqrt(busy/extent) * 255)
	return uint8(min(max(a, 0), 255))
}

// ReduceMetric keeps the maximum value of each merge window of lodID.
// Points must be sorted by time.
func ReduceMetric(points []model.MetricPoint, lodID int) []model.MetricPoint {
	if lodID == 0 || len(points) < 2 {
		return append([]model.MetricPoint(nil), points...)
	}
	threshold := MergeThresholdForLod(lodID)
	out := make([]model.MetricPoint, 0, len(points)/2+1)
	maxValue := math.Inf(-1)
	acc := 0.0
	for i := 0; i < len(points)-1; i++ {
		p := points[i]
		maxValue = math.Max(maxValue, p.Value)
		acc += points[i+1].TimeMs - p.TimeMs
		if acc > threshold {
			out = append(out, model.MetricPoint{TimeMs: p.TimeMs, Value: maxValue})
			maxValue = math.Inf(-1)
			acc = 0
		}
	}
	last := points[len(points)-1]
	out = append(out, model.MetricPoint{TimeMs: last.TimeMs, Value: math.Max(maxValue, last.Value)})
	return out
}
