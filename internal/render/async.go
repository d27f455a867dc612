package render

import (
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/registry"
)

// AsyncLaneLabel heads the async span lane.
const AsyncLaneLabel = "async"

// drawAsyncLane draws the loaded async sections overlapping view, one row
// per track, below a label row at laneY. It returns the number of spans
// drawn.
func drawAsyncLane(spans *SpanRenderer, reg *registry.Registry, view model.TimeRange, widthPx int, laneY float64, visible func(float64) bool) int {
	drawn := 0
	for _, sec := range reg.AsyncSections() {
		if !sec.Range.Overlaps(view) {
			continue
		}
		tracks, ok := sec.Tracks()
		if !ok {
			continue
		}
		for i, t := range tracks {
			y := laneY + spans.RowHeightPx*float64(i+1)
			if !visible(y) {
				continue
			}
			drawn += spans.DrawSpanTrack(asyncAsSpans(t, uint32(i)), view, widthPx, y)
		}
	}
	return drawn
}

func asyncAsSpans(t model.AsyncSpanTrack, depth uint32) []model.Span {
	out := make([]model.Span, len(t.Spans))
	for i, s := range t.Spans {
		out[i] = model.Span{BeginMs: s.BeginMs, EndMs: s.EndMs, Depth: depth, ScopeHash: s.ScopeHash, Alpha: s.Alpha}
	}
	return out
}
