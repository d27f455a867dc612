package render

import (
	"sort"

	"github.com/tobert/tracelod/internal/model"
)

// MinSpanWidthPx is the narrowest span drawn. Narrower spans are skipped.
const MinSpanWidthPx = 0.5

// FindSpanRange returns the half open index range [first, last) of spans
// overlapping [begin, end]. spans must be sorted by BeginMs and must not
// overlap, which also makes them sorted by EndMs.
func FindSpanRange(spans []model.Span, begin, end float64) (first, last int) {
	first = sort.Search(len(spans), func(i int) bool { return spans[i].EndMs >= begin })
	last = sort.Search(len(spans), func(i int) bool { return spans[i].BeginMs > end })
	if last < first {
		last = first
	}
	return first, last
}

// ScopeNamer resolves scope hashes to display names.
type ScopeNamer interface {
	Scope(hash uint32) (model.ScopeDesc, bool)
}

// SpanRenderer draws span rows.
type SpanRenderer struct {
	Canvas      Canvas
	Scopes      ScopeNamer
	RowHeightPx float64
}

// DrawSpanTrack draws the spans of one depth row at vertical offset y.
// view must be expressed in the same clock as the spans, i.e. relative to
// the owning block's begin. It returns the number of spans drawn.
func (r *SpanRenderer) DrawSpanTrack(spans []model.Span, view model.TimeRange, widthPx int, y float64) int {
	if view.Width() <= 0 || widthPx <= 0 {
		return 0
	}
	ppm := float64(widthPx) / view.Width()
	first, last := FindSpanRange(spans, view.BeginMs, view.EndMs)
	h := r.RowHeightPx - 1
	drawn := 0
	for _, s := range spans[first:last] {
		x0 := (s.BeginMs - view.BeginMs) * ppm
		x1 := (s.EndMs - view.BeginMs) * ppm
		if x1-x0 < MinSpanWidthPx {
			continue
		}
		x0 = max(x0, 0)
		x1 = min(x1, float64(widthPx))
		w := x1 - x0

		alpha := float64(s.Alpha) / 255
		r.Canvas.FillRect(x0, y, w, h, ColorForScope(s.ScopeHash), alpha)
		drawn++

		name := ""
		if s.ScopeHash != 0 && r.Scopes != nil {
			if desc, ok := r.Scopes.Scope(s.ScopeHash); ok {
				name = desc.Name
			}
		}
		caption := FitCaption(name, FormatDuration(s.Duration()), w, r.Canvas.MeasureText)
		if caption != "" {
			r.Canvas.Text(x0+captionPadPx, y+h-3, caption, TextColor)
		}
	}
	return drawn
}
