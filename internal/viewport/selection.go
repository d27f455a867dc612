package viewport

import (
	"math"

	"github.com/tobert/tracelod/internal/model"
)

// Selection is the click-drag-release time range tool. It is distinct
// from the view range and is used to deep link into derived views.
type Selection struct {
	anchorMs, currentMs float64
	dragging            bool
	done                *model.TimeRange
}

// Begin starts a new selection at time t, discarding the previous one.
func (s *Selection) Begin(t float64) {
	s.anchorMs, s.currentMs = t, t
	s.dragging = true
	s.done = nil
}

// Update extends the selection being dragged to time t.
func (s *Selection) Update(t float64) {
	if s.dragging {
		s.currentMs = t
	}
}

// End finishes the drag. A zero-width drag (a plain click) clears the
// selection and returns ok=false.
func (s *Selection) End() (model.TimeRange, bool) {
	if !s.dragging {
		return model.TimeRange{}, false
	}
	s.dragging = false
	if s.anchorMs == s.currentMs {
		s.done = nil
		return model.TimeRange{}, false
	}
	r := model.TimeRange{BeginMs: math.Min(s.anchorMs, s.currentMs), EndMs: math.Max(s.anchorMs, s.currentMs)}
	s.done = &r
	return r, true
}

// Set replaces the selection, e.g. from deep link parameters.
func (s *Selection) Set(r model.TimeRange) {
	s.dragging = false
	s.done = &r
}

// Clear drops any selection.
func (s *Selection) Clear() {
	s.dragging = false
	s.done = nil
}

// Dragging reports whether a selection drag is in progress.
func (s *Selection) Dragging() bool {
	return s.dragging
}

// Range returns the selection being dragged or the completed one.
func (s *Selection) Range() (model.TimeRange, bool) {
	if s.dragging {
		return model.TimeRange{BeginMs: math.Min(s.anchorMs, s.currentMs), EndMs: math.Max(s.anchorMs, s.currentMs)}, true
	}
	if s.done != nil {
		return *s.done, true
	}
	return model.TimeRange{}, false
}

// MinimapToTime converts an x coordinate on a minimap of minimapWidthPx
// covering full to a time.
func MinimapToTime(full model.TimeRange, minimapWidthPx int, x float64) float64 {
	x = math.Min(math.Max(x, 0), float64(minimapWidthPx))
	return PixelToTime(full, minimapWidthPx, x)
}

// MinimapRect returns the x offset and width, in minimap pixels, of the
// rectangle that represents view inside full.
func MinimapRect(full, view model.TimeRange, minimapWidthPx int) (x, width float64) {
	fw := full.Width()
	if fw <= 0 {
		return 0, float64(minimapWidthPx)
	}
	scale := float64(minimapWidthPx) / fw
	x = (view.BeginMs - full.BeginMs) * scale
	width = view.Width() * scale
	return x, width
}
