// Package viewport holds the visible time window of a timeline view and the
// pure transforms (zoom, pan, minimap recentering, selection) applied to it.
//
// A Viewport belongs to a single view session and is not safe for
// concurrent use; the session serializes access.
package viewport

import (
	"github.com/tobert/tracelod/internal/model"
)

// Viewport tracks the explicit user range (if any), the data bounds used
// when no explicit range is set, and the canvas geometry.
type Viewport struct {
	explicit *model.TimeRange

	dataMin, dataMax float64
	hasData          bool

	// Optional start/end from the deep link query string.
	queryBegin, queryEnd *float64

	widthPx int
	yOffset float64

	pan *panState
}

type panState struct {
	startX, startY float64
	origRange      model.TimeRange
	origYOffset    float64
}

// New creates a viewport drawn on widthPx pixels.
func New(widthPx int) *Viewport {
	return &Viewport{widthPx: max(widthPx, 1)}
}

// SetDataBounds records the full extent of the loaded data.
func (v *Viewport) SetDataBounds(minMs, maxMs float64) {
	if minMs > maxMs {
		minMs, maxMs = maxMs, minMs
	}
	v.dataMin, v.dataMax, v.hasData = minMs, maxMs, true
}

// DataRange returns the full data extent.
func (v *Viewport) DataRange() model.TimeRange {
	return model.TimeRange{BeginMs: v.dataMin, EndMs: v.dataMax}
}

// SetQueryBounds clips the derived range with externally supplied
// begin/end parameters. Either may be nil.
func (v *Viewport) SetQueryBounds(begin, end *float64) {
	v.queryBegin, v.queryEnd = begin, end
}

// GetViewRange returns the explicit range when set, else the data bounds
// clipped by the query parameters.
func (v *Viewport) GetViewRange() model.TimeRange {
	if v.explicit != nil {
		return *v.explicit
	}
	r := model.TimeRange{BeginMs: v.dataMin, EndMs: v.dataMax}
	if v.queryBegin != nil && *v.queryBegin > r.BeginMs && *v.queryBegin < r.EndMs {
		r.BeginMs = *v.queryBegin
	}
	if v.queryEnd != nil && *v.queryEnd < r.EndMs && *v.queryEnd > r.BeginMs {
		r.EndMs = *v.queryEnd
	}
	return r
}

// SetViewRange replaces the explicit range.
func (v *Viewport) SetViewRange(r model.TimeRange) {
	v.explicit = &r
}

// ResetViewRange drops the explicit range so the data bounds apply again.
func (v *Viewport) ResetViewRange() {
	v.explicit = nil
}

// HasExplicitRange reports whether the user has zoomed or panned.
func (v *Viewport) HasExplicitRange() bool {
	return v.explicit != nil
}

// PixelWidth returns the canvas width in pixels.
func (v *Viewport) PixelWidth() int {
	return v.widthPx
}

// SetPixelWidth changes the canvas width. Widths below one pixel are clamped.
func (v *Viewport) SetPixelWidth(widthPx int) {
	v.widthPx = max(widthPx, 1)
}

// PixelsPerMs returns the horizontal scale of the current view range.
func (v *Viewport) PixelsPerMs() float64 {
	return PixelsPerMs(v.GetViewRange(), v.widthPx)
}

// YOffset returns the vertical scroll offset in pixels.
func (v *Viewport) YOffset() float64 {
	return v.yOffset
}

// SetYOffset sets the vertical scroll offset; negative values clamp to 0.
func (v *Viewport) SetYOffset(y float64) {
	v.yOffset = max(y, 0)
}

// Bounds returns the range zooming out is limited to, and whether any
// data has been seen yet.
func (v *Viewport) Bounds() (model.TimeRange, bool) {
	return model.TimeRange{BeginMs: v.dataMin, EndMs: v.dataMax}, v.hasData && v.dataMax > v.dataMin
}

// Zoom applies a wheel event to the current range and stores the result.
func (v *Viewport) Zoom(ev WheelEvent) model.TimeRange {
	bounds, ok := v.Bounds()
	if !ok {
		bounds = model.TimeRange{}
	}
	r := Zoom(v.GetViewRange(), v.widthPx, ev, bounds)
	v.SetViewRange(r)
	return r
}

// BeginPan remembers the drag origin.
func (v *Viewport) BeginPan(x, y float64) {
	v.pan = &panState{startX: x, startY: y, origRange: v.GetViewRange(), origYOffset: v.yOffset}
}

// PanTo moves the range so the time under the drag origin follows the
// pointer. The vertical component scrolls the track area. Returns false
// when no drag is in progress.
func (v *Viewport) PanTo(x, y float64) (model.TimeRange, bool) {
	if v.pan == nil {
		return v.GetViewRange(), false
	}
	r := Pan(v.pan.startX, x, v.pan.origRange, v.widthPx)
	v.SetViewRange(r)
	v.SetYOffset(v.pan.origYOffset - (y - v.pan.startY))
	return r, true
}

// EndPan finishes the drag.
func (v *Viewport) EndPan() {
	v.pan = nil
}

// Panning reports whether a drag is in progress.
func (v *Viewport) Panning() bool {
	return v.pan != nil
}

// PixelToTime converts a canvas x coordinate to a time in the view range.
func (v *Viewport) PixelToTime(x float64) float64 {
	return PixelToTime(v.GetViewRange(), v.widthPx, x)
}

// TimeToPixel converts a time to a canvas x coordinate.
func (v *Viewport) TimeToPixel(t float64) float64 {
	r := v.GetViewRange()
	return (t - r.BeginMs) * PixelsPerMs(r, v.widthPx)
}
