package viewport

import (
	"math"

	"github.com/tobert/tracelod/internal/model"
)

const (
	// zoomSpeed converts wheel delta units to a log scale factor.
	zoomSpeed = 0.002
	// maxZoomStep bounds a single wheel event to halving or doubling.
	maxZoomStep = 2.0
	// MinRangeMs is the narrowest range zooming in can produce (1ns).
	MinRangeMs = 1e-6
)

// WheelEvent is a mouse wheel notch over the canvas. Negative DeltaY zooms
// in, positive zooms out. OffsetX is the cursor position in pixels from
// the left edge of the canvas.
type WheelEvent struct {
	DeltaY  float64 `json:"delta_y"`
	OffsetX float64 `json:"offset_x"`
}

// PixelsPerMs returns widthPx / range width, or 0 for an empty range.
func PixelsPerMs(r model.TimeRange, widthPx int) float64 {
	w := r.Width()
	if w <= 0 {
		return 0
	}
	return float64(widthPx) / w
}

// PixelToTime maps a canvas x coordinate to a time within r.
func PixelToTime(r model.TimeRange, widthPx int, x float64) float64 {
	if widthPx <= 0 {
		return r.BeginMs
	}
	return r.BeginMs + x/float64(widthPx)*r.Width()
}

// Zoom scales r around the time under the cursor. The scale per event is
// bounded so the range never inverts, never gets narrower than MinRangeMs,
// and, when bounds is non-empty, never grows past bounds on zoom out.
func Zoom(r model.TimeRange, widthPx int, ev WheelEvent, bounds model.TimeRange) model.TimeRange {
	if widthPx <= 0 || ev.DeltaY == 0 || math.IsNaN(ev.DeltaY) {
		return r
	}
	width := math.Max(r.Width(), MinRangeMs)
	factor := math.Exp(ev.DeltaY * zoomSpeed)
	factor = math.Min(math.Max(factor, 1/maxZoomStep), maxZoomStep)

	ratio := math.Min(math.Max(ev.OffsetX/float64(widthPx), 0), 1)
	cursor := r.BeginMs + ratio*width

	newWidth := math.Max(width*factor, MinRangeMs)
	hasBounds := bounds.Width() > 0
	if hasBounds && factor > 1 && newWidth >= bounds.Width() {
		return bounds
	}

	begin := cursor - ratio*newWidth
	end := begin + newWidth
	if hasBounds && factor > 1 {
		// Slide back inside the data range rather than showing empty space.
		if begin < bounds.BeginMs {
			begin, end = bounds.BeginMs, bounds.BeginMs+newWidth
		} else if end > bounds.EndMs {
			begin, end = bounds.EndMs-newWidth, bounds.EndMs
		}
	}
	if !(end > begin) {
		end = math.Nextafter(begin, math.Inf(1))
	}
	return model.TimeRange{BeginMs: begin, EndMs: end}
}

// Pan translates orig by the horizontal drag distance converted to ms.
// Dragging right moves the view toward earlier times.
func Pan(startX, currentX float64, orig model.TimeRange, widthPx int) model.TimeRange {
	ppm := PixelsPerMs(orig, widthPx)
	if ppm == 0 {
		return orig
	}
	return orig.Shift(-(currentX - startX) / ppm)
}

// RecenterAt keeps the width of r and centers it on t.
func RecenterAt(r model.TimeRange, t float64) model.TimeRange {
	half := r.Width() / 2
	return model.TimeRange{BeginMs: t - half, EndMs: t + half}
}
