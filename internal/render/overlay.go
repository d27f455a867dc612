package render

import (
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/viewport"
)

// DrawMinimap draws the overview strip at (x, y) of widthPx x heightPx:
// one tick per block across the full data range and a rectangle marking
// the current view.
func DrawMinimap(c Canvas, full, view model.TimeRange, blocks []model.TimeRange, x, y float64, widthPx int, heightPx float64) {
	c.FillRect(x, y, float64(widthPx), heightPx, GridColor, 0.5)
	if full.Width() <= 0 {
		return
	}
	for _, b := range blocks {
		bx, bw := viewport.MinimapRect(full, b, widthPx)
		c.FillRect(x+bx, y+heightPx/2, max(bw, 1), heightPx/2, palette[0], 0.4)
	}
	vx, vw := viewport.MinimapRect(full, view, widthPx)
	vx = max(vx, 0)
	vw = min(max(vw, 2), float64(widthPx)-vx)
	c.FillRect(x+vx, y, vw, heightPx, SelectionColor, 0.15)
	c.StrokeRect(x+vx, y, vw, heightPx, SelectionColor, 1)
}

// DrawSelection shades sel over the lane area and labels its duration.
// Nothing is drawn when sel lies outside view.
func DrawSelection(c Canvas, sel, view model.TimeRange, widthPx int, y, heightPx float64) bool {
	if !sel.Overlaps(view) || view.Width() <= 0 {
		return false
	}
	ppm := float64(widthPx) / view.Width()
	x0 := max((sel.BeginMs-view.BeginMs)*ppm, 0)
	x1 := min((sel.EndMs-view.BeginMs)*ppm, float64(widthPx))
	w := max(x1-x0, 1)
	c.FillRect(x0, y, w, heightPx, SelectionColor, 0.12)
	c.StrokeRect(x0, y, w, heightPx, SelectionColor, 1)
	label := FormatDuration(sel.Width())
	if c.MeasureText(label)+2*captionPadPx <= w {
		c.Text(x0+captionPadPx, y+FontSizePx+2, label, SelectionColor)
	}
	return true
}
