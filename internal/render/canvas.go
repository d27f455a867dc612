// Package render draws timeline frames: span tracks, metric lanes, the
// minimap and the selection overlay, onto a Canvas.
package render

// Canvas is the drawing surface. Coordinates are pixels from the top left.
type Canvas interface {
	Size() (width, height int)
	FillRect(x, y, w, h float64, fill Color, alpha float64)
	StrokeRect(x, y, w, h float64, stroke Color, lineWidth float64)
	// Text draws s with its baseline starting at (x, y).
	Text(x, y float64, s string, fill Color)
	Polyline(xs, ys []float64, stroke Color, lineWidth float64)
	// MeasureText returns the width s would take when drawn.
	MeasureText(s string) float64
}
