package render

import (
	"fmt"
	"io"
	"math"

	svg "github.com/ajstarks/svgo"
	"github.com/mattn/go-runewidth"
)

const (
	// FontSizePx is the caption font size of SVG frames.
	FontSizePx = 11
	// monospace advance relative to the font size
	charAdvance = 0.6
)

// SVGCanvas draws onto an SVG document. Coordinates are rounded to whole
// pixels.
type SVGCanvas struct {
	s      *svg.SVG
	width  int
	height int
}

// NewSVGCanvas starts a document of width x height on w. Call End to
// close it.
func NewSVGCanvas(w io.Writer, width, height int) *SVGCanvas {
	c := &SVGCanvas{s: svg.New(w), width: max(width, 1), height: max(height, 1)}
	c.s.Start(c.width, c.height)
	c.s.Rect(0, 0, c.width, c.height, "fill:"+BackgroundColor.Hex())
	return c
}

// End closes the document.
func (c *SVGCanvas) End() {
	c.s.End()
}

// Title adds an accessible title element.
func (c *SVGCanvas) Title(t string) {
	c.s.Title(t)
}

func (c *SVGCanvas) Size() (int, int) {
	return c.width, c.height
}

func (c *SVGCanvas) FillRect(x, y, w, h float64, fill Color, alpha float64) {
	style := "fill:" + fill.Hex()
	if alpha < 1 {
		style += fmt.Sprintf(";fill-opacity:%.3f", math.Max(alpha, 0))
	}
	c.s.Rect(px(x), px(y), max(px(w), 1), max(px(h), 1), style)
}

func (c *SVGCanvas) StrokeRect(x, y, w, h float64, stroke Color, lineWidth float64) {
	c.s.Rect(px(x), px(y), max(px(w), 1), max(px(h), 1),
		fmt.Sprintf("fill:none;stroke:%s;stroke-width:%g", stroke.Hex(), lineWidth))
}

func (c *SVGCanvas) Text(x, y float64, s string, fill Color) {
	c.s.Text(px(x), px(y), s,
		fmt.Sprintf("font-family:monospace;font-size:%dpx;fill:%s", FontSizePx, fill.Hex()))
}

func (c *SVGCanvas) Polyline(xs, ys []float64, stroke Color, lineWidth float64) {
	n := min(len(xs), len(ys))
	if n < 2 {
		return
	}
	ix := make([]int, n)
	iy := make([]int, n)
	for i := range n {
		ix[i], iy[i] = px(xs[i]), px(ys[i])
	}
	c.s.Polyline(ix, iy, fmt.Sprintf("fill:none;stroke:%s;stroke-width:%g", stroke.Hex(), lineWidth))
}

func (c *SVGCanvas) MeasureText(s string) float64 {
	return MonospaceWidth(s)
}

// MonospaceWidth is the width of s in the SVG caption font, counting
// East Asian wide runes as two cells.
func MonospaceWidth(s string) float64 {
	return float64(runewidth.StringWidth(s)) * FontSizePx * charAdvance
}

func px(v float64) int {
	return int(math.Round(v))
}
