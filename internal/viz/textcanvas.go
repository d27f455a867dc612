package viz

import (
	"math"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/tobert/tracelod/internal/render"
)

// CellHeightPx is how many layout pixels one text row stands for. One
// column is one pixel.
const CellHeightPx = 16

// TextLayout is a frame geometry that puts every lane on whole text rows.
func TextLayout(cols, rows int) render.Layout {
	return render.Layout{
		WidthPx:            max(cols, 1),
		HeightPx:           max(rows, 1) * CellHeightPx,
		RowHeightPx:        CellHeightPx,
		MinimapHeightPx:    CellHeightPx - 4,
		MetricLaneHeightPx: 3*CellHeightPx - 4,
	}
}

// TextCanvas is a render.Canvas on a grid of characters, for terminals
// and agents that cannot look at an SVG.
//
// Spans are '#' (or '+' when mostly idle), merged spans '=', minimap
// blocks '-', metric lines '*' and selection edges '|'. Grid fills only
// show as '.' where nothing else was drawn.
type TextCanvas struct {
	cols, rows int
	cells      [][]rune
}

// NewTextCanvas returns a blank canvas of cols x rows characters.
func NewTextCanvas(cols, rows int) *TextCanvas {
	cols, rows = max(cols, 1), max(rows, 1)
	cells := make([][]rune, rows)
	for i := range cells {
		cells[i] = []rune(strings.Repeat(" ", cols))
	}
	return &TextCanvas{cols: cols, rows: rows, cells: cells}
}

func (c *TextCanvas) Size() (int, int) {
	return c.cols, c.rows * CellHeightPx
}

func (c *TextCanvas) FillRect(x, y, w, h float64, fill render.Color, alpha float64) {
	ch := fillRune(fill, alpha)
	if ch == 0 {
		return
	}
	r0, r1 := c.rowSpan(y, h)
	c0, c1 := c.colSpan(x, w)
	for r := r0; r < r1; r++ {
		for col := c0; col < c1; col++ {
			if ch == '.' && c.cells[r][col] != ' ' {
				continue
			}
			c.cells[r][col] = ch
		}
	}
}

func fillRune(fill render.Color, alpha float64) rune {
	switch fill {
	case render.SelectionColor, render.BackgroundColor:
		return 0
	case render.GridColor:
		return '.'
	case render.MergedSpanColor:
		return '='
	}
	switch {
	case alpha >= 0.5:
		return '#'
	case alpha > 0.3:
		return '-'
	default:
		return '+'
	}
}

// StrokeRect only draws selection edges; every other outline would bury
// the lanes it frames.
func (c *TextCanvas) StrokeRect(x, y, w, h float64, stroke render.Color, lineWidth float64) {
	if stroke != render.SelectionColor {
		return
	}
	r0, r1 := c.rowSpan(y, h)
	for _, col := range []int{c.col(x), c.col(x+w) - 1} {
		if col < 0 || col >= c.cols {
			continue
		}
		for r := r0; r < r1; r++ {
			c.cells[r][col] = '|'
		}
	}
}

// Text writes s on the row holding baseline y, clipped at the right edge.
func (c *TextCanvas) Text(x, y float64, s string, fill render.Color) {
	r := int(math.Floor((y - 1) / CellHeightPx))
	if r < 0 || r >= c.rows {
		return
	}
	col := c.col(x)
	for _, ch := range s {
		if col >= c.cols {
			break
		}
		w := runewidth.RuneWidth(ch)
		if w != 1 {
			ch = '?'
		}
		if col >= 0 {
			c.cells[r][col] = ch
		}
		col++
	}
}

// Polyline plots one '*' per column between consecutive vertices.
func (c *TextCanvas) Polyline(xs, ys []float64, stroke render.Color, lineWidth float64) {
	for i := 0; i+1 < len(xs) && i+1 < len(ys); i++ {
		x0, x1 := xs[i], xs[i+1]
		if x1 < x0 {
			continue
		}
		for col := max(c.col(x0), 0); col <= min(c.col(x1), c.cols-1); col++ {
			t := 0.0
			if x1 > x0 {
				t = (float64(col) + 0.5 - x0) / (x1 - x0)
				t = math.Min(math.Max(t, 0), 1)
			}
			y := ys[i] + t*(ys[i+1]-ys[i])
			if r := int(math.Floor(y / CellHeightPx)); r >= 0 && r < c.rows {
				c.cells[r][col] = '*'
			}
		}
	}
}

func (c *TextCanvas) MeasureText(s string) float64 {
	return float64(runewidth.StringWidth(s))
}

// String returns the canvas with trailing blanks trimmed from each row.
func (c *TextCanvas) String() string {
	var b strings.Builder
	for _, row := range c.cells {
		b.WriteString(strings.TrimRight(string(row), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func (c *TextCanvas) col(x float64) int {
	return int(math.Floor(x))
}

func (c *TextCanvas) colSpan(x, w float64) (int, int) {
	c0 := max(int(math.Floor(x)), 0)
	c1 := min(int(math.Ceil(x+w)), c.cols)
	return c0, c1
}

func (c *TextCanvas) rowSpan(y, h float64) (int, int) {
	r0 := max(int(math.Floor(y/CellHeightPx)), 0)
	r1 := min(int(math.Ceil((y+h)/CellHeightPx)), c.rows)
	return r0, r1
}
