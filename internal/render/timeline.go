package render

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/tobert/tracelod/internal/lod"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/registry"
)

// Layout is the geometry of a timeline frame.
type Layout struct {
	WidthPx            int
	HeightPx           int
	RowHeightPx        float64
	MinimapHeightPx    float64
	MetricLaneHeightPx float64
}

// DefaultLayout returns the standard geometry for a canvas of the given size.
func DefaultLayout(widthPx, heightPx int) Layout {
	return Layout{
		WidthPx:            max(widthPx, 1),
		HeightPx:           max(heightPx, 1),
		RowHeightPx:        16,
		MinimapHeightPx:    24,
		MetricLaneHeightPx: 48,
	}
}

func (l Layout) headerHeight() float64 {
	return l.MinimapHeightPx + l.RowHeightPx + 4
}

// Progress is the fetch progress shown in the status line.
type Progress struct {
	Requested int64
	Completed int64
	Failed    int64
}

// Frame is everything a frame is drawn from.
type Frame struct {
	Registry  *registry.Registry
	View      model.TimeRange
	Selection *model.TimeRange
	YOffset   float64
	Progress  Progress
}

// FrameStats counts what a frame drew.
type FrameStats struct {
	Lanes           int `json:"lanes"`
	SpansDrawn      int `json:"spans_drawn"`
	AsyncSpansDrawn int `json:"async_spans_drawn"`
	PointsDrawn     int `json:"points_drawn"`
}

// RenderFrame draws the minimap, status line, one lane per cpu stream
// (one row per depth), the async span lane once any async span is loaded,
// one lane per enabled metric, and the selection.
func RenderFrame(c Canvas, l Layout, f Frame) FrameStats {
	var st FrameStats
	reg := f.Registry
	if reg == nil || f.View.Width() <= 0 {
		return st
	}

	full, hasData := reg.DataBounds()
	if hasData {
		blocks := reg.SpanBlocks()
		ranges := make([]model.TimeRange, len(blocks))
		for i, b := range blocks {
			ranges[i] = b.Meta.Range()
		}
		DrawMinimap(c, full, f.View, ranges, 0, 0, l.WidthPx, l.MinimapHeightPx)
	}
	c.Text(4, l.MinimapHeightPx+l.RowHeightPx-3, statusLine(reg, f), TextColor)

	top := l.headerHeight()
	laneY := top - f.YOffset
	visible := func(y float64) bool { return y >= top && y < float64(l.HeightPx) }

	spans := &SpanRenderer{Canvas: c, Scopes: reg, RowHeightPx: l.RowHeightPx}
	for _, s := range reg.Streams() {
		if !s.HasTag(model.TagCPU) {
			continue
		}
		st.Lanes++
		if visible(laneY) {
			c.FillRect(0, laneY, float64(l.WidthPx), l.RowHeightPx, GridColor, 0.6)
			c.Text(4, laneY+l.RowHeightPx-4, streamLabel(s), TextColor)
		}
		for _, b := range reg.StreamBlocks(s.ID) {
			want, ok := lod.ComputePreferredLod(l.WidthPx, f.View, b.Meta.Range())
			if !ok {
				continue
			}
			data, ok := b.Best(want)
			if !ok {
				continue
			}
			local := f.View.Shift(-b.Meta.BeginMs)
			for depth, tr := range data.Tracks {
				y := laneY + l.RowHeightPx*float64(depth+1)
				if !visible(y) {
					continue
				}
				st.SpansDrawn += spans.DrawSpanTrack(tr.Spans, local, l.WidthPx, y)
			}
		}
		laneY += l.RowHeightPx * float64(reg.StreamDepth(s.ID)+1)
	}

	if depth := reg.AsyncDepth(); depth > 0 {
		st.Lanes++
		if visible(laneY) {
			c.FillRect(0, laneY, float64(l.WidthPx), l.RowHeightPx, GridColor, 0.6)
			c.Text(4, laneY+l.RowHeightPx-4, AsyncLaneLabel, TextColor)
		}
		st.AsyncSpansDrawn = drawAsyncLane(spans, reg, f.View, l.WidthPx, laneY, visible)
		laneY += l.RowHeightPx * float64(depth+1)
	}

	for _, m := range reg.Metrics() {
		if !m.Enabled() {
			continue
		}
		st.Lanes++
		color := ColorForName(m.Desc.Name)
		points := MetricPoints(m, f.View, l.WidthPx)
		if visible(laneY) {
			c.Text(4, laneY+l.RowHeightPx-4, metricLabel(m.Desc, points, f.View), color)
		}
		y := laneY + l.RowHeightPx
		if visible(y) {
			c.StrokeRect(0, y, float64(l.WidthPx), l.MetricLaneHeightPx, GridColor, 1)
			st.PointsDrawn += DrawMetricTrack(c, points, f.View, l.WidthPx, y, l.MetricLaneHeightPx, color)
		}
		laneY = y + l.MetricLaneHeightPx + 4
	}

	if f.Selection != nil {
		DrawSelection(c, *f.Selection, f.View, l.WidthPx, top, float64(l.HeightPx)-top)
	}
	return st
}

// MetricPoints gathers the points of every block of m overlapping view at
// the LOD the view calls for, including one point past each edge, sorted
// by time.
func MetricPoints(m *registry.MetricSeries, view model.TimeRange, widthPx int) []model.MetricPoint {
	var out []model.MetricPoint
	for _, b := range m.Blocks() {
		want, ok := lod.ComputePreferredLod(widthPx, view, b.Meta.Range())
		if !ok {
			continue
		}
		for p := range b.GetPoints(view.BeginMs, view.EndMs, want, true) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.MetricPoint) int { return cmp.Compare(a.TimeMs, b.TimeMs) })
	return slices.CompactFunc(out, func(a, b model.MetricPoint) bool { return a.TimeMs == b.TimeMs })
}

func streamLabel(s model.Stream) string {
	if name := s.Properties["thread.name"]; name != "" {
		return name
	}
	return s.ID
}

func metricLabel(d model.MetricDesc, points []model.MetricPoint, view model.TimeRange) string {
	label := d.Name
	if d.Unit != "" {
		label += " (" + d.Unit + ")"
	}
	if lo, hi, ok := ValueRange(points, view); ok {
		label += fmt.Sprintf("  %s..%s", humanize.FtoaWithDigits(lo, 3), humanize.FtoaWithDigits(hi, 3))
	}
	return label
}

func statusLine(reg *registry.Registry, f Frame) string {
	counters := reg.Counters()
	line := fmt.Sprintf("%s .. %s (%s)  spans %s  points %s",
		FormatTimestamp(f.View.BeginMs, f.View.Width()),
		FormatTimestamp(f.View.EndMs, f.View.Width()),
		FormatDuration(f.View.Width()),
		humanize.Comma(counters.SpansLoaded),
		humanize.Comma(counters.PointsLoaded))
	if counters.AsyncSpansLoaded > 0 {
		line += "  async " + humanize.Comma(counters.AsyncSpansLoaded)
	}
	if f.Progress.Requested > 0 {
		line += fmt.Sprintf("  fetched %d/%d", f.Progress.Completed, f.Progress.Requested)
		if f.Progress.Failed > 0 {
			line += fmt.Sprintf(" (%d failed)", f.Progress.Failed)
		}
	}
	return line
}
