package callgraph

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/tobert/tracelod/internal/render"
)

// WriteTable prints the limit heaviest nodes (all when limit <= 0), one
// row each, with their three most expensive callers and callees.
func (g *Graph) WriteTable(w io.Writer, limit int) {
	nodes := g.SortedNodes()
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Scope", "Count", "Total", "Avg", "Median", "Min", "Max", "Callers", "Callees"})
	table.SetAutoWrapText(false)
	for _, n := range nodes {
		table.Append([]string{
			n.Name,
			humanize.Comma(int64(n.Stats.Count)),
			render.FormatDuration(n.Stats.SumMs),
			render.FormatDuration(n.Stats.AvgMs()),
			render.FormatDuration(n.Stats.MedianMs()),
			render.FormatDuration(n.Stats.MinMs),
			render.FormatDuration(n.Stats.MaxMs),
			g.topEdges(n.Callers, 3),
			g.topEdges(n.Callees, 3),
		})
	}
	table.Render()
}

// Row is the flattened form of a node for JSON consumers.
type Row struct {
	Scope    string  `json:"scope"`
	Count    int     `json:"count"`
	TotalMs  float64 `json:"total_ms"`
	AvgMs    float64 `json:"avg_ms"`
	MedianMs float64 `json:"median_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	Callers  int     `json:"callers"`
	Callees  int     `json:"callees"`
}

// Rows returns the same nodes WriteTable prints, in the same order.
func (g *Graph) Rows(limit int) []Row {
	nodes := g.SortedNodes()
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	rows := make([]Row, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, Row{
			Scope:    n.Name,
			Count:    n.Stats.Count,
			TotalMs:  n.Stats.SumMs,
			AvgMs:    n.Stats.AvgMs(),
			MedianMs: n.Stats.MedianMs(),
			MinMs:    n.Stats.MinMs,
			MaxMs:    n.Stats.MaxMs,
			Callers:  len(n.Callers),
			Callees:  len(n.Callees),
		})
	}
	return rows
}

func (g *Graph) topEdges(edges map[uint32]*Stats, n int) string {
	type kv struct {
		hash  uint32
		stats *Stats
	}
	list := make([]kv, 0, len(edges))
	for h, s := range edges {
		list = append(list, kv{h, s})
	}
	slices.SortFunc(list, func(a, b kv) int {
		if c := cmp.Compare(b.stats.SumMs, a.stats.SumMs); c != 0 {
			return c
		}
		return cmp.Compare(a.hash, b.hash)
	})
	parts := make([]string, 0, n+1)
	for i, e := range list {
		if i == n {
			parts = append(parts, fmt.Sprintf("+%d", len(list)-n))
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", g.Name(e.hash), render.FormatDuration(e.stats.SumMs)))
	}
	return strings.Join(parts, ", ")
}
