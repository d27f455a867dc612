// Package callgraph aggregates the raw spans of a time range into a
// cumulative call graph: per scope duration statistics plus the callers
// and callees each scope was seen with.
package callgraph

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/registry"
)

// DefaultConcurrency bounds simultaneous block fetches while building.
const DefaultConcurrency = 8

// Stats summarizes a set of durations in milliseconds.
type Stats struct {
	Count int     `json:"count"`
	SumMs float64 `json:"sum_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`

	durations []float64
}

func (s *Stats) add(d float64) {
	if s.Count == 0 || d < s.MinMs {
		s.MinMs = d
	}
	if s.Count == 0 || d > s.MaxMs {
		s.MaxMs = d
	}
	s.Count++
	s.SumMs += d
	s.durations = append(s.durations, d)
}

// AvgMs returns the mean duration.
func (s *Stats) AvgMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumMs / float64(s.Count)
}

// MedianMs returns the median duration.
func (s *Stats) MedianMs() float64 {
	if len(s.durations) == 0 {
		return 0
	}
	d := slices.Sorted(slices.Values(s.durations))
	mid := len(d) / 2
	if len(d)%2 == 0 {
		return (d[mid-1] + d[mid]) / 2
	}
	return d[mid]
}

// Node is one scope of the graph.
type Node struct {
	Hash  uint32 `json:"hash"`
	Name  string `json:"name"`
	Stats Stats  `json:"stats"`
	// Callers and Callees are keyed by scope hash. The stats of an edge are
	// those of the callee's calls made from the caller.
	Callers map[uint32]*Stats `json:"callers,omitempty"`
	Callees map[uint32]*Stats `json:"callees,omitempty"`
}

// Graph is the cumulative call graph of a time range.
type Graph struct {
	Range model.TimeRange   `json:"range"`
	Nodes map[uint32]*Node  `json:"nodes"`
	Roots map[uint32]*Stats `json:"roots"`

	names map[uint32]string
}

func newGraph(r model.TimeRange) *Graph {
	return &Graph{
		Range: r,
		Nodes: make(map[uint32]*Node),
		Roots: make(map[uint32]*Stats),
		names: make(map[uint32]string),
	}
}

func (g *Graph) node(hash uint32) *Node {
	n, ok := g.Nodes[hash]
	if !ok {
		n = &Node{Hash: hash, Name: g.Name(hash), Callers: make(map[uint32]*Stats), Callees: make(map[uint32]*Stats)}
		g.Nodes[hash] = n
	}
	return n
}

func (g *Graph) setName(hash uint32, name string) {
	g.names[hash] = name
	if n, ok := g.Nodes[hash]; ok {
		n.Name = name
	}
}

func edge(m map[uint32]*Stats, hash uint32) *Stats {
	s, ok := m[hash]
	if !ok {
		s = &Stats{}
		m[hash] = s
	}
	return s
}

// AddCall records one call of scope lasting durMs, made from parent, or
// from no one when hasParent is false.
func (g *Graph) AddCall(scope uint32, durMs float64, parent uint32, hasParent bool) {
	g.node(scope).Stats.add(durMs)
	if !hasParent {
		edge(g.Roots, scope).add(durMs)
		return
	}
	edge(g.node(scope).Callers, parent).add(durMs)
	edge(g.node(parent).Callees, scope).add(durMs)
}

// Name returns the display name of hash.
func (g *Graph) Name(hash uint32) string {
	if name, ok := g.names[hash]; ok {
		return name
	}
	return fmt.Sprintf("%08x", hash)
}

// SortedNodes returns the nodes by decreasing total time, ties broken by
// name.
func (g *Graph) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *Node) int {
		if c := cmp.Compare(b.Stats.SumMs, a.Stats.SumMs); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return nodes
}

// AddBlock adds every span of a raw block overlapping the graph range. The
// caller of a span is the span one row up that encloses its start.
func (g *Graph) AddBlock(block model.BlockMetadata, data *model.SpanBlockLod, scopes []model.ScopeDesc) {
	for _, sc := range scopes {
		g.setName(sc.Hash, sc.Name)
	}
	local := g.Range.Shift(-block.BeginMs)
	for depth, tr := range data.Tracks {
		for _, s := range tr.Spans {
			if s.BeginMs > local.EndMs || s.EndMs < local.BeginMs {
				continue
			}
			var parent model.Span
			hasParent := false
			if depth > 0 {
				parent, hasParent = enclosing(data.Tracks[depth-1].Spans, s.BeginMs)
			}
			g.AddCall(s.ScopeHash, s.Duration(), parent.ScopeHash, hasParent)
		}
	}
}

// enclosing finds the span of a sorted, non-overlapping row covering t.
func enclosing(row []model.Span, t float64) (model.Span, bool) {
	i := sort.Search(len(row), func(i int) bool { return row[i].BeginMs > t }) - 1
	if i >= 0 && row[i].EndMs >= t {
		return row[i], true
	}
	return model.Span{}, false
}

// Build fetches the raw spans of every cpu block of reg overlapping r and
// aggregates them. Blocks whose raw level is already loaded are not
// fetched again.
func Build(ctx context.Context, client dataservice.Client, reg *registry.Registry, r model.TimeRange, concurrency int) (*Graph, error) {
	proc, ok := reg.Process()
	if !ok {
		return nil, fmt.Errorf("call graph: no process loaded")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	g := newGraph(r)
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for _, b := range reg.SpanBlocks() {
		if !registry.IsInViewport(b.Meta, r.BeginMs, r.EndMs) {
			continue
		}
		stream, ok := reg.Stream(b.Meta.StreamID)
		if !ok || !stream.HasTag(model.TagCPU) {
			continue
		}
		eg.Go(func() error {
			if b.State(0) == registry.Loaded {
				if data, ok := b.Best(0); ok && data.LodID == 0 {
					mu.Lock()
					defer mu.Unlock()
					g.AddBlock(b.Meta, data, nil)
					return nil
				}
			}
			req := dataservice.SpansRequest{Process: proc, Stream: stream, BlockID: b.Meta.BlockID, Lod: 0}
			reply, err := client.FetchBlockSpans(ctx, req)
			if err == nil {
				err = reply.Validate(req)
			}
			if err != nil {
				return fmt.Errorf("call graph: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			g.AddBlock(b.Meta, reply.Lod, reply.Scopes)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for hash := range g.Nodes {
		if desc, ok := reg.Scope(hash); ok {
			g.setName(hash, desc.Name)
		}
	}
	return g, nil
}
