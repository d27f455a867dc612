// Package registry is the block/stream bookkeeping of a timeline view: which
// blocks exist, which LODs of each have been requested or loaded, and the
// data loaded so far.
//
// A Registry is mutated by the fetch orchestrator and the session loader,
// and read concurrently by renderers and HTTP handlers.
package registry

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/tobert/tracelod/internal/model"
)

// MetricSeries is one named metric and its blocks.
type MetricSeries struct {
	Desc    model.MetricDesc
	enabled atomic.Bool

	mu     sync.RWMutex
	blocks []*MetricBlock
	byID   map[string]*MetricBlock
}

// Enabled reports whether the series is visible and should be fetched.
func (m *MetricSeries) Enabled() bool { return m.enabled.Load() }

// Blocks returns the series blocks in the order they were added.
func (m *MetricSeries) Blocks() []*MetricBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MetricBlock(nil), m.blocks...)
}

// Block returns the block with id.
func (m *MetricSeries) Block(id string) (*MetricBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byID[id]
	return b, ok
}

// Counters are the progress totals shown by the loading indicator.
type Counters struct {
	SpansLoaded      int64 `json:"spans_loaded"`
	PointsLoaded     int64 `json:"points_loaded"`
	AsyncSpansLoaded int64 `json:"async_spans_loaded"`
}

// Registry holds everything known about the process being viewed.
type Registry struct {
	maxAttempts int

	mu          sync.RWMutex
	process     *model.Process
	streams     []model.Stream
	streamByID  map[string]int
	blocks      []*SpanBlock
	blockByID   map[string]*SpanBlock
	streamDepth map[string]int
	metrics     []*MetricSeries
	metricByKey map[string]*MetricSeries
	scopes      map[uint32]model.ScopeDesc
	minMs       float64
	maxMs       float64

	asyncSections map[int]*AsyncSection
	asyncDepth    int

	ready            atomic.Bool
	spansLoaded      atomic.Int64
	pointsLoaded     atomic.Int64
	asyncSpansLoaded atomic.Int64
}

// New creates an empty registry. maxAttempts bounds how many times a
// single (block, LOD) is requested before it is marked Failed.
func New(maxAttempts int) *Registry {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFetchAttempts
	}
	return &Registry{
		maxAttempts:   maxAttempts,
		streamByID:    make(map[string]int),
		blockByID:     make(map[string]*SpanBlock),
		streamDepth:   make(map[string]int),
		metricByKey:   make(map[string]*MetricSeries),
		scopes:        make(map[uint32]model.ScopeDesc),
		asyncSections: make(map[int]*AsyncSection),
		minMs:         math.Inf(1),
		maxMs:         math.Inf(-1),
	}
}

// SetProcess records the process being viewed.
func (r *Registry) SetProcess(p model.Process) {
	r.mu.Lock()
	r.process = &p
	r.mu.Unlock()
}

// Process returns the process, if one was set.
func (r *Registry) Process() (model.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.process == nil {
		return model.Process{}, false
	}
	return *r.process, true
}

// AddStream registers s. A stream already known by id is replaced in place.
func (r *Registry) AddStream(s model.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.streamByID[s.ID]; ok {
		r.streams[i] = s
		return
	}
	r.streamByID[s.ID] = len(r.streams)
	r.streams = append(r.streams, s)
}

// Stream looks up a stream by id.
func (r *Registry) Stream(id string) (model.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.streamByID[id]
	if !ok {
		return model.Stream{}, false
	}
	return r.streams[i], true
}

// Streams returns all streams in registration order.
func (r *Registry) Streams() []model.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Stream(nil), r.streams...)
}

// AddSpanBlock registers a block of a cpu stream and widens the data
// bounds. Adding a known block id returns the existing block.
func (r *Registry) AddSpanBlock(meta model.BlockMetadata) *SpanBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blockByID[meta.BlockID]; ok {
		return b
	}
	b := newSpanBlock(meta, r.maxAttempts)
	r.blockByID[meta.BlockID] = b
	r.blocks = append(r.blocks, b)
	r.widenLocked(meta)
	return b
}

// SpanBlock looks up a span block by id.
func (r *Registry) SpanBlock(id string) (*SpanBlock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blockByID[id]
	return b, ok
}

// SpanBlocks returns all span blocks in registration order, which is the
// order the orchestrator requests them in.
func (r *Registry) SpanBlocks() []*SpanBlock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*SpanBlock(nil), r.blocks...)
}

// StreamBlocks returns the span blocks of one stream.
func (r *Registry) StreamBlocks(streamID string) []*SpanBlock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SpanBlock
	for _, b := range r.blocks {
		if b.Meta.StreamID == streamID {
			out = append(out, b)
		}
	}
	return out
}

// StreamDepth returns the number of depth rows seen in any loaded LOD of
// the stream's blocks.
func (r *Registry) StreamDepth(streamID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamDepth[streamID]
}

// AddMetricManifest registers the series listed in m, each with the
// manifest's block. Newly seen series start disabled.
func (r *Registry) AddMetricManifest(m model.MetricBlockManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range m.Metrics {
		s, ok := r.metricByKey[desc.Name]
		if !ok {
			s = &MetricSeries{Desc: desc, byID: make(map[string]*MetricBlock)}
			r.metricByKey[desc.Name] = s
			r.metrics = append(r.metrics, s)
		}
		s.mu.Lock()
		if _, dup := s.byID[m.Block.BlockID]; !dup {
			b := newMetricBlock(m.Block, r.maxAttempts)
			s.byID[m.Block.BlockID] = b
			s.blocks = append(s.blocks, b)
		}
		s.mu.Unlock()
	}
	r.widenLocked(m.Block)
}

// Metrics returns every known series in registration order.
func (r *Registry) Metrics() []*MetricSeries {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*MetricSeries(nil), r.metrics...)
}

// Metric looks up a series by name.
func (r *Registry) Metric(name string) (*MetricSeries, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.metricByKey[name]
	return s, ok
}

// SetMetricEnabled toggles a series. It returns false for unknown names.
func (r *Registry) SetMetricEnabled(name string, enabled bool) bool {
	s, ok := r.Metric(name)
	if !ok {
		return false
	}
	s.enabled.Store(enabled)
	return true
}

// EnabledMetrics returns the names of the enabled series.
func (r *Registry) EnabledMetrics() []string {
	var names []string
	for _, s := range r.Metrics() {
		if s.Enabled() {
			names = append(names, s.Desc.Name)
		}
	}
	return names
}

// MergeScopes adds scope descriptions to the dictionary. Entries are
// never replaced once known.
func (r *Registry) MergeScopes(scopes []model.ScopeDesc) {
	if len(scopes) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range scopes {
		if _, ok := r.scopes[s.Hash]; !ok {
			r.scopes[s.Hash] = s
		}
	}
}

// Scope resolves a scope hash.
func (r *Registry) Scope(hash uint32) (model.ScopeDesc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scopes[hash]
	return s, ok
}

// NumScopes returns the dictionary size.
func (r *Registry) NumScopes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes)
}

// MergeSpans stores one span LOD of b together with its scopes and
// updates the counters and stream depth. It returns false, changing
// nothing, when that LOD was already loaded.
func (r *Registry) MergeSpans(b *SpanBlock, data *model.SpanBlockLod, scopes []model.ScopeDesc) bool {
	if !b.Store(data.LodID, data) {
		return false
	}
	r.MergeScopes(scopes)
	r.spansLoaded.Add(int64(data.NumSpans()))
	r.mu.Lock()
	if len(data.Tracks) > r.streamDepth[b.Meta.StreamID] {
		r.streamDepth[b.Meta.StreamID] = len(data.Tracks)
	}
	r.mu.Unlock()
	return true
}

// MergeMetric stores one metric LOD of b and updates the counters. It
// returns false when that LOD was already loaded.
func (r *Registry) MergeMetric(b *MetricBlock, data model.MetricBlockData) bool {
	if !b.Store(data.Lod, data.Points) {
		return false
	}
	r.pointsLoaded.Add(int64(len(data.Points)))
	return true
}

// Counters returns the loaded totals.
func (r *Registry) Counters() Counters {
	return Counters{
		SpansLoaded:      r.spansLoaded.Load(),
		PointsLoaded:     r.pointsLoaded.Load(),
		AsyncSpansLoaded: r.asyncSpansLoaded.Load(),
	}
}

// DataBounds returns the union of every registered block range, and false
// while no block is known.
func (r *Registry) DataBounds() (model.TimeRange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.minMs > r.maxMs {
		return model.TimeRange{}, false
	}
	return model.TimeRange{BeginMs: r.minMs, EndMs: r.maxMs}, true
}

func (r *Registry) widenLocked(meta model.BlockMetadata) {
	r.minMs = math.Min(r.minMs, meta.BeginMs)
	r.maxMs = math.Max(r.maxMs, meta.EndMs)
}

// SetReady flags that the initial listing is complete.
func (r *Registry) SetReady(v bool) { r.ready.Store(v) }

// Ready reports whether the initial listing is complete.
func (r *Registry) Ready() bool { return r.ready.Load() }

// MaxFetchAttempts returns the attempt budget per (block, LOD).
func (r *Registry) MaxFetchAttempts() int { return r.maxAttempts }
