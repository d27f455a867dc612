// Package model holds the data types shared by the timeline engine:
// time ranges, processes, streams, blocks, spans and metric points.
// Decoupled from any transport so every other package can depend on it.
package model

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvertedRange is returned when a range would end before it begins.
var ErrInvertedRange = errors.New("time range ends before it begins")

// TimeRange is an immutable [BeginMs, EndMs] window in milliseconds.
type TimeRange struct {
	BeginMs float64 `json:"begin_ms"`
	EndMs   float64 `json:"end_ms"`
}

// NewTimeRange validates begin <= end.
func NewTimeRange(beginMs, endMs float64) (TimeRange, error) {
	if beginMs > endMs {
		return TimeRange{}, fmt.Errorf("%w: [%g, %g]", ErrInvertedRange, beginMs, endMs)
	}
	return TimeRange{BeginMs: beginMs, EndMs: endMs}, nil
}

// Width returns EndMs - BeginMs.
func (r TimeRange) Width() float64 {
	return r.EndMs - r.BeginMs
}

// Contains reports whether t lies inside the closed range.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.BeginMs && t <= r.EndMs
}

// Overlaps reports whether the two closed ranges share at least one instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return !(r.BeginMs > o.EndMs || r.EndMs < o.BeginMs)
}

// Shift returns the range translated by deltaMs.
func (r TimeRange) Shift(deltaMs float64) TimeRange {
	return TimeRange{BeginMs: r.BeginMs + deltaMs, EndMs: r.EndMs + deltaMs}
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%.3f, %.3f]", r.BeginMs, r.EndMs)
}

// Process describes one instrumented process.
type Process struct {
	ID          string  `json:"process_id"`
	Exe         string  `json:"exe"`
	Username    string  `json:"username,omitempty"`
	Computer    string  `json:"computer,omitempty"`
	StartTimeMs float64 `json:"start_time_ms"`
	// ParentID is the process that spawned this one, when it reported
	// its parent pid and the parent is known.
	ParentID   string     `json:"parent_process_id,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

// Stream is one instrumented channel of a process, typically a thread.
type Stream struct {
	ID         string            `json:"stream_id"`
	ProcessID  string            `json:"process_id"`
	Tags       []string          `json:"tags"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasTag reports whether the stream carries tag.
func (s Stream) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// Stream tags understood by the engine.
const (
	TagCPU     = "cpu"
	TagMetrics = "metrics"
	TagLog     = "log"
)

// BlockMetadata is what the data service lists for a block, before any
// payload is fetched. BeginMs/EndMs are on the owning process clock.
type BlockMetadata struct {
	BlockID   string  `json:"block_id"`
	StreamID  string  `json:"stream_id"`
	BeginMs   float64 `json:"begin_ms"`
	EndMs     float64 `json:"end_ms"`
	NbObjects int     `json:"nb_objects"`
}

// Range returns the block bounds as a TimeRange.
func (b BlockMetadata) Range() TimeRange {
	return TimeRange{BeginMs: b.BeginMs, EndMs: b.EndMs}
}

// Span is one call interval inside a block, relative to the block's
// own clock origin (block BeginMs).
type Span struct {
	BeginMs   float64 `json:"begin_ms"`
	EndMs     float64 `json:"end_ms"`
	Depth     uint32  `json:"depth"`
	ScopeHash uint32  `json:"scope_hash"`
	Alpha     uint8   `json:"alpha"`
}

// Duration returns EndMs - BeginMs.
func (s Span) Duration() float64 {
	return s.EndMs - s.BeginMs
}

// SpanTrack holds the spans of one depth row, sorted by BeginMs and
// non-overlapping, which also makes them sorted by EndMs.
type SpanTrack struct {
	Spans []Span `json:"spans"`
}

// SpanBlockLod is one level of detail of a block's spans.
// Tracks are indexed by depth.
type SpanBlockLod struct {
	LodID  int         `json:"lod_id"`
	Tracks []SpanTrack `json:"tracks"`
}

// NumSpans counts spans across all tracks.
func (l *SpanBlockLod) NumSpans() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, t := range l.Tracks {
		n += len(t.Spans)
	}
	return n
}

// ScopeDesc names a scope hash.
type ScopeDesc struct {
	Hash     uint32 `json:"hash"`
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	Line     uint32 `json:"line,omitempty"`
}

// MetricPoint is one sample of a numeric series, TimeMs on the process clock.
type MetricPoint struct {
	TimeMs float64 `json:"time_ms"`
	Value  float64 `json:"value"`
}

// MetricDesc describes one numeric series.
type MetricDesc struct {
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// MetricBlockData is one LOD of one metric inside one block.
type MetricBlockData struct {
	BlockID string        `json:"block_id"`
	Lod     int           `json:"lod"`
	Points  []MetricPoint `json:"points"`
}

// MetricBlockManifest lists the series present in one metrics block.
type MetricBlockManifest struct {
	Block   BlockMetadata `json:"block"`
	Metrics []MetricDesc  `json:"metrics"`
}

// AsyncSpan is a span whose begin and end may be observed on different
// threads. Times are on the process clock.
type AsyncSpan struct {
	SpanID    uint64  `json:"span_id"`
	ScopeHash uint32  `json:"scope_hash"`
	BeginMs   float64 `json:"begin_ms"`
	EndMs     float64 `json:"end_ms"`
	Alpha     uint8   `json:"alpha"`
}

// AsyncSpanTrack is one row of non-overlapping async spans, sorted by
// BeginMs.
type AsyncSpanTrack struct {
	Spans []AsyncSpan `json:"spans"`
}

// AsyncBlockStats summarizes the async events recorded in a span block.
// BeginMs and EndMs are only meaningful when NbEvents > 0.
type AsyncBlockStats struct {
	BlockID  string  `json:"block_id"`
	BeginMs  float64 `json:"begin_ms"`
	EndMs    float64 `json:"end_ms"`
	NbEvents int     `json:"nb_events"`
}

// Range returns the span of the block's async events.
func (s AsyncBlockStats) Range() TimeRange {
	return TimeRange{BeginMs: s.BeginMs, EndMs: s.EndMs}
}
