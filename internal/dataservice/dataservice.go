// Package dataservice defines the analytics service the timeline engine
// pulls processes, streams, blocks, spans and metrics from, along with an
// HTTP transport for reaching a service in another process.
package dataservice

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tobert/tracelod/internal/model"
)

var (
	// ErrNotFound is returned when a process, stream, block or metric
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingLod is returned when a spans reply carries no LOD payload.
	ErrMissingLod = errors.New("spans reply has no lod payload")
)

// SpansRequest asks for one LOD of one block. The process and stream are
// passed along so the service can interpret the block without a lookup.
type SpansRequest struct {
	Process model.Process `json:"process"`
	Stream  model.Stream  `json:"stream"`
	BlockID string        `json:"block_id"`
	Lod     int           `json:"lod"`
}

// SpansReply is one LOD of a block's spans plus the scopes it references.
type SpansReply struct {
	BlockID string              `json:"block_id"`
	Scopes  []model.ScopeDesc   `json:"scopes"`
	BeginMs float64             `json:"begin_ms"`
	EndMs   float64             `json:"end_ms"`
	Lod     *model.SpanBlockLod `json:"lod"`
}

// Validate rejects replies that cannot be merged for the LOD asked for.
func (r *SpansReply) Validate(req SpansRequest) error {
	if r == nil || r.Lod == nil {
		return fmt.Errorf("block %s lod %d: %w", req.BlockID, req.Lod, ErrMissingLod)
	}
	if r.Lod.LodID != req.Lod {
		return fmt.Errorf("block %s: asked for lod %d, got %d", req.BlockID, req.Lod, r.Lod.LodID)
	}
	return nil
}

// MetricRequest asks for one LOD of one metric in one block.
type MetricRequest struct {
	ProcessID  string `json:"process_id"`
	BlockID    string `json:"block_id"`
	MetricName string `json:"metric_name"`
	Lod        int    `json:"lod"`
}

// AsyncSectionWidthMs is the width of the slices async spans are fetched
// in. Section n covers [n*w, (n+1)*w] on the process clock.
const AsyncSectionWidthMs = 1000.0

// AsyncSection returns the time range of section n.
func AsyncSection(n int) model.TimeRange {
	begin := float64(n) * AsyncSectionWidthMs
	return model.TimeRange{BeginMs: begin, EndMs: begin + AsyncSectionWidthMs}
}

// AsyncSectionsOf returns the first and last sections overlapping r.
func AsyncSectionsOf(r model.TimeRange) (first, last int) {
	return int(math.Floor(r.BeginMs / AsyncSectionWidthMs)), int(math.Floor(r.EndMs / AsyncSectionWidthMs))
}

// AsyncSpansRequest asks for the async spans of one section, built from the
// async events of BlockIDs.
type AsyncSpansRequest struct {
	ProcessID string   `json:"process_id"`
	Section   int      `json:"section"`
	Lod       int      `json:"lod"`
	BlockIDs  []string `json:"block_ids"`
}

// AsyncSpansReply holds the async spans overlapping a section, clipped to
// it and laid out in non-overlapping tracks.
type AsyncSpansReply struct {
	Section int                    `json:"section"`
	Lod     int                    `json:"lod"`
	Tracks  []model.AsyncSpanTrack `json:"tracks"`
	Scopes  []model.ScopeDesc      `json:"scopes"`
}

// LogRequest pages through the log of a process. Begin is an entry index
// into the unfiltered log; up to Limit entries passing Search and Level are
// returned. A zero Limit means DefaultLogLimit.
type LogRequest struct {
	ProcessID string         `json:"process_id"`
	Begin     int            `json:"begin"`
	Limit     int            `json:"limit,omitempty"`
	Search    string         `json:"search,omitempty"`
	Level     model.LogLevel `json:"level,omitempty"`
}

// DefaultLogLimit caps a log page when the request sets no limit.
const DefaultLogLimit = 500

// LogReply is one page of log entries. Next is the index to pass as Begin
// to continue after this page, Total the unfiltered entry count.
type LogReply struct {
	Entries []model.LogEntry `json:"entries"`
	Begin   int              `json:"begin"`
	Next    int              `json:"next"`
	Total   int              `json:"total"`
}

// Client is the analytics service. Every call is fallible and may block on
// the network; callers bound them with ctx.
type Client interface {
	ListRecentProcesses(ctx context.Context) ([]model.Process, error)
	FindProcess(ctx context.Context, processID string) (model.Process, error)
	ListProcessStreams(ctx context.Context, processID string) ([]model.Stream, error)
	ListStreamBlocks(ctx context.Context, streamID string) ([]model.BlockMetadata, error)
	FetchBlockSpans(ctx context.Context, req SpansRequest) (*SpansReply, error)
	ListProcessMetrics(ctx context.Context, processID string) ([]model.MetricDesc, error)
	FetchBlockMetricManifest(ctx context.Context, processID, blockID string) (model.MetricBlockManifest, error)
	FetchBlockMetric(ctx context.Context, req MetricRequest) (model.MetricBlockData, error)

	// SearchProcesses matches search against the executable, user and
	// computer of every process, case insensitively.
	SearchProcesses(ctx context.Context, search string) ([]model.Process, error)
	ListProcessChildren(ctx context.Context, processID string) ([]model.Process, error)
	ListProcessLogEntries(ctx context.Context, req LogRequest) (*LogReply, error)
	CountProcessLogEntries(ctx context.Context, processID string) (int, error)
	FetchBlockAsyncStats(ctx context.Context, processID, blockID string) (model.AsyncBlockStats, error)
	FetchAsyncSpans(ctx context.Context, req AsyncSpansRequest) (*AsyncSpansReply, error)
}
