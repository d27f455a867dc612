package blockstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/lod"
	"github.com/tobert/tracelod/internal/model"
)

var _ dataservice.Client = (*Store)(nil)

// ListRecentProcesses returns every known process, most recently updated
// first.
func (s *Store) ListRecentProcesses(ctx context.Context) ([]model.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*processState, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	slices.SortFunc(procs, func(a, b *processState) int { return cmp.Compare(b.lastSeq, a.lastSeq) })
	out := make([]model.Process, len(procs))
	for i, p := range procs {
		out[i] = s.viewLocked(p)
	}
	return out, nil
}

// maxSearchResults caps SearchProcesses.
const maxSearchResults = 100

// SearchProcesses returns up to 100 processes whose executable, user or
// computer contains search, latest started first.
func (s *Store) SearchProcesses(ctx context.Context, search string) ([]model.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(search)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Process
	for _, p := range s.procs {
		for _, field := range []string{p.proc.Exe, p.proc.Username, p.proc.Computer} {
			if strings.Contains(strings.ToLower(field), needle) {
				out = append(out, s.viewLocked(p))
				break
			}
		}
	}
	sortByStartDesc(out)
	if len(out) > maxSearchResults {
		out = out[:maxSearchResults]
	}
	return out, nil
}

// ListProcessChildren returns the processes spawned by processID, latest
// started first.
func (s *Store) ListProcessChildren(ctx context.Context, processID string) ([]model.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[processID]; !ok {
		return nil, fmt.Errorf("process %q: %w", processID, dataservice.ErrNotFound)
	}
	var out []model.Process
	for _, p := range s.procs {
		if v := s.viewLocked(p); v.ParentID == processID {
			out = append(out, v)
		}
	}
	sortByStartDesc(out)
	return out, nil
}

func sortByStartDesc(procs []model.Process) {
	slices.SortFunc(procs, func(a, b model.Process) int {
		if c := cmp.Compare(b.StartTimeMs, a.StartTimeMs); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// FindProcess returns one process.
func (s *Store) FindProcess(ctx context.Context, processID string) (model.Process, error) {
	if err := ctx.Err(); err != nil {
		return model.Process{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return model.Process{}, fmt.Errorf("process %q: %w", processID, dataservice.ErrNotFound)
	}
	return s.viewLocked(p), nil
}

// ListProcessStreams returns the cpu streams of a process in creation
// order, followed by its metrics and log streams if it has them.
func (s *Store) ListProcessStreams(ctx context.Context, processID string) ([]model.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return nil, fmt.Errorf("process %q: %w", processID, dataservice.ErrNotFound)
	}
	out := make([]model.Stream, 0, len(p.streams))
	for _, id := range p.streams {
		if st, ok := s.streams[id]; ok {
			out = append(out, st.stream)
		}
	}
	if p.metricsStream != "" {
		out = append(out, model.Stream{
			ID:        p.metricsStream,
			ProcessID: p.proc.ID,
			Tags:      []string{model.TagMetrics},
		})
	}
	if p.logStream != "" {
		out = append(out, model.Stream{
			ID:        p.logStream,
			ProcessID: p.proc.ID,
			Tags:      []string{model.TagLog},
		})
	}
	return out, nil
}

// ListStreamBlocks returns the sealed blocks of a stream in sealing order.
func (s *Store) ListStreamBlocks(ctx context.Context, streamID string) ([]model.BlockMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[streamID]; ok {
		out := make([]model.BlockMetadata, len(st.blocks))
		for i, b := range st.blocks {
			out[i] = b.meta
		}
		return out, nil
	}
	if p, ok := s.metricStreams[streamID]; ok {
		out := make([]model.BlockMetadata, len(p.metricBlocks))
		for i, b := range p.metricBlocks {
			out[i] = b.meta
		}
		return out, nil
	}
	if p, ok := s.logStreams[streamID]; ok {
		out := make([]model.BlockMetadata, len(p.logBlocks))
		for i, b := range p.logBlocks {
			out[i] = b.meta
		}
		return out, nil
	}
	return nil, fmt.Errorf("stream %q: %w", streamID, dataservice.ErrNotFound)
}

// FetchBlockSpans returns one LOD of a span block. Reduced levels are
// computed on first use and cached; the returned payload is shared and must
// not be modified.
func (s *Store) FetchBlockSpans(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Lod < 0 {
		return nil, fmt.Errorf("block %s: invalid lod %d", req.BlockID, req.Lod)
	}
	s.mu.Lock()
	b, ok := s.spanBlocks[req.BlockID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("span block %q: %w", req.BlockID, dataservice.ErrNotFound)
	}

	data := b.lod0
	if req.Lod > 0 {
		key := fmt.Sprintf("spans_%s_%d", b.meta.BlockID, req.Lod)
		if cached, ok := s.spanCache.Get(key); ok {
			s.metrics.cacheHits.WithLabelValues("spans").Inc()
			data = cached
		} else {
			s.metrics.cacheMisses.WithLabelValues("spans").Inc()
			data = lod.ReduceSpans(b.lod0, req.Lod)
			s.spanCache.Add(key, data)
		}
	}
	return &dataservice.SpansReply{
		BlockID: b.meta.BlockID,
		Scopes:  b.scopes,
		BeginMs: b.meta.BeginMs,
		EndMs:   b.meta.EndMs,
		Lod:     data,
	}, nil
}

// ListProcessMetrics returns every series seen in the sealed metric blocks
// of a process, sorted by name.
func (s *Store) ListProcessMetrics(ctx context.Context, processID string) ([]model.MetricDesc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return nil, fmt.Errorf("process %q: %w", processID, dataservice.ErrNotFound)
	}
	var out []model.MetricDesc
	seen := make(map[string]bool)
	for _, b := range p.metricBlocks {
		for _, d := range b.descs {
			if !seen[d.Name] {
				seen[d.Name] = true
				out = append(out, d)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.MetricDesc) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// FetchBlockMetricManifest lists the series of one metric block.
func (s *Store) FetchBlockMetricManifest(ctx context.Context, processID, blockID string) (model.MetricBlockManifest, error) {
	b, err := s.metricBlock(ctx, processID, blockID)
	if err != nil {
		return model.MetricBlockManifest{}, err
	}
	return model.MetricBlockManifest{Block: b.meta, Metrics: slices.Clone(b.descs)}, nil
}

// FetchBlockMetric returns one LOD of one series of a metric block. As with
// spans, reduced levels are cached and shared.
func (s *Store) FetchBlockMetric(ctx context.Context, req dataservice.MetricRequest) (model.MetricBlockData, error) {
	if req.Lod < 0 {
		return model.MetricBlockData{}, fmt.Errorf("block %s: invalid lod %d", req.BlockID, req.Lod)
	}
	b, err := s.metricBlock(ctx, req.ProcessID, req.BlockID)
	if err != nil {
		return model.MetricBlockData{}, err
	}
	points, ok := b.points[req.MetricName]
	if !ok {
		return model.MetricBlockData{}, fmt.Errorf("metric %q in block %s: %w", req.MetricName, req.BlockID, dataservice.ErrNotFound)
	}
	if req.Lod > 0 {
		key := fmt.Sprintf("%d_%s_%d", xxhash.Sum64String(req.MetricName), b.meta.BlockID, req.Lod)
		if cached, ok := s.pointCache.Get(key); ok {
			s.metrics.cacheHits.WithLabelValues("metrics").Inc()
			points = cached
		} else {
			s.metrics.cacheMisses.WithLabelValues("metrics").Inc()
			points = lod.ReduceMetric(points, req.Lod)
			s.pointCache.Add(key, points)
		}
	}
	return model.MetricBlockData{BlockID: b.meta.BlockID, Lod: req.Lod, Points: points}, nil
}

func (s *Store) metricBlock(ctx context.Context, processID, blockID string) (*metricBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	b, ok := s.metricBlocks[blockID]
	s.mu.Unlock()
	if !ok || b.processID != processID {
		return nil, fmt.Errorf("metric block %q of process %q: %w", blockID, processID, dataservice.ErrNotFound)
	}
	return b, nil
}
