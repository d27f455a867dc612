// Package blockstore is an in-process analytics backend. It ingests OTLP
// traces, metrics and logs, cuts them into immutable blocks per stream and
// serves them through dataservice.Client, reducing blocks to coarser levels
// of detail on demand.
//
// Each process (service.instance.id, else service.name) gets one cpu stream
// per thread (span attribute thread.id, else the instrumentation scope name),
// a single metrics stream and a single log stream. Times are milliseconds
// relative to the first timestamp seen for the process.
//
// Client, producer and consumer spans are recorded as async begin and end
// events on the block of the thread that emitted them instead of going into
// the thread's depth rows.
package blockstore

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tobert/tracelod/internal/model"
)

// Defaults for Config fields left at zero.
const (
	DefaultSpansPerBlock  = 4096
	DefaultPointsPerBlock = 4096
	DefaultLogsPerBlock   = 4096
	DefaultLodCacheSize   = 256
)

// Config tunes block sizes and the reduced LOD cache.
type Config struct {
	// SpansPerBlock seals a stream's open block once it holds this many spans.
	SpansPerBlock int
	// PointsPerBlock seals a process's open metrics block once it holds this
	// many points across all series.
	PointsPerBlock int
	// LogsPerBlock seals a process's open log block once it holds this many
	// entries.
	LogsPerBlock int
	// LodCacheSize bounds the number of reduced payloads kept per kind.
	LodCacheSize int
	Logger       log.Logger
	Metrics      *Metrics
}

// Stats counts what the store holds.
type Stats struct {
	Processes     int `json:"processes"`
	Streams       int `json:"streams"`
	SpanBlocks    int `json:"span_blocks"`
	MetricBlocks  int `json:"metric_blocks"`
	LogBlocks     int `json:"log_blocks"`
	PendingSpans  int `json:"pending_spans"`
	PendingPoints int `json:"pending_points"`
	PendingLogs   int `json:"pending_logs"`

	SpansPerBlock  int `json:"spans_per_block"`
	PointsPerBlock int `json:"points_per_block"`
	LogsPerBlock   int `json:"logs_per_block"`
}

// Store holds ingested data. It implements dataservice.Client as well as
// the receiver interfaces of the OTLP server.
type Store struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	mu            sync.Mutex
	seq           uint64
	nextBlock     int
	procs         map[string]*processState
	streams       map[string]*streamState
	metricStreams map[string]*processState
	logStreams    map[string]*processState
	spanBlocks    map[string]*spanBlock
	metricBlocks  map[string]*metricBlock
	logBlocks     int

	spanCache  *lru.Cache[string, *model.SpanBlockLod]
	pointCache *lru.Cache[string, []model.MetricPoint]
}

type processState struct {
	proc     model.Process
	originNs int64
	lastSeq  uint64
	streams  []string

	// pid, ppid and host link a process to the one that spawned it.
	pid, ppid, host string

	metricsStream string
	openMetrics   *openMetricBlock
	metricBlocks  []*metricBlock

	logStream string
	openLog   []model.LogEntry
	logBlocks []*logBlock
}

// ms converts a unix nanosecond timestamp to the process clock.
func (p *processState) ms(ns int64) float64 {
	return float64(ns-p.originNs) / 1e6
}

type streamState struct {
	stream    model.Stream
	proc      *processState
	open      []rawSpan
	openAsync []rawSpan
	blocks    []*spanBlock
}

// New builds an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.SpansPerBlock <= 0 {
		cfg.SpansPerBlock = DefaultSpansPerBlock
	}
	if cfg.PointsPerBlock <= 0 {
		cfg.PointsPerBlock = DefaultPointsPerBlock
	}
	if cfg.LogsPerBlock <= 0 {
		cfg.LogsPerBlock = DefaultLogsPerBlock
	}
	if cfg.LodCacheSize <= 0 {
		cfg.LodCacheSize = DefaultLodCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	spanCache, err := lru.New[string, *model.SpanBlockLod](cfg.LodCacheSize)
	if err != nil {
		return nil, fmt.Errorf("span lod cache: %w", err)
	}
	pointCache, err := lru.New[string, []model.MetricPoint](cfg.LodCacheSize)
	if err != nil {
		return nil, fmt.Errorf("metric lod cache: %w", err)
	}
	return &Store{
		cfg:           cfg,
		logger:        log.With(cfg.Logger, "component", "blockstore"),
		metrics:       cfg.Metrics,
		procs:         make(map[string]*processState),
		streams:       make(map[string]*streamState),
		metricStreams: make(map[string]*processState),
		logStreams:    make(map[string]*processState),
		spanBlocks:    make(map[string]*spanBlock),
		metricBlocks:  make(map[string]*metricBlock),
		spanCache:     spanCache,
		pointCache:    pointCache,
	}, nil
}

// ScopeHash is the hash spans carry for a scope name. Zero is reserved for
// merged spans.
func ScopeHash(name string) uint32 {
	h := uint32(xxhash.Sum64String(name))
	if h == 0 {
		h = 1
	}
	return h
}

// Flush seals every open block so that everything ingested so far becomes
// visible to readers.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sortedStreamsLocked() {
		s.sealSpansLocked(st)
	}
	for _, p := range s.sortedProcsLocked() {
		s.sealMetricsLocked(p)
		s.sealLogLocked(p)
	}
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Processes:    len(s.procs),
		Streams:      len(s.streams) + len(s.metricStreams) + len(s.logStreams),
		SpanBlocks:   len(s.spanBlocks),
		MetricBlocks: len(s.metricBlocks),
		LogBlocks:    s.logBlocks,

		SpansPerBlock:  s.cfg.SpansPerBlock,
		PointsPerBlock: s.cfg.PointsPerBlock,
		LogsPerBlock:   s.cfg.LogsPerBlock,
	}
	for _, ss := range s.streams {
		st.PendingSpans += len(ss.open) + len(ss.openAsync)
	}
	for _, p := range s.procs {
		if p.openMetrics != nil {
			st.PendingPoints += p.openMetrics.n
		}
		st.PendingLogs += len(p.openLog)
	}
	return st
}

// processLocked returns the state of processID, creating it with its clock
// origin at firstNs.
func (s *Store) processLocked(processID string, firstNs int64, init func(*processState)) *processState {
	s.seq++
	if p, ok := s.procs[processID]; ok {
		p.lastSeq = s.seq
		return p
	}
	p := &processState{
		proc: model.Process{
			ID:          processID,
			StartTimeMs: float64(firstNs) / 1e6,
		},
		originNs: firstNs,
		lastSeq:  s.seq,
	}
	if init != nil {
		init(p)
	}
	s.procs[processID] = p
	level.Debug(s.logger).Log("msg", "new process", "process", processID, "exe", p.proc.Exe)
	return p
}

// viewLocked returns the process as readers see it, with its parent
// resolved among the processes known so far.
func (s *Store) viewLocked(p *processState) model.Process {
	proc := p.proc
	if p.ppid == "" {
		return proc
	}
	var parent *processState
	for _, q := range s.procs {
		if q == p || q.pid != p.ppid || q.host != p.host {
			continue
		}
		// pids get reused; the latest process to start before the child wins.
		if q.proc.StartTimeMs <= p.proc.StartTimeMs && (parent == nil || q.proc.StartTimeMs > parent.proc.StartTimeMs) {
			parent = q
		}
	}
	if parent != nil {
		proc.ParentID = parent.proc.ID
	}
	return proc
}

func (s *Store) nextBlockIDLocked(kind string) string {
	s.nextBlock++
	return fmt.Sprintf("%s-%06d", kind, s.nextBlock)
}

func (s *Store) sortedStreamsLocked() []*streamState {
	out := make([]*streamState, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *streamState) int { return cmp.Compare(a.stream.ID, b.stream.ID) })
	return out
}

func (s *Store) sortedProcsLocked() []*processState {
	out := make([]*processState, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *processState) int { return cmp.Compare(a.proc.ID, b.proc.ID) })
	return out
}
