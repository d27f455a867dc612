package blockstore

import (
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/go-kit/log/level"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelod/internal/model"
)

type rawSpan struct {
	spanID  uint64
	beginNs int64
	endNs   int64
	name    string
	file    string
	line    uint32
}

type spanBlock struct {
	meta      model.BlockMetadata
	processID string
	lod0      *model.SpanBlockLod
	scopes    []model.ScopeDesc
	async     blockAsyncData
}

// ReceiveSpans ingests OTLP spans. Streams whose open block reaches
// SpansPerBlock are sealed immediately; the rest wait for Flush.
func (s *Store) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rs := range resourceSpans {
		first, ok := firstSpanStart(rs)
		if !ok {
			continue
		}
		p := s.processLocked(processKey(rs.GetResource()), first, describeProcess(rs.GetResource()))
		for _, ss := range rs.GetScopeSpans() {
			scopeName := ss.GetScope().GetName()
			for _, span := range ss.GetSpans() {
				st := s.spanStreamLocked(p, span.GetAttributes(), scopeName)
				if isAsyncKind(span.GetKind()) {
					st.openAsync = append(st.openAsync, toRawSpan(span))
				} else {
					st.open = append(st.open, toRawSpan(span))
				}
				n++
				if len(st.open)+len(st.openAsync) >= s.cfg.SpansPerBlock {
					s.sealSpansLocked(st)
				}
			}
		}
	}
	s.metrics.spansIngested.Add(float64(n))
	return nil
}

func firstSpanStart(rs *tracepb.ResourceSpans) (int64, bool) {
	first, ok := int64(0), false
	for _, ss := range rs.GetScopeSpans() {
		for _, span := range ss.GetSpans() {
			t := int64(span.GetStartTimeUnixNano())
			if !ok || t < first {
				first, ok = t, true
			}
		}
	}
	return first, ok
}

func describeProcess(res *resourcepb.Resource) func(*processState) {
	return func(p *processState) {
		attrs := res.GetAttributes()
		p.proc.Exe = stringAttr(attrs, attrServiceName)
		p.proc.Computer = stringAttr(attrs, attrHostName)
		p.proc.Username = stringAttr(attrs, attrUserName)
		p.proc.Properties = toProperties(attrs)
		p.pid = stringAttr(attrs, attrProcessPID)
		p.ppid = stringAttr(attrs, attrProcessParentPID)
		p.host = p.proc.Computer
	}
}

// isAsyncKind reports whether spans of kind k wait on work done elsewhere,
// so they may overlap freely with the emitting thread's own calls.
func isAsyncKind(k tracepb.Span_SpanKind) bool {
	switch k {
	case tracepb.Span_SPAN_KIND_CLIENT, tracepb.Span_SPAN_KIND_PRODUCER, tracepb.Span_SPAN_KIND_CONSUMER:
		return true
	}
	return false
}

func toRawSpan(span *tracepb.Span) rawSpan {
	begin := int64(span.GetStartTimeUnixNano())
	end := max(int64(span.GetEndTimeUnixNano()), begin)
	r := rawSpan{spanID: spanIDOf(span.GetSpanId()), beginNs: begin, endNs: end, name: span.GetName()}
	attrs := span.GetAttributes()
	r.file = stringAttr(attrs, attrCodeFilepath)
	if line, err := strconv.ParseUint(stringAttr(attrs, attrCodeLineno), 10, 32); err == nil {
		r.line = uint32(line)
	}
	return r
}

// spanStreamLocked returns the cpu stream a span belongs to, creating it on
// first use.
func (s *Store) spanStreamLocked(p *processState, attrs []*commonpb.KeyValue, scopeName string) *streamState {
	key := stringAttr(attrs, attrThreadID)
	if key == "" {
		key = scopeName
	}
	if key == "" {
		key = "main"
	}
	id := p.proc.ID + "/" + key
	if st, ok := s.streams[id]; ok {
		return st
	}
	props := map[string]string{attrThreadID: key}
	if name := stringAttr(attrs, attrThreadName); name != "" {
		props[attrThreadName] = name
	} else if scopeName != "" {
		props[attrThreadName] = scopeName
	}
	st := &streamState{
		stream: model.Stream{
			ID:         id,
			ProcessID:  p.proc.ID,
			Tags:       []string{model.TagCPU},
			Properties: props,
		},
		proc: p,
	}
	s.streams[id] = st
	p.streams = append(p.streams, id)
	return st
}

func (s *Store) sealSpansLocked(st *streamState) {
	if len(st.open) == 0 && len(st.openAsync) == 0 {
		return
	}
	b := buildSpanBlock(s.nextBlockIDLocked("spans"), st, st.open, st.openAsync)
	st.open, st.openAsync = nil, nil
	st.blocks = append(st.blocks, b)
	s.spanBlocks[b.meta.BlockID] = b
	s.metrics.blocksSealed.WithLabelValues("spans").Inc()
	level.Debug(s.logger).Log("msg", "sealed span block", "block", b.meta.BlockID,
		"stream", st.stream.ID, "spans", b.meta.NbObjects, "depth", len(b.lod0.Tracks),
		"async_events", len(b.async.events))
}

// buildSpanBlock lays raw spans out in depth rows. Spans are taken in start
// order, enclosing spans first, and each goes to the shallowest row whose
// last span has ended, so no row holds overlapping spans and callees land
// below their callers. Async spans become begin and end events; the block
// bounds cover both.
func buildSpanBlock(id string, st *streamState, raw, async []rawSpan) *spanBlock {
	slices.SortFunc(raw, func(a, b rawSpan) int {
		if c := cmp.Compare(a.beginNs, b.beginNs); c != 0 {
			return c
		}
		return cmp.Compare(b.endNs, a.endNs)
	})
	var blockBegin, blockEnd int64
	if len(raw) > 0 {
		blockBegin, blockEnd = raw[0].beginNs, raw[0].endNs
	} else {
		blockBegin, blockEnd = async[0].beginNs, async[0].endNs
	}
	for _, r := range raw {
		blockEnd = max(blockEnd, r.endNs)
	}
	for _, r := range async {
		blockBegin = min(blockBegin, r.beginNs)
		blockEnd = max(blockEnd, r.endNs)
	}

	var (
		rowEnds []int64
		tracks  []model.SpanTrack
		scopes  []model.ScopeDesc
		seen    = make(map[uint32]bool)
	)
	for _, r := range raw {
		depth := slices.IndexFunc(rowEnds, func(end int64) bool { return end <= r.beginNs })
		if depth < 0 {
			depth = len(rowEnds)
			rowEnds = append(rowEnds, 0)
			tracks = append(tracks, model.SpanTrack{})
		}
		rowEnds[depth] = r.endNs

		hash := ScopeHash(r.name)
		if !seen[hash] {
			seen[hash] = true
			scopes = append(scopes, model.ScopeDesc{Hash: hash, Name: r.name, Filename: r.file, Line: r.line})
		}
		tracks[depth].Spans = append(tracks[depth].Spans, model.Span{
			BeginMs:   float64(r.beginNs-blockBegin) / 1e6,
			EndMs:     float64(r.endNs-blockBegin) / 1e6,
			Depth:     uint32(depth),
			ScopeHash: hash,
			Alpha:     255,
		})
	}

	return &spanBlock{
		meta: model.BlockMetadata{
			BlockID:   id,
			StreamID:  st.stream.ID,
			BeginMs:   st.proc.ms(blockBegin),
			EndMs:     st.proc.ms(blockEnd),
			NbObjects: len(raw) + len(async),
		},
		processID: st.proc.proc.ID,
		lod0:      &model.SpanBlockLod{LodID: 0, Tracks: tracks},
		scopes:    scopes,
		async:     buildAsyncData(st.proc, async),
	}
}
