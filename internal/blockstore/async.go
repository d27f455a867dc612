package blockstore

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
)

type asyncEventKind uint8

const (
	asyncBegin asyncEventKind = iota
	asyncEnd
)

// asyncEvent is one half of an async span, on the process clock.
type asyncEvent struct {
	spanID    uint64
	scopeHash uint32
	timeMs    float64
	kind      asyncEventKind
}

// blockAsyncData holds the async events of a span block sorted by time.
type blockAsyncData struct {
	events []asyncEvent
	scopes []model.ScopeDesc
}

func spanIDOf(id []byte) uint64 {
	if len(id) < 8 {
		var padded [8]byte
		copy(padded[8-len(id):], id)
		return binary.BigEndian.Uint64(padded[:])
	}
	return binary.BigEndian.Uint64(id[:8])
}

func buildAsyncData(p *processState, raw []rawSpan) blockAsyncData {
	var d blockAsyncData
	if len(raw) == 0 {
		return d
	}
	seen := make(map[uint32]bool)
	d.events = make([]asyncEvent, 0, 2*len(raw))
	for _, r := range raw {
		hash := ScopeHash(r.name)
		if !seen[hash] {
			seen[hash] = true
			d.scopes = append(d.scopes, model.ScopeDesc{Hash: hash, Name: r.name, Filename: r.file, Line: r.line})
		}
		d.events = append(d.events,
			asyncEvent{spanID: r.spanID, scopeHash: hash, timeMs: p.ms(r.beginNs), kind: asyncBegin},
			asyncEvent{spanID: r.spanID, scopeHash: hash, timeMs: p.ms(r.endNs), kind: asyncEnd},
		)
	}
	slices.SortStableFunc(d.events, func(a, b asyncEvent) int { return cmp.Compare(a.timeMs, b.timeMs) })
	return d
}

func (d blockAsyncData) stats(blockID string) model.AsyncBlockStats {
	st := model.AsyncBlockStats{BlockID: blockID, NbEvents: len(d.events)}
	if len(d.events) > 0 {
		st.BeginMs = d.events[0].timeMs
		st.EndMs = d.events[len(d.events)-1].timeMs
	}
	return st
}

// FetchBlockAsyncStats summarizes the async events of a span block.
func (s *Store) FetchBlockAsyncStats(ctx context.Context, processID, blockID string) (model.AsyncBlockStats, error) {
	b, err := s.spanBlockOf(ctx, processID, blockID)
	if err != nil {
		return model.AsyncBlockStats{}, err
	}
	return b.async.stats(blockID), nil
}

// FetchAsyncSpans pairs the async events of the requested blocks into spans
// overlapping one section. Spans crossing the section edges are clipped to
// them, as are spans whose other half lives in a block that was not asked
// for. Only lod 0 exists.
func (s *Store) FetchAsyncSpans(ctx context.Context, req dataservice.AsyncSpansRequest) (*dataservice.AsyncSpansReply, error) {
	if req.Lod != 0 {
		return nil, fmt.Errorf("async spans: lod %d not supported", req.Lod)
	}
	reply := &dataservice.AsyncSpansReply{Section: req.Section, Lod: req.Lod}
	if len(req.BlockIDs) == 0 {
		return reply, nil
	}
	builder := newAsyncSpanBuilder(dataservice.AsyncSection(req.Section))
	for _, id := range req.BlockIDs {
		b, err := s.spanBlockOf(ctx, req.ProcessID, id)
		if err != nil {
			return nil, err
		}
		if err := builder.add(b.async); err != nil {
			return nil, fmt.Errorf("block %s: %w", id, err)
		}
	}
	spans := builder.finish()
	reply.Tracks = layoutAsyncSpans(spans)
	reply.Scopes = builder.scopes
	return reply, nil
}

func (s *Store) spanBlockOf(ctx context.Context, processID, blockID string) (*spanBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	b, ok := s.spanBlocks[blockID]
	s.mu.Unlock()
	if !ok || b.processID != processID {
		return nil, fmt.Errorf("span block %q of process %q: %w", blockID, processID, dataservice.ErrNotFound)
	}
	return b, nil
}

type asyncSpanBuilder struct {
	section   model.TimeRange
	unmatched map[uint64]asyncEvent
	spans     []model.AsyncSpan
	scopes    []model.ScopeDesc
	seen      map[uint32]bool
}

func newAsyncSpanBuilder(section model.TimeRange) *asyncSpanBuilder {
	return &asyncSpanBuilder{
		section:   section,
		unmatched: make(map[uint64]asyncEvent),
		seen:      make(map[uint32]bool),
	}
}

func (b *asyncSpanBuilder) add(d blockAsyncData) error {
	for _, sc := range d.scopes {
		if !b.seen[sc.Hash] {
			b.seen[sc.Hash] = true
			b.scopes = append(b.scopes, sc)
		}
	}
	for _, evt := range d.events {
		other, ok := b.unmatched[evt.spanID]
		if !ok {
			b.unmatched[evt.spanID] = evt
			continue
		}
		if other.kind == evt.kind {
			return fmt.Errorf("duplicate %s event for span %016x", evt.kind, evt.spanID)
		}
		delete(b.unmatched, evt.spanID)
		begin, end := other, evt
		if evt.kind == asyncBegin {
			begin, end = evt, other
		}
		b.record(evt.spanID, begin.timeMs, end.timeMs, evt.scopeHash)
	}
	return nil
}

func (b *asyncSpanBuilder) record(spanID uint64, beginMs, endMs float64, scopeHash uint32) {
	if !b.section.Overlaps(model.TimeRange{BeginMs: beginMs, EndMs: endMs}) {
		return
	}
	b.spans = append(b.spans, model.AsyncSpan{
		SpanID:    spanID,
		ScopeHash: scopeHash,
		BeginMs:   max(beginMs, b.section.BeginMs),
		EndMs:     min(endMs, b.section.EndMs),
		Alpha:     255,
	})
}

// finish closes half seen spans at the section edge and returns every span
// sorted by begin time.
func (b *asyncSpanBuilder) finish() []model.AsyncSpan {
	for id, evt := range b.unmatched {
		if evt.kind == asyncBegin {
			b.record(id, evt.timeMs, b.section.EndMs, evt.scopeHash)
		} else {
			b.record(id, b.section.BeginMs, evt.timeMs, evt.scopeHash)
		}
	}
	clear(b.unmatched)
	slices.SortFunc(b.spans, func(x, y model.AsyncSpan) int {
		if c := cmp.Compare(x.BeginMs, y.BeginMs); c != 0 {
			return c
		}
		return cmp.Compare(x.SpanID, y.SpanID)
	})
	return b.spans
}

// layoutAsyncSpans puts each span in the first track whose last span has
// ended. spans must be sorted by begin time.
func layoutAsyncSpans(spans []model.AsyncSpan) []model.AsyncSpanTrack {
	var tracks []model.AsyncSpanTrack
	for _, sp := range spans {
		i := slices.IndexFunc(tracks, func(t model.AsyncSpanTrack) bool {
			return t.Spans[len(t.Spans)-1].EndMs <= sp.BeginMs
		})
		if i < 0 {
			i = len(tracks)
			tracks = append(tracks, model.AsyncSpanTrack{})
		}
		tracks[i].Spans = append(tracks[i].Spans, sp)
	}
	return tracks
}

func (k asyncEventKind) String() string {
	if k == asyncBegin {
		return "begin"
	}
	return "end"
}
