package blockstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
)

func asyncSpan(name string, id byte, kind tracepb.Span_SpanKind, beginMs, endMs int64) *tracepb.Span {
	sp := testSpan(name, beginMs, endMs)
	sp.SpanId = []byte{0, 0, 0, 0, 0, 0, 0, id}
	sp.Kind = kind
	return sp
}

func TestAsyncSpans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})
	require.NoError(t, s.ReceiveSpans(ctx, []*tracepb.ResourceSpans{
		testResourceSpans([]*commonpb.KeyValue{strKV("service.name", "svc")}, "main",
			testSpan("frame", 0, 10),
			asyncSpan("fetch", 1, tracepb.Span_SPAN_KIND_CLIENT, 2, 1500),
			asyncSpan("query", 2, tracepb.Span_SPAN_KIND_CLIENT, 5, 20),
			asyncSpan("publish", 3, tracepb.Span_SPAN_KIND_PRODUCER, 30, 40),
		),
	}))
	s.Flush()

	blocks, err := s.ListStreamBlocks(ctx, "svc/main")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	blockID := blocks[0].BlockID
	assert.Equal(t, 4, blocks[0].NbObjects)
	assert.Equal(t, 1500.0, blocks[0].EndMs, "async spans widen the block")

	stats, err := s.FetchBlockAsyncStats(ctx, "svc", blockID)
	require.NoError(t, err)
	assert.Equal(t, model.AsyncBlockStats{BlockID: blockID, BeginMs: 2, EndMs: 1500, NbEvents: 6}, stats)

	reply, err := s.FetchAsyncSpans(ctx, dataservice.AsyncSpansRequest{ProcessID: "svc", Section: 0, BlockIDs: []string{blockID}})
	require.NoError(t, err)
	require.Len(t, reply.Tracks, 2)
	require.Len(t, reply.Tracks[0].Spans, 1)
	fetch := reply.Tracks[0].Spans[0]
	assert.Equal(t, uint64(1), fetch.SpanID)
	assert.Equal(t, 2.0, fetch.BeginMs)
	assert.Equal(t, 1000.0, fetch.EndMs, "clipped to the section")
	assert.Equal(t, ScopeHash("fetch"), fetch.ScopeHash)
	require.Len(t, reply.Tracks[1].Spans, 2, "publish reuses the track query ended on")
	assert.Equal(t, uint64(2), reply.Tracks[1].Spans[0].SpanID)
	assert.Equal(t, uint64(3), reply.Tracks[1].Spans[1].SpanID)
	assert.Len(t, reply.Scopes, 3)

	reply, err = s.FetchAsyncSpans(ctx, dataservice.AsyncSpansRequest{ProcessID: "svc", Section: 1, BlockIDs: []string{blockID}})
	require.NoError(t, err)
	require.Len(t, reply.Tracks, 1)
	assert.Equal(t, model.AsyncSpan{SpanID: 1, ScopeHash: ScopeHash("fetch"), BeginMs: 1000, EndMs: 1500, Alpha: 255}, reply.Tracks[0].Spans[0])

	reply, err = s.FetchAsyncSpans(ctx, dataservice.AsyncSpansRequest{ProcessID: "svc", Section: 3})
	require.NoError(t, err)
	assert.Empty(t, reply.Tracks)

	_, err = s.FetchAsyncSpans(ctx, dataservice.AsyncSpansRequest{ProcessID: "svc", Lod: 1, BlockIDs: []string{blockID}})
	assert.Error(t, err)
	_, err = s.FetchBlockAsyncStats(ctx, "other", blockID)
	assert.ErrorIs(t, err, dataservice.ErrNotFound)
}

func TestAsyncSpanBuilder(t *testing.T) {
	b := newAsyncSpanBuilder(model.TimeRange{BeginMs: 0, EndMs: 100})
	require.NoError(t, b.add(blockAsyncData{events: []asyncEvent{
		{spanID: 2, timeMs: 20, kind: asyncEnd},
		{spanID: 1, timeMs: 50, kind: asyncBegin},
		{spanID: 3, timeMs: 150, kind: asyncBegin},
	}}))
	spans := b.finish()
	require.Len(t, spans, 2, "spans outside the section are dropped")
	assert.Equal(t, uint64(2), spans[0].SpanID)
	assert.Equal(t, 0.0, spans[0].BeginMs, "a lone end starts at the section edge")
	assert.Equal(t, uint64(1), spans[1].SpanID)
	assert.Equal(t, 100.0, spans[1].EndMs, "a lone begin ends at the section edge")

	b = newAsyncSpanBuilder(model.TimeRange{BeginMs: 0, EndMs: 100})
	err := b.add(blockAsyncData{events: []asyncEvent{
		{spanID: 7, timeMs: 10, kind: asyncBegin},
		{spanID: 7, timeMs: 20, kind: asyncBegin},
	}})
	assert.ErrorContains(t, err, "duplicate begin event")
}

func TestLayoutAsyncSpans(t *testing.T) {
	tracks := layoutAsyncSpans([]model.AsyncSpan{
		{SpanID: 1, BeginMs: 0, EndMs: 10},
		{SpanID: 2, BeginMs: 5, EndMs: 8},
		{SpanID: 3, BeginMs: 8, EndMs: 9},
		{SpanID: 4, BeginMs: 10, EndMs: 12},
	})
	require.Len(t, tracks, 2)
	ids := func(tr model.AsyncSpanTrack) []uint64 {
		var out []uint64
		for _, sp := range tr.Spans {
			out = append(out, sp.SpanID)
		}
		return out
	}
	assert.Equal(t, []uint64{1, 4}, ids(tracks[0]))
	assert.Equal(t, []uint64{2, 3}, ids(tracks[1]))
}

func TestSpanIDOf(t *testing.T) {
	assert.Equal(t, uint64(0x0102), spanIDOf([]byte{1, 2}))
	assert.Equal(t, uint64(0x0102030405060708), spanIDOf([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	assert.Zero(t, spanIDOf(nil))
}
