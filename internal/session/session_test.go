package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/goleak"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/orchestrator"
	"github.com/tobert/tracelod/internal/prefs"
	"github.com/tobert/tracelod/internal/viewport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const baseNs = int64(1_700_000_000_000_000_000)

func strKV(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func span(name, thread string, beginMs, endMs int64) *tracepb.Span {
	return &tracepb.Span{
		Name:              name,
		StartTimeUnixNano: uint64(baseNs + beginMs*1_000_000),
		EndTimeUnixNano:   uint64(baseNs + endMs*1_000_000),
		Attributes:        []*commonpb.KeyValue{strKV("thread.id", thread)},
	}
}

// testStore holds one process "svc" with two threads spanning [0, 1000]ms
// and an fps gauge.
func testStore(t *testing.T) *blockstore.Store {
	t.Helper()
	store, err := blockstore.New(blockstore.Config{SpansPerBlock: 10})
	require.NoError(t, err)

	var spans []*tracepb.Span
	for i := int64(0); i < 10; i++ {
		spans = append(spans,
			span("frame", "main", i*100, i*100+90),
			span("update", "main", i*100+5, i*100+40),
			span("load", "io", i*100+10, i*100+60),
		)
	}
	res := &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strKV("service.name", "svc")}}
	require.NoError(t, store.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{{
		Resource:   res,
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
	}}))

	var dps []*metricspb.NumberDataPoint
	for i := int64(0); i <= 10; i++ {
		dps = append(dps, &metricspb.NumberDataPoint{
			TimeUnixNano: uint64(baseNs + i*100*1_000_000),
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(60 - i)},
		})
	}
	require.NoError(t, store.ReceiveMetrics(context.Background(), []*metricspb.ResourceMetrics{{
		Resource: res,
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{
			Name: "fps",
			Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: dps}},
		}}}},
	}}))
	store.Flush()
	return store
}

// startSession runs the session's orchestrator until the test ends.
func startSession(t *testing.T, client dataservice.Client, opts Options) *Session {
	t.Helper()
	if opts.WidthPx == 0 {
		opts.WidthPx = 1000
	}
	s := New(client, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestLoadAndRender(t *testing.T) {
	s := startSession(t, testStore(t), Options{})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
	waitIdle(t, s)

	st := s.State()
	assert.True(t, st.Ready)
	assert.Equal(t, "svc", st.ProcessID)
	assert.Equal(t, 3, st.Streams)
	assert.Equal(t, 3, st.SpanBlocks)
	assert.Equal(t, model.TimeRange{BeginMs: 0, EndMs: 1000}, st.View)
	require.NotNil(t, st.DataRange)
	assert.Equal(t, 2, st.Lod, "1ms per pixel")
	require.Len(t, st.Metrics, 1)
	assert.False(t, st.Metrics[0].Enabled)
	assert.Positive(t, st.Counters.SpansLoaded)
	assert.Zero(t, st.Counters.PointsLoaded)
	assert.Zero(t, st.Fetch.Failed)
	assert.True(t, st.Idle)

	var buf bytes.Buffer
	stats := s.RenderSVG(&buf, 400)
	assert.Equal(t, 2, stats.Lanes)
	assert.Positive(t, stats.SpansDrawn)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<?xml"), out[:min(len(out), 40)])
	assert.Contains(t, out, "<title>svc svc</title>")
	assert.Contains(t, out, "</svg>")

	assert.Error(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
}

func TestLoad_DeepLinkBounds(t *testing.T) {
	s := startSession(t, testStore(t), Options{})
	begin, end := 200.0, 300.0
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{ProcessID: "svc", Begin: &begin, End: &end}))
	waitIdle(t, s)
	assert.Equal(t, model.TimeRange{BeginMs: 200, EndMs: 300}, s.State().View)
}

func TestLoad_ProcessNotFound(t *testing.T) {
	s := startSession(t, testStore(t), Options{})
	err := s.Load(context.Background(), "nope", viewport.DeepLink{})
	assert.ErrorIs(t, err, dataservice.ErrNotFound)
	assert.False(t, s.State().Ready)
}

// flakyStreams fails block listing for one stream.
type flakyStreams struct {
	dataservice.Client
	broken string
}

func (f *flakyStreams) ListStreamBlocks(ctx context.Context, streamID string) ([]model.BlockMetadata, error) {
	if streamID == f.broken {
		return nil, errors.New("connection reset")
	}
	return f.Client.ListStreamBlocks(ctx, streamID)
}

func TestLoad_PartialFailure(t *testing.T) {
	s := startSession(t, &flakyStreams{Client: testStore(t), broken: "svc/io"}, Options{})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
	waitIdle(t, s)

	st := s.State()
	assert.True(t, st.Ready)
	require.Len(t, st.LoadErrors, 1)
	assert.Contains(t, st.LoadErrors[0], "svc/io")
	assert.Equal(t, 2, st.SpanBlocks, "only the main thread blocks")
}

func TestPanAndSelection(t *testing.T) {
	s := startSession(t, testStore(t), Options{})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))

	s.OnMouseDown(MouseEvent{X: 100, Shift: true})
	s.OnMouseMove(MouseEvent{X: 250, Shift: true})
	st := s.State()
	require.NotNil(t, st.Selection)
	assert.Empty(t, st.CallGraphLink, "no link while dragging")
	s.OnMouseUp(MouseEvent{X: 300, Shift: true})

	st = s.State()
	require.NotNil(t, st.Selection)
	assert.Equal(t, model.TimeRange{BeginMs: 100, EndMs: 300}, *st.Selection)
	assert.Equal(t, "/ui/callgraph?begin=100&end=300&process=svc", st.CallGraphLink)
	assert.Equal(t, model.TimeRange{BeginMs: 0, EndMs: 1000}, st.View, "selecting does not pan")

	s.OnMouseDown(MouseEvent{X: 500, Y: 50})
	s.OnMouseMove(MouseEvent{X: 400, Y: 80})
	s.OnMouseUp(MouseEvent{X: 400, Y: 80})
	st = s.State()
	assert.Equal(t, model.TimeRange{BeginMs: 100, EndMs: 1100}, st.View)
	assert.Zero(t, st.YOffset, "scrolling up past the top clamps")

	s.OnMouseMove(MouseEvent{X: 0})
	assert.Equal(t, st.View, s.State().View, "moves without a drag are ignored")

	g, err := s.CallGraph(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, model.TimeRange{BeginMs: 100, EndMs: 300}, g.Range)
	assert.Contains(t, g.Nodes, blockstore.ScopeHash("frame"))

	s.ClearSelection()
	_, err = s.CallGraph(context.Background(), nil)
	assert.Error(t, err)
}

func TestZoomAndMinimap(t *testing.T) {
	s := startSession(t, testStore(t), Options{})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))

	s.OnZoom(viewport.WheelEvent{DeltaY: -500, OffsetX: 500})
	v := s.State().View
	assert.Less(t, v.Width(), 1000.0)
	assert.InDelta(t, 500, (v.BeginMs+v.EndMs)/2, 1e-9, "zoom around the cursor")

	s.OnMinimapClick(800)
	v2 := s.State().View
	assert.InDelta(t, v.Width(), v2.Width(), 1e-9)
	assert.InDelta(t, 800, (v2.BeginMs+v2.EndMs)/2, 1e-9)

	s.SetCanvasWidth(10)
	assert.Equal(t, 10, s.State().WidthPx)

	require.Error(t, s.SetViewRange(model.TimeRange{BeginMs: 5, EndMs: 1}))
	require.NoError(t, s.SetViewRange(model.TimeRange{BeginMs: 10, EndMs: 20}))
	assert.Equal(t, model.TimeRange{BeginMs: 10, EndMs: 20}, s.State().View)

	s.ResetView()
	assert.Equal(t, model.TimeRange{BeginMs: 0, EndMs: 1000}, s.State().View)
	waitIdle(t, s)
}

func TestMetricToggle_Remembered(t *testing.T) {
	store := testStore(t)
	p := prefs.NewMemStore()

	s := startSession(t, store, Options{Prefs: p})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
	assert.ErrorIs(t, s.SetMetricEnabled("nope", true), ErrUnknownMetric)
	require.NoError(t, s.SetMetricEnabled("fps", true))
	waitIdle(t, s)
	assert.Equal(t, int64(11), s.State().Counters.PointsLoaded)

	names, err := prefs.LastUsedMetrics(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"fps"}, names)

	s2 := startSession(t, store, Options{Prefs: p})
	require.NoError(t, s2.Load(context.Background(), "svc", viewport.DeepLink{}))
	st := s2.State()
	require.Len(t, st.Metrics, 1)
	assert.True(t, st.Metrics[0].Enabled)
	waitIdle(t, s2)

	var buf bytes.Buffer
	stats := s2.RenderSVG(&buf, 400)
	assert.Equal(t, 3, stats.Lanes)
	assert.Positive(t, stats.PointsDrawn)
}

func TestSubscribe(t *testing.T) {
	s := New(testStore(t), Options{WidthPx: 1000})
	ch, unsubscribe := s.Subscribe()

	s.OnZoom(viewport.WheelEvent{DeltaY: -100, OffsetX: 10})
	s.OnZoom(viewport.WheelEvent{DeltaY: -100, OffsetX: 10})
	select {
	case <-ch:
	default:
		t.Fatal("expected a redraw signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	unsubscribe()
	s.ClearSelection()
	select {
	case <-ch:
		t.Fatal("no signal after unsubscribe")
	default:
	}
}

// addAsyncAndLogs gives "svc" overlapping client spans on the main thread
// and a few log records.
func addAsyncAndLogs(t *testing.T, store *blockstore.Store) {
	t.Helper()
	var spans []*tracepb.Span
	for i := int64(0); i < 10; i++ {
		sp := span("fetch", "main", i*100+20, i*100+150)
		sp.Kind = tracepb.Span_SPAN_KIND_CLIENT
		sp.SpanId = []byte{0, 0, 0, 0, 0, 0, 1, byte(i)}
		spans = append(spans, sp)
	}
	res := &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strKV("service.name", "svc")}}
	require.NoError(t, store.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{{
		Resource:   res,
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
	}}))

	var records []*logspb.LogRecord
	for i, sev := range []logspb.SeverityNumber{
		logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
		logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG,
		logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
		logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	} {
		records = append(records, &logspb.LogRecord{
			TimeUnixNano:   uint64(baseNs + int64(i)*200*1_000_000),
			SeverityNumber: sev,
			Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "tick"}},
		})
	}
	require.NoError(t, store.ReceiveLogs(context.Background(), []*logspb.ResourceLogs{{
		Resource:  res,
		ScopeLogs: []*logspb.ScopeLogs{{Scope: &commonpb.InstrumentationScope{Name: "game.loop"}, LogRecords: records}},
	}}))
	store.Flush()
}

func TestAsyncLane(t *testing.T) {
	store := testStore(t)
	addAsyncAndLogs(t, store)

	s := startSession(t, store, Options{Orchestrator: orchestrator.Options{AsyncSpans: true}})
	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
	waitIdle(t, s)

	st := s.State()
	assert.Equal(t, 4, st.Streams, "two threads, metrics and log")
	assert.Zero(t, st.Fetch.Failed)
	assert.GreaterOrEqual(t, st.Counters.AsyncSpansLoaded, int64(10))
	assert.Equal(t, 2, s.Registry().AsyncDepth(), "consecutive fetches overlap by 30ms")

	var buf bytes.Buffer
	stats := s.RenderSVG(&buf, 400)
	assert.Equal(t, 3, stats.Lanes)
	assert.Positive(t, stats.AsyncSpansDrawn)
}

func TestLog(t *testing.T) {
	store := testStore(t)
	addAsyncAndLogs(t, store)

	s := startSession(t, store, Options{})
	_, err := s.Log(context.Background(), dataservice.LogRequest{})
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, s.Load(context.Background(), "svc", viewport.DeepLink{}))
	n, err := s.LogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	page, err := s.Log(context.Background(), dataservice.LogRequest{ProcessID: "ignored", Level: model.LevelWarn})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, model.LevelWarn, page.Entries[0].Level)
	assert.Equal(t, model.LevelError, page.Entries[1].Level)
	assert.Equal(t, "game.loop", page.Entries[0].Target)
	assert.Equal(t, 5, page.Next)
	waitIdle(t, s)
}
