package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClient answers span, metric and async fetches through the
// configured functions; everything else is unused by the orchestrator.
type stubClient struct {
	spans      func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error)
	metric     func(ctx context.Context, req dataservice.MetricRequest) (model.MetricBlockData, error)
	asyncStats func(ctx context.Context, blockID string) (model.AsyncBlockStats, error)
	asyncSpans func(ctx context.Context, req dataservice.AsyncSpansRequest) (*dataservice.AsyncSpansReply, error)
}

func (s *stubClient) ListRecentProcesses(context.Context) ([]model.Process, error) { return nil, nil }
func (s *stubClient) FindProcess(context.Context, string) (model.Process, error) {
	return model.Process{}, dataservice.ErrNotFound
}
func (s *stubClient) ListProcessStreams(context.Context, string) ([]model.Stream, error) {
	return nil, nil
}
func (s *stubClient) ListStreamBlocks(context.Context, string) ([]model.BlockMetadata, error) {
	return nil, nil
}
func (s *stubClient) FetchBlockSpans(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
	return s.spans(ctx, req)
}
func (s *stubClient) ListProcessMetrics(context.Context, string) ([]model.MetricDesc, error) {
	return nil, nil
}
func (s *stubClient) FetchBlockMetricManifest(context.Context, string, string) (model.MetricBlockManifest, error) {
	return model.MetricBlockManifest{}, nil
}
func (s *stubClient) FetchBlockMetric(ctx context.Context, req dataservice.MetricRequest) (model.MetricBlockData, error) {
	return s.metric(ctx, req)
}

func (s *stubClient) SearchProcesses(context.Context, string) ([]model.Process, error) {
	return nil, nil
}
func (s *stubClient) ListProcessChildren(context.Context, string) ([]model.Process, error) {
	return nil, nil
}
func (s *stubClient) ListProcessLogEntries(context.Context, dataservice.LogRequest) (*dataservice.LogReply, error) {
	return &dataservice.LogReply{}, nil
}
func (s *stubClient) CountProcessLogEntries(context.Context, string) (int, error) { return 0, nil }
func (s *stubClient) FetchBlockAsyncStats(ctx context.Context, _ string, blockID string) (model.AsyncBlockStats, error) {
	if s.asyncStats == nil {
		return model.AsyncBlockStats{}, errors.New("async stats not expected")
	}
	return s.asyncStats(ctx, blockID)
}
func (s *stubClient) FetchAsyncSpans(ctx context.Context, req dataservice.AsyncSpansRequest) (*dataservice.AsyncSpansReply, error) {
	if s.asyncSpans == nil {
		return nil, errors.New("async spans not expected")
	}
	return s.asyncSpans(ctx, req)
}

func okSpans(req dataservice.SpansRequest) *dataservice.SpansReply {
	return &dataservice.SpansReply{
		BlockID: req.BlockID,
		Scopes:  []model.ScopeDesc{{Hash: 1, Name: "main"}},
		Lod: &model.SpanBlockLod{LodID: req.Lod, Tracks: []model.SpanTrack{
			{Spans: []model.Span{{BeginMs: 0, EndMs: 10, ScopeHash: 1, Alpha: 255}}},
		}},
	}
}

// newRegistry has one cpu stream with n contiguous 100ms blocks.
func newRegistry(n int) *registry.Registry {
	reg := registry.New(3)
	reg.SetProcess(model.Process{ID: "p1"})
	reg.AddStream(model.Stream{ID: "s1", ProcessID: "p1", Tags: []string{model.TagCPU}})
	for i := range n {
		reg.AddSpanBlock(model.BlockMetadata{
			BlockID:  fmt.Sprintf("b%d", i),
			StreamID: "s1",
			BeginMs:  float64(i * 100),
			EndMs:    float64((i + 1) * 100),
		})
	}
	return reg
}

// start runs o until the test ends.
func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.WaitIdle(ctx))
}

func TestConcurrencyCap(t *testing.T) {
	started := make(chan string, 10)
	gate := make(chan struct{})
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		started <- req.BlockID
		select {
		case <-gate:
			return okSpans(req), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	reg := newRegistry(5)
	o := New(client, reg, Options{Concurrency: 2})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 500}, WidthPx: 500})

	for range 2 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("expected two fetches to start")
		}
	}
	select {
	case id := <-started:
		t.Fatalf("third fetch %s dispatched before a slot was released", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(2), o.Stats().InFlight)
	assert.False(t, o.Idle())

	gate <- struct{}{}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("third fetch never dispatched after a completion")
	}

	close(gate)
	waitIdle(t, o)

	st := o.Stats()
	assert.Equal(t, Stats{Requested: 5, Completed: 5}, st)
	for _, b := range reg.SpanBlocks() {
		assert.NotEmpty(t, b.LoadedLods(), "block %s", b.Meta.BlockID)
	}
	assert.Equal(t, int64(5), reg.Counters().SpansLoaded)
	assert.Equal(t, 1, reg.NumScopes())
}

func TestOnlyBlocksInViewAreFetched(t *testing.T) {
	var calls sync.Map
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		calls.Store(req.BlockID, req.Lod)
		return okSpans(req), nil
	}}
	reg := newRegistry(5)
	o := New(client, reg, Options{Concurrency: 4})
	start(t, o)

	o.SetView(View{Range: model.TimeRange{BeginMs: 150, EndMs: 250}, WidthPx: 100})
	waitIdle(t, o)

	var fetched []string
	calls.Range(func(k, v any) bool {
		fetched = append(fetched, k.(string))
		assert.Equal(t, 2, v, "1 ms per pixel is lod 2")
		return true
	})
	assert.ElementsMatch(t, []string{"b1", "b2"}, fetched)

	// Zooming out to the whole range fetches every block at a coarser
	// LOD and leaves the fine ones in place.
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 500}, WidthPx: 1})
	waitIdle(t, o)
	b1, _ := reg.SpanBlock("b1")
	assert.Equal(t, []int{2, 3}, b1.LoadedLods())
	assert.Equal(t, int64(7), o.Stats().Completed)
}

func TestFailedFetchRetriesUntilBudget(t *testing.T) {
	var attempts atomic.Int32
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset")
	}}
	reg := newRegistry(1)
	o := New(client, reg, Options{Concurrency: 1})
	start(t, o)

	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 100}, WidthPx: 100})
	waitIdle(t, o)

	assert.Equal(t, int32(registry.DefaultMaxFetchAttempts), attempts.Load())
	b, _ := reg.SpanBlock("b0")
	assert.Equal(t, registry.Failed, b.State(2))
	assert.Equal(t, Stats{Requested: 3, Failed: 3}, o.Stats())

	// Failed cells stay failed on later passes.
	o.Kick()
	waitIdle(t, o)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMalformedReplyIsAFailure(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return &dataservice.SpansReply{BlockID: req.BlockID}, nil
	}}
	reg := registry.New(1)
	reg.SetProcess(model.Process{ID: "p1"})
	reg.AddStream(model.Stream{ID: "s1"})
	b := reg.AddSpanBlock(model.BlockMetadata{BlockID: "b0", StreamID: "s1", BeginMs: 0, EndMs: 10})

	o := New(client, reg, Options{})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 10}, WidthPx: 10})
	waitIdle(t, o)

	assert.Equal(t, registry.Failed, b.State(2))
	assert.Equal(t, int64(1), o.Stats().Failed)
}

func TestFetchTimeoutFreesSlot(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		if req.BlockID == "b0" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okSpans(req), nil
	}}
	reg := registry.New(1)
	reg.SetProcess(model.Process{ID: "p1"})
	reg.AddStream(model.Stream{ID: "s1"})
	reg.AddSpanBlock(model.BlockMetadata{BlockID: "b0", StreamID: "s1", BeginMs: 0, EndMs: 10})
	reg.AddSpanBlock(model.BlockMetadata{BlockID: "b1", StreamID: "s1", BeginMs: 10, EndMs: 20})

	o := New(client, reg, Options{Concurrency: 1, FetchTimeout: 20 * time.Millisecond})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 20}, WidthPx: 20})
	waitIdle(t, o)

	b1, _ := reg.SpanBlock("b1")
	assert.Equal(t, registry.Loaded, b1.State(2), "the hung fetch did not hold the only slot forever")
}

func TestMissingStreamIsSkipped(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		t.Errorf("unexpected fetch of %s", req.BlockID)
		return nil, errors.New("unexpected")
	}}
	reg := registry.New(3)
	reg.SetProcess(model.Process{ID: "p1"})
	reg.AddSpanBlock(model.BlockMetadata{BlockID: "orphan", StreamID: "gone", BeginMs: 0, EndMs: 10})

	o := New(client, reg, Options{})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 10}, WidthPx: 10})
	waitIdle(t, o)
	assert.Zero(t, o.Stats().Requested)
}

func TestMetricsGatedByEnabledFlag(t *testing.T) {
	var calls atomic.Int32
	client := &stubClient{metric: func(ctx context.Context, req dataservice.MetricRequest) (model.MetricBlockData, error) {
		calls.Add(1)
		assert.Equal(t, "p1", req.ProcessID)
		assert.Equal(t, "cpu", req.MetricName)
		return model.MetricBlockData{BlockID: req.BlockID, Lod: req.Lod, Points: []model.MetricPoint{{TimeMs: 5, Value: 1}}}, nil
	}}
	reg := registry.New(3)
	reg.SetProcess(model.Process{ID: "p1"})
	reg.AddMetricManifest(model.MetricBlockManifest{
		Block:   model.BlockMetadata{BlockID: "m0", StreamID: "ms", BeginMs: 0, EndMs: 10},
		Metrics: []model.MetricDesc{{Name: "cpu"}},
	})

	var merges atomic.Int32
	o := New(client, reg, Options{OnMerge: func() { merges.Add(1) }})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 10}, WidthPx: 10})
	waitIdle(t, o)
	assert.Zero(t, calls.Load(), "disabled metrics are never fetched")

	require.True(t, reg.SetMetricEnabled("cpu", true))
	o.Kick()
	waitIdle(t, o)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), merges.Load())
	assert.Equal(t, int64(1), reg.Counters().PointsLoaded)
}

func TestIdleWithoutView(t *testing.T) {
	o := New(&stubClient{}, registry.New(3), Options{})
	start(t, o)
	o.Kick()
	waitIdle(t, o)
	assert.True(t, o.Idle())
}

// A view set while a pass is still scanning must be loaded before
// WaitIdle returns, even when the older pass finds nothing to do.
func TestWaitIdleCoversLatestView(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return okSpans(req), nil
	}}
	const n = 100_000
	reg := newRegistry(n)
	o := New(client, reg, Options{Concurrency: 4})
	start(t, o)

	for i := range 25 {
		idx := (i * 3989) % n
		o.SetView(View{Range: model.TimeRange{BeginMs: float64(idx * 100), EndMs: float64(idx*100 + 100)}, WidthPx: 100})
		waitIdle(t, o)
		b, ok := reg.SpanBlock(fmt.Sprintf("b%d", idx))
		require.True(t, ok)
		require.NotEmpty(t, b.LoadedLods(), "block b%d still missing after WaitIdle", idx)
	}
}

func TestWaitIdleAfterViewChangedOnMerge(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return okSpans(req), nil
	}}
	reg := newRegistry(10_000)
	var o *Orchestrator
	var once sync.Once
	o = New(client, reg, Options{Concurrency: 2, OnMerge: func() {
		once.Do(func() {
			o.SetView(View{Range: model.TimeRange{BeginMs: 900_000, EndMs: 900_100}, WidthPx: 100})
		})
	}})
	start(t, o)

	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 100}, WidthPx: 100})
	waitIdle(t, o)

	b, _ := reg.SpanBlock("b9000")
	assert.NotEmpty(t, b.LoadedLods())
}

// asyncRecorder serves async stats with events everywhere but in the
// blocks listed as empty, and counts the calls it sees.
type asyncRecorder struct {
	mu       sync.Mutex
	stats    []string
	sections []dataservice.AsyncSpansRequest
	empty    map[string]bool
}

func (r *asyncRecorder) install(c *stubClient) {
	c.asyncStats = func(ctx context.Context, blockID string) (model.AsyncBlockStats, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.stats = append(r.stats, blockID)
		if r.empty[blockID] {
			return model.AsyncBlockStats{BlockID: blockID}, nil
		}
		var i int
		fmt.Sscanf(blockID, "b%d", &i)
		return model.AsyncBlockStats{BlockID: blockID, BeginMs: float64(i*100 + 10), EndMs: float64(i*100 + 90), NbEvents: 2}, nil
	}
	c.asyncSpans = func(ctx context.Context, req dataservice.AsyncSpansRequest) (*dataservice.AsyncSpansReply, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sections = append(r.sections, req)
		var spans []model.AsyncSpan
		for i := range req.BlockIDs {
			spans = append(spans, model.AsyncSpan{SpanID: uint64(i + 1), BeginMs: float64(i * 100), EndMs: float64(i*100 + 50), Alpha: 255})
		}
		return &dataservice.AsyncSpansReply{Section: req.Section, Tracks: []model.AsyncSpanTrack{{Spans: spans}}}, nil
	}
}

func (r *asyncRecorder) snapshot() ([]string, []dataservice.AsyncSpansRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stats...), append([]dataservice.AsyncSpansRequest(nil), r.sections...)
}

func TestAsyncStatsWaitForSpanLod(t *testing.T) {
	started := make(chan string, 10)
	gate := make(chan struct{})
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		started <- req.BlockID
		select {
		case <-gate:
			return okSpans(req), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	rec := &asyncRecorder{empty: map[string]bool{"b1": true}}
	rec.install(client)

	reg := newRegistry(3)
	o := New(client, reg, Options{AsyncSpans: true})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 300}, WidthPx: 300})

	for range 3 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("span fetches were not dispatched")
		}
	}
	time.Sleep(50 * time.Millisecond)
	stats, sections := rec.snapshot()
	assert.Empty(t, stats, "async stats must wait for the span lod")
	assert.Empty(t, sections)
	assert.False(t, o.Idle())

	close(gate)
	waitIdle(t, o)

	stats, sections = rec.snapshot()
	assert.ElementsMatch(t, []string{"b0", "b1", "b2"}, stats)
	require.Len(t, sections, 1)
	assert.Equal(t, 0, sections[0].Section)
	assert.Equal(t, "p1", sections[0].ProcessID)
	assert.Equal(t, []string{"b0", "b2"}, sections[0].BlockIDs, "blocks without async events are left out")

	secs := reg.AsyncSections()
	require.Len(t, secs, 1)
	assert.Equal(t, registry.Loaded, secs[0].State())
	assert.Equal(t, int64(2), reg.Counters().AsyncSpansLoaded)
	assert.Equal(t, 1, reg.AsyncDepth())
}

func TestAsyncSectionWithoutEventsIsNotFetched(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return okSpans(req), nil
	}}
	rec := &asyncRecorder{empty: map[string]bool{"b0": true, "b1": true}}
	rec.install(client)

	reg := newRegistry(2)
	o := New(client, reg, Options{AsyncSpans: true})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 200}, WidthPx: 200})
	waitIdle(t, o)

	stats, sections := rec.snapshot()
	assert.Len(t, stats, 2)
	assert.Empty(t, sections)
	secs := reg.AsyncSections()
	require.Len(t, secs, 1)
	assert.Equal(t, registry.Loaded, secs[0].State())
	tracks, ok := secs[0].Tracks()
	assert.True(t, ok)
	assert.Empty(t, tracks)
}

func TestAsyncStatsFailureDoesNotBlockSection(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return okSpans(req), nil
	}}
	rec := &asyncRecorder{}
	rec.install(client)
	serve := client.asyncStats
	var b1Calls atomic.Int32
	client.asyncStats = func(ctx context.Context, blockID string) (model.AsyncBlockStats, error) {
		if blockID == "b1" {
			b1Calls.Add(1)
			return model.AsyncBlockStats{}, errors.New("stats unavailable")
		}
		return serve(ctx, blockID)
	}

	reg := newRegistry(2)
	o := New(client, reg, Options{AsyncSpans: true})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: 200}, WidthPx: 200})
	waitIdle(t, o)

	b1, _ := reg.SpanBlock("b1")
	assert.Equal(t, registry.Failed, b1.AsyncStatsState())
	assert.Equal(t, int32(3), b1Calls.Load())

	_, sections := rec.snapshot()
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"b0"}, sections[0].BlockIDs)
}

func TestAsyncSkippedForWideViews(t *testing.T) {
	client := &stubClient{spans: func(ctx context.Context, req dataservice.SpansRequest) (*dataservice.SpansReply, error) {
		return okSpans(req), nil
	}}
	rec := &asyncRecorder{}
	rec.install(client)

	n := (MaxAsyncSections + 1) * 10
	reg := newRegistry(n)
	o := New(client, reg, Options{AsyncSpans: true})
	start(t, o)
	o.SetView(View{Range: model.TimeRange{BeginMs: 0, EndMs: float64(n * 100)}, WidthPx: 1000})
	waitIdle(t, o)

	stats, sections := rec.snapshot()
	assert.Empty(t, stats)
	assert.Empty(t, sections)
	assert.Empty(t, reg.AsyncSections())
}
