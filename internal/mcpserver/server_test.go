package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/session"
	"github.com/tobert/tracelod/internal/webui"
)

const baseNs = uint64(1_700_000_000_000_000_000)

func strKV(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

// testStore holds process "svc": ten "frame" spans each wrapping an
// "update" on one thread over [0, 1000]ms, and a gauge.
func testStore(t *testing.T) *blockstore.Store {
	t.Helper()
	store, err := blockstore.New(blockstore.Config{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	var spans []*tracepb.Span
	var dps []*metricspb.NumberDataPoint
	for i := uint64(0); i < 10; i++ {
		spans = append(spans,
			&tracepb.Span{Name: "frame", StartTimeUnixNano: baseNs + i*100_000_000, EndTimeUnixNano: baseNs + i*100_000_000 + 90_000_000},
			&tracepb.Span{Name: "update", StartTimeUnixNano: baseNs + i*100_000_000 + 5_000_000, EndTimeUnixNano: baseNs + i*100_000_000 + 40_000_000},
		)
		dps = append(dps, &metricspb.NumberDataPoint{
			TimeUnixNano: baseNs + i*100_000_000,
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(i)},
		})
	}
	spans[len(spans)-2].EndTimeUnixNano = baseNs + 1000_000_000
	res := &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strKV("service.name", "svc")}}
	ctx := context.Background()
	if err := store.ReceiveSpans(ctx, []*tracepb.ResourceSpans{{
		Resource:   res,
		ScopeSpans: []*tracepb.ScopeSpans{{Scope: &commonpb.InstrumentationScope{Name: "main"}, Spans: spans}},
	}}); err != nil {
		t.Fatalf("receive spans: %v", err)
	}
	if err := store.ReceiveMetrics(ctx, []*metricspb.ResourceMetrics{{
		Resource: res,
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{
			Name: "queue.depth",
			Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: dps}},
		}}}},
	}}); err != nil {
		t.Fatalf("receive metrics: %v", err)
	}
	store.Flush()
	return store
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := testStore(t)
	host := webui.New(store, webui.Config{Session: session.Options{WidthPx: 1000}})
	t.Cleanup(host.Close)

	srv, err := NewServer(store, host, ServerOptions{Store: store, OTLPEndpoint: "127.0.0.1:4317"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func openSvc(t *testing.T, srv *Server) session.State {
	t.Helper()
	_, st, err := srv.handleOpenProcess(context.Background(), nil, OpenProcessInput{ProcessID: "svc"})
	if err != nil {
		t.Fatalf("open_process: %v", err)
	}
	return st
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestServerCreation(t *testing.T) {
	store := testStore(t)
	host := webui.New(store, webui.Config{})

	if _, err := NewServer(nil, host, ServerOptions{}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewServer(store, nil, ServerOptions{}); err == nil {
		t.Error("expected error for nil host")
	}

	srv, err := NewServer(store, host, ServerOptions{})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if srv.MCPServer() == nil {
		t.Fatal("mcp server is nil")
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, out, err := srv.handleGetOTLPEndpoint(context.Background(), nil, GetOTLPEndpointInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Endpoint != "127.0.0.1:4317" {
		t.Errorf("expected configured endpoint, got %q", out.Endpoint)
	}
	if out.EnvironmentVars["OTEL_EXPORTER_OTLP_ENDPOINT"] != out.Endpoint {
		t.Errorf("env var does not match endpoint: %v", out.EnvironmentVars)
	}
}

func TestListProcesses(t *testing.T) {
	srv := newTestServer(t)
	_, out, err := srv.handleListProcesses(context.Background(), nil, ListProcessesInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Processes) != 1 {
		t.Fatalf("expected 1 process, got %d", len(out.Processes))
	}
	p := out.Processes[0]
	if p.ProcessID != "svc" || p.Streams != 1 || p.Spans != 20 {
		t.Errorf("unexpected summary %+v", p)
	}
}

func TestToolsNeedOpenProcess(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, st, err := srv.handleTimelineStatus(ctx, nil, TimelineStatusInput{})
	if err != nil {
		t.Fatalf("timeline_status without a process: %v", err)
	}
	if st.Ready || !strings.Contains(toolText(t, res), "No process loaded") {
		t.Errorf("expected not-loaded status, got %q", toolText(t, res))
	}

	if _, _, err := srv.handleRenderTimeline(ctx, nil, RenderTimelineInput{}); err == nil {
		t.Error("expected render_timeline to fail before open_process")
	}
	if _, _, err := srv.handleZoom(ctx, nil, ZoomInput{DeltaY: -100}); err == nil {
		t.Error("expected zoom to fail before open_process")
	}
}

func TestOpenProcess(t *testing.T) {
	srv := newTestServer(t)

	if _, _, err := srv.handleOpenProcess(context.Background(), nil, OpenProcessInput{}); err == nil {
		t.Error("expected error for empty process_id")
	}
	begin := 100.0
	if _, _, err := srv.handleOpenProcess(context.Background(), nil, OpenProcessInput{ProcessID: "svc", BeginMs: &begin}); err == nil {
		t.Error("expected error for begin_ms without end_ms")
	}

	st := openSvc(t, srv)
	if !st.Ready || st.ProcessID != "svc" {
		t.Fatalf("expected svc to be ready, got %+v", st)
	}
	if st.View.BeginMs != 0 || st.View.EndMs != 1000 {
		t.Errorf("expected the whole process in view, got %s", st.View)
	}
	if st.Counters.SpansLoaded == 0 {
		t.Error("expected spans to be loaded after open_process")
	}
}

func TestViewTools(t *testing.T) {
	srv := newTestServer(t)
	openSvc(t, srv)
	ctx := context.Background()

	_, st, err := srv.handleSetViewRange(ctx, nil, SetViewRangeInput{BeginMs: 200, EndMs: 400})
	if err != nil {
		t.Fatalf("set_view_range: %v", err)
	}
	if st.View.BeginMs != 200 || st.View.EndMs != 400 {
		t.Errorf("expected view [200, 400], got %s", st.View)
	}

	if _, _, err := srv.handleSetViewRange(ctx, nil, SetViewRangeInput{BeginMs: 400, EndMs: 200}); err == nil {
		t.Error("expected error for inverted range")
	}

	_, st, err = srv.handleZoom(ctx, nil, ZoomInput{DeltaY: -100})
	if err != nil {
		t.Fatalf("zoom: %v", err)
	}
	if w := st.View.Width(); w >= 200 {
		t.Errorf("expected zoom in to narrow the view, width %g", w)
	}
	if st.View.BeginMs < 200 || st.View.EndMs > 400 {
		t.Errorf("zooming around the center should stay inside the old view, got %s", st.View)
	}

	_, st, err = srv.handleResetView(ctx, nil, ResetViewInput{})
	if err != nil {
		t.Fatalf("reset_view: %v", err)
	}
	if st.View.BeginMs != 0 || st.View.EndMs != 1000 {
		t.Errorf("expected reset to the whole process, got %s", st.View)
	}
}

func TestSetMetric(t *testing.T) {
	srv := newTestServer(t)
	openSvc(t, srv)

	_, st, err := srv.handleSetMetric(context.Background(), nil, SetMetricInput{Name: "queue.depth", Enabled: true})
	if err != nil {
		t.Fatalf("set_metric: %v", err)
	}
	if len(st.Metrics) != 1 || !st.Metrics[0].Enabled {
		t.Errorf("expected queue.depth enabled, got %+v", st.Metrics)
	}

	if _, _, err := srv.handleSetMetric(context.Background(), nil, SetMetricInput{Name: "nope", Enabled: true}); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestRenderTimeline(t *testing.T) {
	srv := newTestServer(t)
	openSvc(t, srv)
	ctx := context.Background()

	res, out, err := srv.handleRenderTimeline(ctx, nil, RenderTimelineInput{Columns: 80, Rows: 12})
	if err != nil {
		t.Fatalf("render_timeline: %v", err)
	}
	if out.Format != "text" || !out.Complete {
		t.Errorf("expected a complete text rendering, got %+v", out)
	}
	if out.SpansDrawn == 0 {
		t.Error("expected spans to be drawn")
	}
	text := toolText(t, res)
	if !strings.Contains(text, "✓ svc") {
		t.Errorf("expected status header, got:\n%s", text)
	}
	if !strings.Contains(text, "main") || !strings.Contains(text, "#") {
		t.Errorf("expected a lane with spans, got:\n%s", text)
	}
	for _, line := range strings.Split(text, "\n") {
		if len([]rune(line)) > 80 {
			t.Errorf("line wider than 80 columns: %q", line)
		}
	}

	res, out, err = srv.handleRenderTimeline(ctx, nil, RenderTimelineInput{Format: "svg"})
	if err != nil {
		t.Fatalf("render_timeline svg: %v", err)
	}
	if out.Format != "svg" || !strings.HasPrefix(strings.TrimSpace(toolText(t, res)), "<?xml") {
		t.Errorf("expected an SVG document, got %q", toolText(t, res)[:min(60, len(toolText(t, res)))])
	}

	if _, _, err := srv.handleRenderTimeline(ctx, nil, RenderTimelineInput{Format: "png"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestCallGraph(t *testing.T) {
	srv := newTestServer(t)
	openSvc(t, srv)

	begin, end := 0.0, 1000.0
	res, out, err := srv.handleCallGraph(context.Background(), nil, CallGraphInput{BeginMs: &begin, EndMs: &end})
	if err != nil {
		t.Fatalf("call_graph: %v", err)
	}
	if out.ProcessID != "svc" {
		t.Errorf("expected process svc, got %q", out.ProcessID)
	}
	counts := map[string]int{}
	for _, r := range out.Rows {
		counts[r.Scope] = r.Count
	}
	if counts["frame"] != 10 || counts["update"] != 10 {
		t.Errorf("expected 10 frames and 10 updates, got %v", counts)
	}
	if !strings.Contains(toolText(t, res), "svc [0.000, 1000.000] ms") {
		t.Errorf("expected range header, got:\n%s", toolText(t, res))
	}

	// without a range the view is used
	_, out, err = srv.handleCallGraph(context.Background(), nil, CallGraphInput{Limit: 1})
	if err != nil {
		t.Fatalf("call_graph over the view: %v", err)
	}
	if len(out.Rows) != 1 || out.Range.EndMs != 1000 {
		t.Errorf("expected one row over the whole view, got %+v", out)
	}
}

func logRecord(offsetMs uint64, sev logspb.SeverityNumber, msg string) *logspb.LogRecord {
	return &logspb.LogRecord{
		TimeUnixNano:   baseNs + offsetMs*1_000_000,
		SeverityNumber: sev,
		Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: msg}},
	}
}

// addLogs logs three records for "svc" and adds "launcher" with its child
// "worker" on host "box".
func addLogs(t *testing.T, store *blockstore.Store) {
	t.Helper()
	ctx := context.Background()
	batches := []*logspb.ResourceLogs{
		{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strKV("service.name", "svc")}},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope: &commonpb.InstrumentationScope{Name: "net"},
				LogRecords: []*logspb.LogRecord{
					logRecord(100, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "connected to db"),
					logRecord(200, logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "db timeout"),
					logRecord(300, logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG, "retrying"),
				},
			}},
		},
		{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strKV("service.name", "launcher"), strKV("host.name", "box"), strKV("process.pid", "1"),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{logRecord(0, 0, "start")}}},
		},
		{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strKV("service.name", "worker"), strKV("host.name", "box"),
				strKV("process.pid", "2"), strKV("process.parent_pid", "1"),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{logRecord(50, 0, "start")}}},
		},
	}
	if err := store.ReceiveLogs(ctx, batches); err != nil {
		t.Fatalf("receive logs: %v", err)
	}
	store.Flush()
}

func TestProcessLog(t *testing.T) {
	srv := newTestServer(t)
	addLogs(t, srv.store)
	ctx := context.Background()

	if _, _, err := srv.handleProcessLog(ctx, nil, ProcessLogInput{}); err == nil {
		t.Error("expected process_log to fail before open_process")
	}
	openSvc(t, srv)

	res, out, err := srv.handleProcessLog(ctx, nil, ProcessLogInput{Search: "DB"})
	if err != nil {
		t.Fatalf("process_log: %v", err)
	}
	if len(out.Entries) != 2 || out.Total != 3 || out.Next != 3 {
		t.Fatalf("expected two db entries of three, got %+v", out)
	}
	if out.Entries[1].Level != "error" || out.Entries[1].Target != "net" {
		t.Errorf("unexpected entry %+v", out.Entries[1])
	}
	text := toolText(t, res)
	if !strings.Contains(text, "error net: db timeout") || !strings.Contains(text, "2 entries shown, next 3 of 3") {
		t.Errorf("unexpected log text:\n%s", text)
	}

	_, out, err = srv.handleProcessLog(ctx, nil, ProcessLogInput{Level: "warn"})
	if err != nil {
		t.Fatalf("process_log: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].Msg != "db timeout" {
		t.Errorf("expected only the error, got %+v", out.Entries)
	}

	_, out, err = srv.handleProcessLog(ctx, nil, ProcessLogInput{Limit: 1})
	if err != nil {
		t.Fatalf("process_log: %v", err)
	}
	if len(out.Entries) != 1 || out.Next != 1 {
		t.Errorf("expected one entry and next 1, got %+v", out)
	}

	if _, _, err := srv.handleProcessLog(ctx, nil, ProcessLogInput{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSearchProcessesAndChildren(t *testing.T) {
	srv := newTestServer(t)
	addLogs(t, srv.store)
	ctx := context.Background()

	res, out, err := srv.handleSearchProcesses(ctx, nil, SearchProcessesInput{Search: "BOX"})
	if err != nil {
		t.Fatalf("search_processes: %v", err)
	}
	if len(out.Processes) != 2 || out.Processes[0].ProcessID != "worker" || out.Processes[1].ProcessID != "launcher" {
		t.Fatalf("expected worker then launcher, got %+v", out.Processes)
	}
	if out.Processes[0].ParentID != "launcher" {
		t.Errorf("expected worker's parent to be launcher, got %q", out.Processes[0].ParentID)
	}
	if !strings.Contains(toolText(t, res), "launcher") {
		t.Errorf("expected launcher in text, got:\n%s", toolText(t, res))
	}

	_, out, err = srv.handleProcessChildren(ctx, nil, ProcessChildrenInput{ProcessID: "launcher"})
	if err != nil {
		t.Fatalf("process_children: %v", err)
	}
	if len(out.Processes) != 1 || out.Processes[0].ProcessID != "worker" {
		t.Errorf("expected worker, got %+v", out.Processes)
	}

	res, out, err = srv.handleProcessChildren(ctx, nil, ProcessChildrenInput{ProcessID: "svc"})
	if err != nil {
		t.Fatalf("process_children: %v", err)
	}
	if len(out.Processes) != 0 || toolText(t, res) != "No processes\n" {
		t.Errorf("expected no children of svc, got %+v", out.Processes)
	}

	if _, _, err := srv.handleProcessChildren(ctx, nil, ProcessChildrenInput{}); err == nil {
		t.Error("expected error for empty process_id")
	}
	if _, _, err := srv.handleProcessChildren(ctx, nil, ProcessChildrenInput{ProcessID: "nope"}); err == nil {
		t.Error("expected error for unknown process")
	}
}
