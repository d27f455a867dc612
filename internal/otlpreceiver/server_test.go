package otlpreceiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
)

// mockReceiver records what it receives and counts flushes.
type mockReceiver struct {
	mu      sync.Mutex
	spans   []*tracepb.ResourceSpans
	metrics []*metricspb.ResourceMetrics
	logs    []*logspb.ResourceLogs
	flushes int
	err     error
}

func (m *mockReceiver) ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *mockReceiver) ReceiveMetrics(ctx context.Context, metrics []*metricspb.ResourceMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.metrics = append(m.metrics, metrics...)
	return nil
}

func (m *mockReceiver) ReceiveLogs(ctx context.Context, logs []*logspb.ResourceLogs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *mockReceiver) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func (m *mockReceiver) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *mockReceiver) counts() (spans, metrics, flushes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans), len(m.metrics), m.flushes
}

func startServer(t *testing.T, cfg Config, r Receiver) (*Server, *grpc.ClientConn) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	server, err := NewServer(cfg, r)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go func() {
		if err := server.Start(context.Background()); err != nil {
			t.Logf("server error: %v", err)
		}
	}()
	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.StopWait()
	})
	return server, conn
}

func testResource() *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
		Key:   "service.name",
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "test-service"}},
	}}}
}

func testTraceRequest() *collectortrace.ExportTraceServiceRequest {
	now := uint64(time.Now().UnixNano())
	return &collectortrace.ExportTraceServiceRequest{ResourceSpans: []*tracepb.ResourceSpans{{
		Resource: testResource(),
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "main"},
			Spans: []*tracepb.Span{
				{Name: "outer", StartTimeUnixNano: now, EndTimeUnixNano: now + 10_000_000},
				{Name: "inner", StartTimeUnixNano: now + 1_000_000, EndTimeUnixNano: now + 2_000_000},
			},
		}},
	}}}
}

func testMetricsRequest() *collectormetrics.ExportMetricsServiceRequest {
	return &collectormetrics.ExportMetricsServiceRequest{ResourceMetrics: []*metricspb.ResourceMetrics{{
		Resource: testResource(),
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{
			Name: "queue.depth",
			Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: []*metricspb.NumberDataPoint{
				{TimeUnixNano: uint64(time.Now().UnixNano()), Value: &metricspb.NumberDataPoint_AsInt{AsInt: 4}},
			}}},
		}}}},
	}}}
}

func TestNewServerNilReceiver(t *testing.T) {
	_, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, nil)
	if err == nil {
		t.Fatal("expected error for nil receiver, got nil")
	}
}

func TestServerStartStop(t *testing.T) {
	receiver := &mockReceiver{}
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0, FlushInterval: -1}, receiver)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if server.Endpoint() == "" {
		t.Fatal("endpoint is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Logf("server stopped with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
	if _, _, flushes := receiver.counts(); flushes != 1 {
		t.Errorf("expected a final flush on shutdown, got %d", flushes)
	}
}

func TestExportTracesAndMetrics(t *testing.T) {
	receiver := &mockReceiver{}
	_, conn := startServer(t, Config{FlushInterval: 10 * time.Millisecond}, receiver)

	if _, err := collectortrace.NewTraceServiceClient(conn).Export(context.Background(), testTraceRequest()); err != nil {
		t.Fatalf("trace Export failed: %v", err)
	}
	if _, err := collectormetrics.NewMetricsServiceClient(conn).Export(context.Background(), testMetricsRequest()); err != nil {
		t.Fatalf("metrics Export failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		spans, metrics, flushes := receiver.counts()
		if spans == 1 && metrics == 1 && flushes > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got spans=%d metrics=%d flushes=%d", spans, metrics, flushes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testLogsRequest() *collectorlogs.ExportLogsServiceRequest {
	return &collectorlogs.ExportLogsServiceRequest{ResourceLogs: []*logspb.ResourceLogs{{
		Resource: testResource(),
		ScopeLogs: []*logspb.ScopeLogs{{
			Scope: &commonpb.InstrumentationScope{Name: "main"},
			LogRecords: []*logspb.LogRecord{{
				TimeUnixNano:   uint64(time.Now().UnixNano()),
				SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
				Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "cache miss"}},
			}},
		}},
	}}}
}

func TestExportLogs(t *testing.T) {
	receiver := &mockReceiver{}
	_, conn := startServer(t, Config{FlushInterval: -1}, receiver)

	if _, err := collectorlogs.NewLogsServiceClient(conn).Export(context.Background(), testLogsRequest()); err != nil {
		t.Fatalf("logs Export failed: %v", err)
	}
	if n := receiver.logCount(); n != 1 {
		t.Fatalf("expected 1 resource logs, got %d", n)
	}

	receiver.mu.Lock()
	receiver.err = errors.New("disk full")
	receiver.mu.Unlock()
	if _, err := collectorlogs.NewLogsServiceClient(conn).Export(context.Background(), testLogsRequest()); err == nil {
		t.Fatal("expected logs export to fail")
	}
}

func TestExportReceiverError(t *testing.T) {
	receiver := &mockReceiver{err: errors.New("disk full")}
	_, conn := startServer(t, Config{FlushInterval: -1}, receiver)

	_, err := collectortrace.NewTraceServiceClient(conn).Export(context.Background(), testTraceRequest())
	if err == nil {
		t.Fatal("expected export to fail")
	}
}

// TestExportIntoBlockStore sends real data through to the block store and
// checks it comes out as a sealed block once the server stops.
func TestExportIntoBlockStore(t *testing.T) {
	store, err := blockstore.New(blockstore.Config{})
	if err != nil {
		t.Fatalf("blockstore.New failed: %v", err)
	}
	server, err := NewServer(Config{Host: "127.0.0.1", FlushInterval: -1}, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go server.Start(context.Background())

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	defer conn.Close()
	if _, err := collectortrace.NewTraceServiceClient(conn).Export(context.Background(), testTraceRequest()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	server.StopWait()

	blocks, err := store.ListStreamBlocks(context.Background(), "test-service/main")
	if err != nil {
		t.Fatalf("ListStreamBlocks failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].NbObjects != 2 {
		t.Fatalf("expected one block of 2 spans, got %+v", blocks)
	}
	if blocks[0].EndMs != 10 {
		t.Errorf("expected block to end at 10ms, got %g", blocks[0].EndMs)
	}
}

func TestExportLogsIntoBlockStore(t *testing.T) {
	store, err := blockstore.New(blockstore.Config{})
	if err != nil {
		t.Fatalf("blockstore.New failed: %v", err)
	}
	server, err := NewServer(Config{Host: "127.0.0.1", FlushInterval: -1}, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go server.Start(context.Background())

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	defer conn.Close()
	if _, err := collectorlogs.NewLogsServiceClient(conn).Export(context.Background(), testLogsRequest()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	server.StopWait()

	reply, err := store.ListProcessLogEntries(context.Background(), dataservice.LogRequest{ProcessID: "test-service"})
	if err != nil {
		t.Fatalf("ListProcessLogEntries failed: %v", err)
	}
	if len(reply.Entries) != 1 || reply.Entries[0].Msg != "cache miss" || reply.Entries[0].Target != "main" {
		t.Fatalf("expected the cache miss entry, got %+v", reply.Entries)
	}
}
