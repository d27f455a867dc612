package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
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
)

// Simple program to send a synthetic frame loop to a running tracelod.
// Usage: go run send_trace.go [-frames N] [-service NAME] <endpoint>
// Example: go run send_trace.go 127.0.0.1:4317
func main() {
	frames := flag.Int("frames", 600, "Frames to send")
	service := flag.String("service", "frameloop", "service.name of the process")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-frames N] [-service NAME] <endpoint>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 127.0.0.1:4317\n", os.Args[0])
		os.Exit(1)
	}

	endpoint := flag.Arg(0)
	fmt.Printf("📡 Connecting to OTLP endpoint: %s\n", endpoint)

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create grpc client: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	resource := &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		{Key: "service.name", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: *service}}},
	}}
	spans, points, records := frameLoop(time.Now().Add(-time.Duration(*frames)*16*time.Millisecond), *frames)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = collectortrace.NewTraceServiceClient(conn).Export(ctx, &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "main"},
				Spans: spans,
			}},
		}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to export spans: %v\n", err)
		os.Exit(1)
	}

	_, err = collectormetrics.NewMetricsServiceClient(conn).Export(ctx, &collectormetrics.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope: &commonpb.InstrumentationScope{Name: "main"},
				Metrics: []*metricspb.Metric{{
					Name: "frame.time",
					Unit: "ms",
					Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}},
				}},
			}},
		}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to export metrics: %v\n", err)
		os.Exit(1)
	}

	_, err = collectorlogs.NewLogsServiceClient(conn).Export(ctx, &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource:  resource,
			ScopeLogs: []*logspb.ScopeLogs{{Scope: &commonpb.InstrumentationScope{Name: "main"}, LogRecords: records}},
		}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to export logs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Sent %d spans, %d points and %d log records for %s\n", len(spans), len(points), len(records), *service)
}

// frameLoop builds n 16ms frames starting at start. Each frame has an
// update and a render child, and render has a draw child, so the depth
// rows and call graph have something to show. Every 30th frame starts an
// asset fetch lasting several frames and logs a warning.
func frameLoop(start time.Time, n int) ([]*tracepb.Span, []*metricspb.NumberDataPoint, []*logspb.LogRecord) {
	traceID := make([]byte, 16)
	binary.BigEndian.PutUint64(traceID[8:], uint64(start.UnixNano()))

	var spanSeq uint64
	newSpanID := func() []byte {
		spanSeq++
		id := make([]byte, 8)
		binary.BigEndian.PutUint64(id, spanSeq)
		return id
	}
	span := func(name string, parent []byte, begin, end time.Time) *tracepb.Span {
		return &tracepb.Span{
			TraceId:           traceID,
			SpanId:            newSpanID(),
			ParentSpanId:      parent,
			Name:              name,
			Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
			StartTimeUnixNano: uint64(begin.UnixNano()),
			EndTimeUnixNano:   uint64(end.UnixNano()),
		}
	}

	spans := make([]*tracepb.Span, 0, 4*n)
	points := make([]*metricspb.NumberDataPoint, 0, n)
	var records []*logspb.LogRecord
	for i := range n {
		// frame time wobbles between 9 and 15ms
		work := time.Duration(12e6 + 3e6*math.Sin(float64(i)/20))
		frameBegin := start.Add(time.Duration(i) * 16 * time.Millisecond)
		frameEnd := frameBegin.Add(work)
		updateEnd := frameBegin.Add(work / 3)

		frame := span("frame", nil, frameBegin, frameEnd)
		render := span("render", frame.SpanId, updateEnd, frameEnd)
		spans = append(spans,
			frame,
			span("update", frame.SpanId, frameBegin, updateEnd),
			render,
			span("draw", render.SpanId, updateEnd.Add(work/6), frameEnd.Add(-work/12)),
		)
		points = append(points, &metricspb.NumberDataPoint{
			TimeUnixNano: uint64(frameEnd.UnixNano()),
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(work) / 1e6},
		})
		if i%30 == 0 {
			fetch := span("fetch asset", frame.SpanId, frameBegin, frameBegin.Add(100*time.Millisecond))
			fetch.Kind = tracepb.Span_SPAN_KIND_CLIENT
			spans = append(spans, fetch)
			records = append(records, &logspb.LogRecord{
				TimeUnixNano:   uint64(frameBegin.UnixNano()),
				SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
				Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("asset fetch at frame %d", i)}},
			})
		}
	}
	return spans, points, records
}
