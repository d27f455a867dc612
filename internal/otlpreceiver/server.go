// Package otlpreceiver accepts OTLP traces, metrics and logs over gRPC and
// hands them to a Receiver, typically the block store.
package otlpreceiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// DefaultFlushInterval is how often buffered data is sealed into blocks
// while the server runs.
const DefaultFlushInterval = 2 * time.Second

// Receiver stores exported telemetry. Implementations must be safe for
// concurrent use as Export may be called concurrently.
type Receiver interface {
	ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error
	ReceiveMetrics(ctx context.Context, metrics []*metricspb.ResourceMetrics) error
	ReceiveLogs(ctx context.Context, logs []*logspb.ResourceLogs) error
}

// Flusher is implemented by receivers that buffer data until flushed.
type Flusher interface {
	Flush()
}

// Config holds configuration for the OTLP receiver.
type Config struct {
	Host string // e.g., "127.0.0.1"
	Port int    // 0 for ephemeral port assignment
	// FlushInterval applies when the receiver is a Flusher. Zero picks
	// DefaultFlushInterval, negative disables periodic flushing.
	FlushInterval time.Duration
	Logger        log.Logger
}

// Server is a single OTLP gRPC endpoint for traces, metrics and logs.
type Server struct {
	listener      net.Listener
	grpcServer    *grpc.Server
	receiver      Receiver
	flushInterval time.Duration
	logger        log.Logger
	stopOnce      sync.Once
	stopChan      chan struct{}
	stopDone      chan struct{}
}

// NewServer binds the configured host and port (use port 0 for ephemeral)
// and registers the trace, metrics and logs services.
func NewServer(cfg Config, receiver Receiver) (*Server, error) {
	if receiver == nil {
		return nil, fmt.Errorf("receiver cannot be nil")
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	server := &Server{
		listener:      listener,
		grpcServer:    grpcServer,
		receiver:      receiver,
		flushInterval: cfg.FlushInterval,
		logger:        log.With(cfg.Logger, "component", "otlpreceiver"),
		stopChan:      make(chan struct{}),
		stopDone:      make(chan struct{}, 1),
	}
	collectortrace.RegisterTraceServiceServer(grpcServer, &traceService{server: server})
	collectormetrics.RegisterMetricsServiceServer(grpcServer, &metricsService{server: server})
	collectorlogs.RegisterLogsServiceServer(grpcServer, &logsService{server: server})
	return server, nil
}

// Start serves OTLP requests until Stop is called or ctx is done. It should
// typically be run in a goroutine. Buffered data is flushed one last time
// on the way out.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopChan:
		}
	}()

	if f, ok := s.receiver.(Flusher); ok && s.flushInterval > 0 {
		go s.flushLoop(f)
	}

	level.Info(s.logger).Log("msg", "OTLP receiver listening", "endpoint", s.Endpoint())
	err := s.grpcServer.Serve(s.listener)
	if f, ok := s.receiver.(Flusher); ok {
		f.Flush()
	}
	s.stopDone <- struct{}{}
	return err
}

func (s *Server) flushLoop(f Flusher) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Stop initiates graceful shutdown of the server.
// Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpcServer.GracefulStop()
		close(s.stopChan)
	})
}

// StopWait stops the server and waits for Start to return.
func (s *Server) StopWait() {
	s.Stop()
	<-s.stopDone
}

// Endpoint returns the actual listening address, e.g. "127.0.0.1:54321".
func (s *Server) Endpoint() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type traceService struct {
	collectortrace.UnimplementedTraceServiceServer
	server *Server
}

func (t *traceService) Export(
	ctx context.Context,
	req *collectortrace.ExportTraceServiceRequest,
) (*collectortrace.ExportTraceServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if err := t.server.receiver.ReceiveSpans(ctx, req.ResourceSpans); err != nil {
		level.Error(t.server.logger).Log("msg", "storing spans", "err", err)
		return nil, fmt.Errorf("failed to receive spans: %w", err)
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

type metricsService struct {
	collectormetrics.UnimplementedMetricsServiceServer
	server *Server
}

func (m *metricsService) Export(
	ctx context.Context,
	req *collectormetrics.ExportMetricsServiceRequest,
) (*collectormetrics.ExportMetricsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if err := m.server.receiver.ReceiveMetrics(ctx, req.ResourceMetrics); err != nil {
		level.Error(m.server.logger).Log("msg", "storing metrics", "err", err)
		return nil, fmt.Errorf("failed to receive metrics: %w", err)
	}
	return &collectormetrics.ExportMetricsServiceResponse{}, nil
}

type logsService struct {
	collectorlogs.UnimplementedLogsServiceServer
	server *Server
}

func (l *logsService) Export(
	ctx context.Context,
	req *collectorlogs.ExportLogsServiceRequest,
) (*collectorlogs.ExportLogsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if err := l.server.receiver.ReceiveLogs(ctx, req.ResourceLogs); err != nil {
		level.Error(l.server.logger).Log("msg", "storing logs", "err", err)
		return nil, fmt.Errorf("failed to receive logs: %w", err)
	}
	return &collectorlogs.ExportLogsServiceResponse{}, nil
}
