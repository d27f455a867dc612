// Package mcpserver exposes the timeline to agents over MCP: open a
// process, move the view, read a text rendering of the frame and pull the
// call graph of a range.
package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/filereader"
	"github.com/tobert/tracelod/internal/session"
	"github.com/tobert/tracelod/internal/viewport"
)

// Host owns the current session. The web UI server is one, which lets an
// agent and a browser look at the same view.
type Host interface {
	Open(ctx context.Context, link viewport.DeepLink) error
	Session() *session.Session
}

// Server wraps the MCP server around a session host.
type Server struct {
	mcpServer *mcp.Server
	client    dataservice.Client
	host      Host
	store     *blockstore.Store
	endpoint  string
	logger    log.Logger

	// File sources - directories being watched for OTLP JSONL files
	fileSourcesMu sync.RWMutex
	fileSources   map[string]*filereader.FileSource
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	// Store is the local block store. Without it the server only reads
	// through client, and the store and file source tools are left out.
	Store *blockstore.Store
	// OTLPEndpoint is where programs send telemetry, if this process
	// receives any.
	OTLPEndpoint string
	Logger       log.Logger
}

// NewServer creates an MCP server reading processes from client and
// opening them in host.
func NewServer(client dataservice.Client, host Host, opts ServerOptions) (*Server, error) {
	if client == nil {
		return nil, fmt.Errorf("data service client cannot be nil")
	}
	if host == nil {
		return nil, fmt.Errorf("session host cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	s := &Server{
		client:      client,
		host:        host,
		store:       opts.Store,
		endpoint:    opts.OTLPEndpoint,
		logger:      log.With(opts.Logger, "component", "mcpserver"),
		fileSources: make(map[string]*filereader.FileSource),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "tracelod",
		Title:   "Trace and metric timelines for agents",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		Instructions: `Timeline viewer for OpenTelemetry traces and metrics. Spans are drawn per thread and depth, merged at coarse zoom levels.

Workflow: list_processes -> open_process -> render_timeline -> set_view_range/zoom -> call_graph.

render_timeline draws the frame as text: '#' busy spans, '+' sparse spans, '=' merged spans, '*' metric lines, '|' selection edges.
Resources: tracelod://processes, tracelod://state, tracelod://store, tracelod://file-sources.`,
		SubscribeHandler:   func(_ context.Context, _ *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(_ context.Context, _ *mcp.UnsubscribeRequest) error { return nil },
	})

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run serves MCP on stdio until ctx is cancelled or stdin closes.
func (s *Server) Run(ctx context.Context) error {
	err := s.mcpServer.Run(ctx, &mcp.StdioTransport{})
	s.stopAllFileSources()
	return err
}

// MCPServer returns the underlying mcp.Server for use with other transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Shutdown stops file sources when the server was not started with Run.
func (s *Server) Shutdown() {
	s.stopAllFileSources()
}

// AddFileSource starts reading OTLP JSONL from directory into the store.
// When activeOnly is true, rotated archives are skipped.
func (s *Server) AddFileSource(ctx context.Context, directory string, activeOnly bool) error {
	if s.store == nil {
		return fmt.Errorf("file sources need a local store")
	}

	s.fileSourcesMu.Lock()
	defer s.fileSourcesMu.Unlock()

	if _, exists := s.fileSources[directory]; exists {
		return fmt.Errorf("directory %s is already being watched", directory)
	}

	fs, err := filereader.New(filereader.Config{
		Directory:  directory,
		ActiveOnly: activeOnly,
		Logger:     s.logger,
	}, s.store)
	if err != nil {
		return fmt.Errorf("failed to create file source: %w", err)
	}
	if err := fs.Start(ctx); err != nil {
		fs.Stop()
		return fmt.Errorf("failed to start file source: %w", err)
	}

	s.fileSources[directory] = fs
	level.Info(s.logger).Log("msg", "added file source", "dir", directory)
	return nil
}

// RemoveFileSource stops and removes a file source. Data already read
// stays in the store.
func (s *Server) RemoveFileSource(directory string) error {
	s.fileSourcesMu.Lock()
	fs, exists := s.fileSources[directory]
	if !exists {
		s.fileSourcesMu.Unlock()
		return fmt.Errorf("directory %s is not being watched", directory)
	}
	delete(s.fileSources, directory)
	s.fileSourcesMu.Unlock()

	fs.Stop()
	return nil
}

// FileSourceStats returns stats for all file sources, sorted by directory.
func (s *Server) FileSourceStats() []filereader.Stats {
	s.fileSourcesMu.RLock()
	stats := make([]filereader.Stats, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		stats = append(stats, fs.Stats())
	}
	s.fileSourcesMu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Directory < stats[j].Directory })
	return stats
}

// stopAllFileSources stops sources outside the lock, since Stop waits
// on the watch goroutine.
func (s *Server) stopAllFileSources() {
	s.fileSourcesMu.Lock()
	sources := make([]*filereader.FileSource, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		sources = append(sources, fs)
	}
	clear(s.fileSources)
	s.fileSourcesMu.Unlock()

	for _, fs := range sources {
		fs.Stop()
	}
}
