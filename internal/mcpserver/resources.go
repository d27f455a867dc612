package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/render"
	"github.com/tobert/tracelod/internal/viz"
)

const processURIPrefix = "tracelod://processes/"

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelod://processes",
		Name:        "processes",
		Description: "Processes with trace data and their span counts.",
		MIMEType:    "text/plain",
	}, s.handleProcessesResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelod://state",
		Name:        "state",
		Description: "The open process, view range, level of detail and fetch progress.",
		MIMEType:    "text/plain",
	}, s.handleStateResource)

	if s.store != nil {
		s.mcpServer.AddResource(&mcp.Resource{
			URI:         "tracelod://store",
			Name:        "store",
			Description: "Local block store: processes, streams, sealed blocks and open block fill.",
			MIMEType:    "text/plain",
		}, s.handleStoreResource)

		s.mcpServer.AddResource(&mcp.Resource{
			URI:         "tracelod://file-sources",
			Name:        "file-sources",
			Description: "Directories being followed for OTLP JSONL.",
			MIMEType:    "text/plain",
		}, s.handleFileSourcesResource)
	}

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: processURIPrefix + "{process}",
		Name:        "process-detail",
		Description: "Streams of one process with their block counts and time ranges, its parent and its children.",
		MIMEType:    "text/plain",
	}, s.handleProcessDetailResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleProcessesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	procs, err := s.processSummaries(ctx)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return textResult(req.Params.URI, "No processes\n"), nil
	}

	return textResult(req.Params.URI, viz.ProcessSummary(ProcessStats(procs), 0)), nil
}

func (s *Server) handleStateResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	st := viz.SessionStatus{}
	if sess := s.host.Session(); sess != nil {
		st = SessionStatus(sess.State())
	}
	return textResult(req.Params.URI, viz.Status(st)), nil
}

func (s *Server) handleStoreResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	st := s.store.Stats()
	return textResult(req.Params.URI, viz.StoreOverview(viz.StoreStats{
		Processes:      st.Processes,
		Streams:        st.Streams,
		SpanBlocks:     st.SpanBlocks,
		MetricBlocks:   st.MetricBlocks,
		OpenSpans:      st.PendingSpans,
		SpansPerBlock:  st.SpansPerBlock,
		OpenPoints:     st.PendingPoints,
		PointsPerBlock: st.PointsPerBlock,
		LogBlocks:      st.LogBlocks,
		OpenLogs:       st.PendingLogs,
		LogsPerBlock:   st.LogsPerBlock,
	})), nil
}

func (s *Server) handleFileSourcesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.FileSourceStats()

	var b strings.Builder
	if len(stats) == 0 {
		b.WriteString("No file sources\n")
		return textResult(req.Params.URI, b.String()), nil
	}

	fmt.Fprintf(&b, "File Sources (%d)\n", len(stats))
	for _, st := range stats {
		fmt.Fprintf(&b, "  %s\n", st.Directory)
		fmt.Fprintf(&b, "    Files: %d  Lines: %s\n", st.FilesTracked, fmtNum(int(st.LinesRead)))
		for _, dir := range st.WatchedDirs {
			fmt.Fprintf(&b, "    Watching: %s\n", dir)
		}
	}
	return textResult(req.Params.URI, b.String()), nil
}

// ─── Template resource handlers ─────────────────────────────────────────

func (s *Server) handleProcessDetailResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	processID, err := extractURIParam(req.Params.URI, processURIPrefix)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	proc, err := s.client.FindProcess(ctx, processID)
	if errors.Is(err, dataservice.ErrNotFound) {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	if err != nil {
		return nil, err
	}
	streams, err := s.client.ListProcessStreams(ctx, processID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Process: %s\n", proc.ID)
	if proc.Exe != "" {
		fmt.Fprintf(&b, "  Exe:      %s\n", proc.Exe)
	}
	if proc.Computer != "" {
		fmt.Fprintf(&b, "  Computer: %s\n", proc.Computer)
	}
	if proc.ParentID != "" {
		fmt.Fprintf(&b, "  Parent:   %s\n", proc.ParentID)
	}
	children, err := s.client.ListProcessChildren(ctx, processID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		fmt.Fprintf(&b, "  Child:    %s\n", c.ID)
	}
	fmt.Fprintf(&b, "\n  Streams (%d):\n", len(streams))
	for _, st := range streams {
		blocks, err := s.client.ListStreamBlocks(ctx, st.ID)
		if err != nil {
			fmt.Fprintf(&b, "    ✗ %s: %v\n", st.ID, err)
			continue
		}
		objects := 0
		var r model.TimeRange
		for i, bl := range blocks {
			objects += bl.NbObjects
			if i == 0 {
				r = bl.Range()
			}
			r.BeginMs = min(r.BeginMs, bl.BeginMs)
			r.EndMs = max(r.EndMs, bl.EndMs)
		}
		unit := "spans"
		switch {
		case st.HasTag(model.TagMetrics):
			unit = "points"
		case st.HasTag(model.TagLog):
			unit = "entries"
		}
		fmt.Fprintf(&b, "    %-24s [%s]  %d blocks, %s %s",
			st.ID, strings.Join(st.Tags, ","), len(blocks), fmtNum(objects), unit)
		if len(blocks) > 0 {
			fmt.Fprintf(&b, ", %s .. %s",
				render.FormatTimestamp(r.BeginMs, r.Width()), render.FormatTimestamp(r.EndMs, r.Width()))
		}
		b.WriteByte('\n')
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) processSummaries(ctx context.Context) ([]ProcessSummary, error) {
	return SummarizeProcesses(ctx, s.client)
}

// SummarizeProcesses lists the processes client knows with their cpu
// stream, block and span counts. A stream whose blocks cannot be listed
// counts as empty.
func SummarizeProcesses(ctx context.Context, client dataservice.Client) ([]ProcessSummary, error) {
	procs, err := client.ListRecentProcesses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessSummary, 0, len(procs))
	for _, p := range procs {
		sum := ProcessSummary{ProcessID: p.ID, Exe: p.Exe}
		streams, err := client.ListProcessStreams(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("streams of %s: %w", p.ID, err)
		}
		for _, st := range streams {
			if !st.HasTag(model.TagCPU) {
				continue
			}
			sum.Streams++
			blocks, err := client.ListStreamBlocks(ctx, st.ID)
			if err != nil {
				continue
			}
			sum.Blocks += len(blocks)
			for _, bl := range blocks {
				sum.Spans += bl.NbObjects
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────

// ProcessStats converts summaries for viz.ProcessSummary.
func ProcessStats(procs []ProcessSummary) []viz.ProcessStats {
	stats := make([]viz.ProcessStats, len(procs))
	for i, p := range procs {
		stats[i] = viz.ProcessStats{Name: p.ProcessID, Streams: p.Streams, Blocks: p.Blocks, Spans: p.Spans}
	}
	return stats
}

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:  uri,
			Text: text,
		}},
	}
}

func fmtNum(n int) string {
	return humanize.Comma(int64(n))
}
