package mcpserver

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelod/internal/callgraph"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/render"
	"github.com/tobert/tracelod/internal/session"
	"github.com/tobert/tracelod/internal/viewport"
	"github.com/tobert/tracelod/internal/viz"
)

const (
	defaultColumns = 120
	defaultRows    = 30
	maxColumns     = 400
	maxRows        = 200

	// idleWait bounds how long a tool waits for visible blocks to load
	// before answering with whatever is there.
	idleWait = 10 * time.Second
)

// ═══════════════════════════════════════════════════════════════════════════
// TIMELINE TOOLS
//
// One session at a time, shared with the web UI when there is one:
// 1. get_otlp_endpoint - Where programs send telemetry (only when receiving)
// 2. list_processes    - What can be opened
// 3. open_process      - Load a process, optionally at a time range
// 4. timeline_status   - View, LOD and fetch progress
// 5. set_view_range    - Jump the view to [begin, end]
// 6. zoom              - Wheel zoom around a column
// 7. reset_view        - Back to the whole process
// 8. set_metric        - Show or hide a metric lane
// 9. render_timeline   - The frame as text (or SVG)
// 10. call_graph       - Cumulative call graph of a range
// 11. add/remove_file_source - Read OTLP JSONL into the local store
// 12. search_processes - Find processes by exe, user or computer
// 13. process_children - Processes spawned by a process
// 14. process_log      - Page through the open process's log
// ═══════════════════════════════════════════════════════════════════════════

// Tool 1: get_otlp_endpoint

type GetOTLPEndpointInput struct{}

type GetOTLPEndpointOutput struct {
	Endpoint        string            `json:"endpoint" jsonschema:"OTLP gRPC endpoint address (accepts traces and metrics)"`
	Protocol        string            `json:"protocol" jsonschema:"Protocol type (grpc)"`
	EnvironmentVars map[string]string `json:"environment_vars" jsonschema:"Suggested environment variables for configuring applications"`
}

func (s *Server) handleGetOTLPEndpoint(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetOTLPEndpointInput,
) (*mcp.CallToolResult, GetOTLPEndpointOutput, error) {
	return &mcp.CallToolResult{}, GetOTLPEndpointOutput{
		Endpoint: s.endpoint,
		Protocol: "grpc",
		EnvironmentVars: map[string]string{
			"OTEL_EXPORTER_OTLP_ENDPOINT": s.endpoint,
			"OTEL_EXPORTER_OTLP_PROTOCOL": "grpc",
		},
	}, nil
}

// Tool 2: list_processes

type ListProcessesInput struct{}

type ListProcessesOutput struct {
	Processes []ProcessSummary `json:"processes" jsonschema:"Processes with data, most recent first"`
}

type ProcessSummary struct {
	ProcessID string `json:"process_id" jsonschema:"Process ID to pass to open_process"`
	Exe       string `json:"exe,omitempty" jsonschema:"Executable or service name"`
	Streams   int    `json:"streams" jsonschema:"Number of thread streams"`
	Blocks    int    `json:"blocks" jsonschema:"Number of span blocks"`
	Spans     int    `json:"spans" jsonschema:"Number of spans across all blocks"`
}

func (s *Server) handleListProcesses(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ListProcessesInput,
) (*mcp.CallToolResult, ListProcessesOutput, error) {
	procs, err := s.processSummaries(ctx)
	if err != nil {
		return nil, ListProcessesOutput{}, fmt.Errorf("failed to list processes: %w", err)
	}
	return &mcp.CallToolResult{}, ListProcessesOutput{Processes: procs}, nil
}

// Tool 3: open_process

type OpenProcessInput struct {
	ProcessID string   `json:"process_id" jsonschema:"Process to open (from list_processes)"`
	BeginMs   *float64 `json:"begin_ms,omitempty" jsonschema:"Initial view start in ms on the process clock (needs end_ms)"`
	EndMs     *float64 `json:"end_ms,omitempty" jsonschema:"Initial view end in ms on the process clock (needs begin_ms)"`
}

func (s *Server) handleOpenProcess(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input OpenProcessInput,
) (*mcp.CallToolResult, session.State, error) {
	if input.ProcessID == "" {
		return nil, session.State{}, fmt.Errorf("process_id cannot be empty")
	}
	if (input.BeginMs == nil) != (input.EndMs == nil) {
		return nil, session.State{}, fmt.Errorf("begin_ms and end_ms must be set together")
	}
	link := viewport.DeepLink{ProcessID: input.ProcessID, Begin: input.BeginMs, End: input.EndMs}
	if err := s.host.Open(ctx, link); err != nil {
		return nil, session.State{}, fmt.Errorf("failed to open %s: %w", input.ProcessID, err)
	}
	sess, err := s.session()
	if err != nil {
		return nil, session.State{}, err
	}
	return s.stateResult(ctx, sess)
}

// Tool 4: timeline_status

type TimelineStatusInput struct{}

func (s *Server) handleTimelineStatus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input TimelineStatusInput,
) (*mcp.CallToolResult, session.State, error) {
	sess := s.host.Session()
	if sess == nil {
		return textToolResult(viz.Status(viz.SessionStatus{})), session.State{}, nil
	}
	st := sess.State()
	return textToolResult(viz.Status(SessionStatus(st))), st, nil
}

// Tool 5: set_view_range

type SetViewRangeInput struct {
	BeginMs float64 `json:"begin_ms" jsonschema:"View start in ms on the process clock"`
	EndMs   float64 `json:"end_ms" jsonschema:"View end in ms on the process clock"`
}

func (s *Server) handleSetViewRange(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SetViewRangeInput,
) (*mcp.CallToolResult, session.State, error) {
	sess, err := s.session()
	if err != nil {
		return nil, session.State{}, err
	}
	r, err := model.NewTimeRange(input.BeginMs, input.EndMs)
	if err != nil {
		return nil, session.State{}, err
	}
	if err := sess.SetViewRange(r); err != nil {
		return nil, session.State{}, err
	}
	return s.stateResult(ctx, sess)
}

// Tool 6: zoom

type ZoomInput struct {
	DeltaY  float64  `json:"delta_y" jsonschema:"Wheel delta: negative zooms in, positive zooms out (100 is one notch)"`
	OffsetX *float64 `json:"offset_x,omitempty" jsonschema:"Pixel column to zoom around (default: center of the canvas)"`
}

func (s *Server) handleZoom(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ZoomInput,
) (*mcp.CallToolResult, session.State, error) {
	sess, err := s.session()
	if err != nil {
		return nil, session.State{}, err
	}
	offset := float64(sess.CanvasWidth()) / 2
	if input.OffsetX != nil {
		offset = *input.OffsetX
	}
	sess.OnZoom(viewport.WheelEvent{DeltaY: input.DeltaY, OffsetX: offset})
	return s.stateResult(ctx, sess)
}

// Tool 7: reset_view

type ResetViewInput struct{}

func (s *Server) handleResetView(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ResetViewInput,
) (*mcp.CallToolResult, session.State, error) {
	sess, err := s.session()
	if err != nil {
		return nil, session.State{}, err
	}
	sess.ResetView()
	return s.stateResult(ctx, sess)
}

// Tool 8: set_metric

type SetMetricInput struct {
	Name    string `json:"name" jsonschema:"Metric name as listed in the session state"`
	Enabled bool   `json:"enabled" jsonschema:"Whether the metric lane is shown"`
}

func (s *Server) handleSetMetric(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SetMetricInput,
) (*mcp.CallToolResult, session.State, error) {
	sess, err := s.session()
	if err != nil {
		return nil, session.State{}, err
	}
	if err := sess.SetMetricEnabled(input.Name, input.Enabled); err != nil {
		return nil, session.State{}, err
	}
	return s.stateResult(ctx, sess)
}

// Tool 9: render_timeline

type RenderTimelineInput struct {
	Columns int    `json:"columns,omitempty" jsonschema:"Text width in characters (default 120)"`
	Rows    int    `json:"rows,omitempty" jsonschema:"Text height in lines (default 30)"`
	Format  string `json:"format,omitempty" jsonschema:"text (default) or svg"`
}

type RenderTimelineOutput struct {
	Format      string `json:"format" jsonschema:"Format of the rendering"`
	SpansDrawn  int    `json:"spans_drawn" jsonschema:"Span rectangles drawn"`
	PointsDrawn int    `json:"points_drawn" jsonschema:"Metric points drawn"`
	Lanes       int    `json:"lanes" jsonschema:"Stream and metric lanes laid out"`
	Complete    bool   `json:"complete" jsonschema:"Whether every visible block had loaded"`
}

func (s *Server) handleRenderTimeline(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RenderTimelineInput,
) (*mcp.CallToolResult, RenderTimelineOutput, error) {
	sess, err := s.session()
	if err != nil {
		return nil, RenderTimelineOutput{}, err
	}
	complete := waitIdle(ctx, sess)

	out := RenderTimelineOutput{Format: input.Format, Complete: complete}
	var text string
	switch input.Format {
	case "", "text":
		cols := clampDefault(input.Columns, defaultColumns, maxColumns)
		rows := clampDefault(input.Rows, defaultRows, maxRows)
		c := viz.NewTextCanvas(cols, rows)
		stats := sess.RenderTo(c, viz.TextLayout(cols, rows))
		out.Format = "text"
		out.SpansDrawn, out.PointsDrawn, out.Lanes = stats.SpansDrawn, stats.PointsDrawn, stats.Lanes
		text = viz.Status(SessionStatus(sess.State())) + "\n" + c.String()
	case "svg":
		var buf bytes.Buffer
		stats := sess.RenderSVG(&buf, clampDefault(input.Rows, defaultRows, maxRows)*viz.CellHeightPx)
		out.SpansDrawn, out.PointsDrawn, out.Lanes = stats.SpansDrawn, stats.PointsDrawn, stats.Lanes
		text = buf.String()
	default:
		return nil, RenderTimelineOutput{}, fmt.Errorf("unknown format %q: use text or svg", input.Format)
	}
	return textToolResult(text), out, nil
}

// Tool 10: call_graph

type CallGraphInput struct {
	BeginMs *float64 `json:"begin_ms,omitempty" jsonschema:"Range start in ms (default: current selection or view)"`
	EndMs   *float64 `json:"end_ms,omitempty" jsonschema:"Range end in ms (default: current selection or view)"`
	Limit   int      `json:"limit,omitempty" jsonschema:"Maximum scopes returned, heaviest first (0 = 20)"`
}

type CallGraphOutput struct {
	ProcessID string          `json:"process_id" jsonschema:"Process the graph was built for"`
	Range     model.TimeRange `json:"range" jsonschema:"Time range covered"`
	Rows      []callgraph.Row `json:"rows" jsonschema:"Scopes by total time"`
}

func (s *Server) handleCallGraph(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input CallGraphInput,
) (*mcp.CallToolResult, CallGraphOutput, error) {
	sess, err := s.session()
	if err != nil {
		return nil, CallGraphOutput{}, err
	}
	if (input.BeginMs == nil) != (input.EndMs == nil) {
		return nil, CallGraphOutput{}, fmt.Errorf("begin_ms and end_ms must be set together")
	}

	st := sess.State()
	var r model.TimeRange
	switch {
	case input.BeginMs != nil:
		r, err = model.NewTimeRange(*input.BeginMs, *input.EndMs)
		if err != nil {
			return nil, CallGraphOutput{}, err
		}
	case st.Selection != nil:
		r = *st.Selection
	default:
		r = st.View
	}

	g, err := sess.CallGraph(ctx, &r)
	if err != nil {
		return nil, CallGraphOutput{}, fmt.Errorf("failed to build call graph: %w", err)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ms\n\n", st.ProcessID, g.Range)
	g.WriteTable(&b, limit)
	return textToolResult(b.String()), CallGraphOutput{
		ProcessID: st.ProcessID,
		Range:     g.Range,
		Rows:      g.Rows(limit),
	}, nil
}

// Tool 11: file sources

type AddFileSourceInput struct {
	Directory  string `json:"directory" jsonschema:"Directory holding traces/, metrics/ and logs/ subdirectories of OTLP JSONL"`
	ActiveOnly bool   `json:"active_only,omitempty" jsonschema:"Only read traces.jsonl and metrics.jsonl, skipping rotated archives"`
}

type FileSourceOutput struct {
	Directories []string `json:"directories" jsonschema:"Directories being watched"`
	Message     string   `json:"message" jsonschema:"What happened"`
}

func (s *Server) handleAddFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	if input.Directory == "" {
		return nil, FileSourceOutput{}, fmt.Errorf("directory cannot be empty")
	}
	// the source outlives this call, so it must not inherit its context
	if err := s.AddFileSource(context.WithoutCancel(ctx), input.Directory, input.ActiveOnly); err != nil {
		return nil, FileSourceOutput{}, err
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Directories: s.fileSourceDirs(),
		Message:     fmt.Sprintf("reading %s", input.Directory),
	}, nil
}

type RemoveFileSourceInput struct {
	Directory string `json:"directory" jsonschema:"Directory to stop watching"`
}

func (s *Server) handleRemoveFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RemoveFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	if err := s.RemoveFileSource(input.Directory); err != nil {
		return nil, FileSourceOutput{}, err
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Directories: s.fileSourceDirs(),
		Message:     fmt.Sprintf("stopped watching %s; its data stays loaded", input.Directory),
	}, nil
}

// Tool 12: search_processes

type SearchProcessesInput struct {
	Search string `json:"search" jsonschema:"Case-insensitive text to find in the executable, user or computer name"`
}

type ProcessListOutput struct {
	Processes []ProcessInfo `json:"processes" jsonschema:"Matching processes, latest started first"`
}

type ProcessInfo struct {
	ProcessID   string  `json:"process_id" jsonschema:"Process ID to pass to open_process"`
	Exe         string  `json:"exe,omitempty" jsonschema:"Executable or service name"`
	Username    string  `json:"username,omitempty" jsonschema:"User the process ran as"`
	Computer    string  `json:"computer,omitempty" jsonschema:"Host the process ran on"`
	ParentID    string  `json:"parent_process_id,omitempty" jsonschema:"Process that spawned this one"`
	StartTimeMs float64 `json:"start_time_ms" jsonschema:"Start time in ms since the Unix epoch"`
}

func processInfos(procs []model.Process) []ProcessInfo {
	out := make([]ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = ProcessInfo{
			ProcessID:   p.ID,
			Exe:         p.Exe,
			Username:    p.Username,
			Computer:    p.Computer,
			ParentID:    p.ParentID,
			StartTimeMs: p.StartTimeMs,
		}
	}
	return out
}

func (s *Server) handleSearchProcesses(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SearchProcessesInput,
) (*mcp.CallToolResult, ProcessListOutput, error) {
	procs, err := s.client.SearchProcesses(ctx, input.Search)
	if err != nil {
		return nil, ProcessListOutput{}, fmt.Errorf("failed to search processes: %w", err)
	}
	return textToolResult(processTable(procs)), ProcessListOutput{Processes: processInfos(procs)}, nil
}

// Tool 13: process_children

type ProcessChildrenInput struct {
	ProcessID string `json:"process_id" jsonschema:"Parent process"`
}

func (s *Server) handleProcessChildren(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ProcessChildrenInput,
) (*mcp.CallToolResult, ProcessListOutput, error) {
	if input.ProcessID == "" {
		return nil, ProcessListOutput{}, fmt.Errorf("process_id cannot be empty")
	}
	procs, err := s.client.ListProcessChildren(ctx, input.ProcessID)
	if err != nil {
		return nil, ProcessListOutput{}, fmt.Errorf("failed to list children of %s: %w", input.ProcessID, err)
	}
	return textToolResult(processTable(procs)), ProcessListOutput{Processes: processInfos(procs)}, nil
}

func processTable(procs []model.Process) string {
	if len(procs) == 0 {
		return "No processes\n"
	}
	var b strings.Builder
	for _, p := range procs {
		fmt.Fprintf(&b, "%-32s %-20s %-12s %s\n", p.ID, p.Exe, p.Username, p.Computer)
	}
	return b.String()
}

// Tool 14: process_log

const (
	maxLogLimit = 5000
	// log times print with two decimals
	logTimeWidthMs = 10
)

type LogLine struct {
	TimeMs float64 `json:"time_ms" jsonschema:"Time in ms on the process clock"`
	Level  string  `json:"level" jsonschema:"fatal, error, warn, info, debug or trace"`
	Target string  `json:"target,omitempty" jsonschema:"Module that emitted the entry"`
	Msg    string  `json:"msg" jsonschema:"Message text"`
}

type ProcessLogOutput struct {
	Entries []LogLine `json:"entries" jsonschema:"Matching entries in time order"`
	Next    int       `json:"next" jsonschema:"Pass as begin to read the following page"`
	Total   int       `json:"total" jsonschema:"Entries in the whole log, before filtering"`
}

type ProcessLogInput struct {
	Search string `json:"search,omitempty" jsonschema:"Space-separated words that must all appear in the target or message"`
	Level  string `json:"level,omitempty" jsonschema:"Least severe level shown: fatal, error, warn, info, debug or trace (default all)"`
	Begin  int    `json:"begin,omitempty" jsonschema:"Index of the first entry to consider; pass next from the previous page"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum entries returned (0 = 100)"`
}

func (s *Server) handleProcessLog(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ProcessLogInput,
) (*mcp.CallToolResult, ProcessLogOutput, error) {
	sess, err := s.session()
	if err != nil {
		return nil, ProcessLogOutput{}, err
	}
	logReq := dataservice.LogRequest{
		Begin:  input.Begin,
		Limit:  clampDefault(input.Limit, 100, maxLogLimit),
		Search: input.Search,
	}
	if input.Level != "" {
		if logReq.Level, err = model.ParseLogLevel(input.Level); err != nil {
			return nil, ProcessLogOutput{}, err
		}
	}
	reply, err := sess.Log(ctx, logReq)
	if err != nil {
		return nil, ProcessLogOutput{}, fmt.Errorf("failed to read log: %w", err)
	}

	out := ProcessLogOutput{Entries: make([]LogLine, len(reply.Entries)), Next: reply.Next, Total: reply.Total}
	var b strings.Builder
	for i, e := range reply.Entries {
		out.Entries[i] = LogLine{TimeMs: e.TimeMs, Level: e.Level.String(), Target: e.Target, Msg: e.Msg}
		fmt.Fprintf(&b, "%10s %-5s %s: %s\n", render.FormatTimestamp(e.TimeMs, logTimeWidthMs), e.Level, e.Target, e.Msg)
	}
	fmt.Fprintf(&b, "\n%d entries shown, next %d of %d\n", len(reply.Entries), reply.Next, reply.Total)
	return textToolResult(b.String()), out, nil
}

func (s *Server) registerTools() {
	if s.endpoint != "" {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "get_otlp_endpoint",
			Description: "Get the OTLP gRPC endpoint this server receives traces and metrics on. Set OTEL_EXPORTER_OTLP_ENDPOINT=<endpoint> when running a program, then list_processes to find it.",
		}, s.handleGetOTLPEndpoint)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_processes",
		Description: "List processes with trace data, most recent first, with stream, block and span counts. Pass a process_id to open_process.",
	}, s.handleListProcesses)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "open_process",
		Description: "Open a process in the timeline, replacing the one currently shown. Optionally start at begin_ms..end_ms (ms since the process's first event). Returns the session state.",
	}, s.handleOpenProcess)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "timeline_status",
		Description: "Current view range, level of detail, loaded span and point counts, fetch progress and load errors.",
	}, s.handleTimelineStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_view_range",
		Description: "Move the view to begin_ms..end_ms. Blocks for the new range are fetched at the matching level of detail.",
	}, s.handleSetViewRange)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "zoom",
		Description: "Zoom like a mouse wheel: negative delta_y zooms in, positive zooms out, around pixel column offset_x (default center). The view never zooms past the process bounds.",
	}, s.handleZoom)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reset_view",
		Description: "Show the whole process again.",
	}, s.handleResetView)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_metric",
		Description: "Show or hide a metric lane. Enabled metrics are remembered for the next process.",
	}, s.handleSetMetric)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "render_timeline",
		Description: "Render the current view. Text (default) shows one character per pixel column: '#' busy spans, '+' sparse spans, '=' merged spans, '*' metric lines, '|' selection edges, with scope names where they fit. Waits briefly for visible blocks to load.",
	}, s.handleRenderTimeline)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "call_graph",
		Description: "Cumulative call graph over a time range (default: the selection, else the view): per scope count, total, average, median, min and max duration, with top callers and callees. Built from full-detail spans.",
	}, s.handleCallGraph)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "search_processes",
		Description: "Find processes whose executable, user or computer name contains search, latest started first. At most 100 are returned.",
	}, s.handleSearchProcesses)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "process_children",
		Description: "List the processes spawned by process_id, matched by process.parent_pid on the same host.",
	}, s.handleProcessChildren)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "process_log",
		Description: "Page through the open process's log in time order. Filter by level and search words; pass next as begin to continue.",
	}, s.handleProcessLog)

	if s.store != nil {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "add_file_source",
			Description: "Read OTLP JSONL written by the OpenTelemetry Collector file exporter from a directory with traces/, metrics/ and logs/ subdirectories, and keep following appended data.",
		}, s.handleAddFileSource)

		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "remove_file_source",
			Description: "Stop following a directory added with add_file_source. Data already read stays loaded.",
		}, s.handleRemoveFileSource)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────

func (s *Server) session() (*session.Session, error) {
	sess := s.host.Session()
	if sess == nil {
		return nil, fmt.Errorf("%w: call open_process first", session.ErrNotLoaded)
	}
	return sess, nil
}

// stateResult waits for the view to load, then answers with the status
// text and the full state.
func (s *Server) stateResult(ctx context.Context, sess *session.Session) (*mcp.CallToolResult, session.State, error) {
	waitIdle(ctx, sess)
	st := sess.State()
	return textToolResult(viz.Status(SessionStatus(st))), st, nil
}

// waitIdle reports whether the session settled within idleWait.
func waitIdle(ctx context.Context, sess *session.Session) bool {
	ctx, cancel := context.WithTimeout(ctx, idleWait)
	defer cancel()
	return sess.WaitIdle(ctx) == nil
}

// SessionStatus converts a session snapshot for viz.Status.
func SessionStatus(st session.State) viz.SessionStatus {
	return viz.SessionStatus{
		Process:      st.ProcessID,
		Ready:        st.Ready,
		Idle:         st.Idle,
		ViewBeginMs:  st.View.BeginMs,
		ViewEndMs:    st.View.EndMs,
		Lod:          st.Lod,
		Requested:    st.Fetch.Requested,
		Completed:    st.Fetch.Completed,
		Failed:       st.Fetch.Failed,
		SpansLoaded:  st.Counters.SpansLoaded,
		PointsLoaded: st.Counters.PointsLoaded,
		AsyncSpans:   st.Counters.AsyncSpansLoaded,
		LoadErrors:   st.LoadErrors,
	}
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func clampDefault(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	return min(v, hi)
}

func (s *Server) fileSourceDirs() []string {
	stats := s.FileSourceStats()
	dirs := make([]string, len(stats))
	for i, st := range stats {
		dirs[i] = st.Directory
	}
	return dirs
}
