// Package session is the host-facing side of a timeline view: it loads a
// process from the analytics service, turns input events into view
// changes, keeps the orchestrator pointed at the visible window and
// renders frames on demand.
//
// Hosts (the web UI, the MCP server, the CLI) call the handlers from any
// goroutine and redraw when Subscribe signals.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/tobert/tracelod/internal/callgraph"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/orchestrator"
	"github.com/tobert/tracelod/internal/prefs"
	"github.com/tobert/tracelod/internal/registry"
	"github.com/tobert/tracelod/internal/render"
	"github.com/tobert/tracelod/internal/viewport"
)

const (
	DefaultWidthPx         = 1200
	DefaultLoadConcurrency = 8

	// CallGraphPath is where selection links point.
	CallGraphPath = "/ui/callgraph"
)

var (
	// ErrNotLoaded is returned by operations that need a loaded process.
	ErrNotLoaded = errors.New("no process loaded")
	// ErrUnknownMetric is returned when toggling a metric the process
	// does not have.
	ErrUnknownMetric = errors.New("unknown metric")
)

// Options configure a Session. Zero values pick the defaults.
type Options struct {
	WidthPx          int
	MaxFetchAttempts int
	LoadConcurrency  int
	Orchestrator     orchestrator.Options
	// Prefs remembers enabled metrics across sessions. Nil keeps them in
	// memory only.
	Prefs  prefs.Store
	Logger log.Logger
}

// MouseEvent is a pointer event over the canvas. Shift selects a time
// range instead of panning.
type MouseEvent struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Shift bool    `json:"shift"`
}

// Session is one timeline view of one process.
type Session struct {
	client dataservice.Client
	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
	prefs  prefs.Store
	logger log.Logger

	loadConcurrency int

	// mu guards the view state below.
	mu         sync.Mutex
	vp         *viewport.Viewport
	sel        viewport.Selection
	loadErrors []string

	subscriberMu     sync.Mutex
	subscribers      map[uint64]chan struct{}
	nextSubscriberID uint64
}

// New builds a session reading from client. Call Run to start fetching and
// Load to pick a process.
func New(client dataservice.Client, opts Options) *Session {
	if opts.WidthPx <= 0 {
		opts.WidthPx = DefaultWidthPx
	}
	if opts.MaxFetchAttempts <= 0 {
		opts.MaxFetchAttempts = registry.DefaultMaxFetchAttempts
	}
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = DefaultLoadConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Prefs == nil {
		opts.Prefs = prefs.NewMemStore()
	}
	if opts.Orchestrator.Logger == nil {
		opts.Orchestrator.Logger = opts.Logger
	}

	s := &Session{
		client:          client,
		reg:             registry.New(opts.MaxFetchAttempts),
		prefs:           opts.Prefs,
		logger:          log.With(opts.Logger, "component", "session"),
		loadConcurrency: opts.LoadConcurrency,
		vp:              viewport.New(opts.WidthPx),
		subscribers:     make(map[uint64]chan struct{}),
	}
	onMerge := opts.Orchestrator.OnMerge
	opts.Orchestrator.OnMerge = func() {
		if onMerge != nil {
			onMerge()
		}
		s.notify()
	}
	s.orch = orchestrator.New(client, s.reg, opts.Orchestrator)
	return s
}

// Run drives block fetching until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.orch.Run(ctx)
}

// Registry exposes the loaded data for read-only use.
func (s *Session) Registry() *registry.Registry {
	return s.reg
}

// Client returns the analytics service the session reads from.
func (s *Session) Client() dataservice.Client {
	return s.client
}

// WaitIdle blocks until everything visible is loaded (or has failed for
// good), or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	return s.orch.WaitIdle(ctx)
}

// Load reads the process, its streams and their block lists, then points
// the orchestrator at the initial view. Streams that cannot be listed are
// logged and left out; Load only fails when the process itself cannot be
// read or no stream could be listed. link may carry the initial view
// bounds. A session shows a single process; Load may only succeed once.
func (s *Session) Load(ctx context.Context, processID string, link viewport.DeepLink) error {
	if s.reg.Ready() {
		return errors.New("session already loaded")
	}
	proc, err := s.client.FindProcess(ctx, processID)
	if err != nil {
		return fmt.Errorf("find process %s: %w", processID, err)
	}
	s.reg.SetProcess(proc)

	streams, err := s.client.ListProcessStreams(ctx, processID)
	if err != nil {
		return fmt.Errorf("list streams of %s: %w", processID, err)
	}
	for _, st := range streams {
		s.reg.AddStream(st)
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(s.loadConcurrency)
	for _, st := range streams {
		g.Go(func() error {
			if err := s.loadStream(ctx, proc, st); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("stream %s: %w", st.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var loadErrors []string
	if err := merr.ErrorOrNil(); err != nil {
		level.Warn(s.logger).Log("msg", "some streams could not be loaded", "process", processID, "err", err)
		for _, e := range merr.Errors {
			loadErrors = append(loadErrors, e.Error())
		}
		if len(merr.Errors) == len(streams) {
			return fmt.Errorf("load %s: %w", processID, err)
		}
	}

	s.restoreMetrics()

	s.mu.Lock()
	s.loadErrors = loadErrors
	if bounds, ok := s.reg.DataBounds(); ok {
		s.vp.SetDataBounds(bounds.BeginMs, bounds.EndMs)
	}
	s.vp.SetQueryBounds(link.Begin, link.End)
	s.vp.ResetViewRange()
	s.sel.Clear()
	s.mu.Unlock()

	s.reg.SetReady(true)
	level.Info(s.logger).Log("msg", "process loaded", "process", processID, "streams", len(streams),
		"blocks", len(s.reg.SpanBlocks()), "metrics", len(s.reg.Metrics()))
	s.viewChanged()
	return nil
}

// loadStream registers the blocks of one stream.
func (s *Session) loadStream(ctx context.Context, proc model.Process, st model.Stream) error {
	if st.ProcessID != "" && st.ProcessID != proc.ID {
		level.Warn(s.logger).Log("msg", "stream belongs to another process, skipping", "stream", st.ID, "process", st.ProcessID)
		return nil
	}
	blocks, err := s.client.ListStreamBlocks(ctx, st.ID)
	if err != nil {
		return err
	}
	switch {
	case st.HasTag(model.TagCPU):
		for _, b := range blocks {
			s.reg.AddSpanBlock(b)
		}
	case st.HasTag(model.TagMetrics):
		for _, b := range blocks {
			m, err := s.client.FetchBlockMetricManifest(ctx, proc.ID, b.BlockID)
			if err != nil {
				return fmt.Errorf("metric manifest of block %s: %w", b.BlockID, err)
			}
			s.reg.AddMetricManifest(m)
		}
	}
	return nil
}

func (s *Session) restoreMetrics() {
	names, err := prefs.LastUsedMetrics(s.prefs)
	if err != nil {
		level.Warn(s.logger).Log("msg", "reading metric preferences", "err", err)
		return
	}
	for _, name := range names {
		s.reg.SetMetricEnabled(name, true)
	}
}

// viewChanged pushes the current view to the orchestrator and signals a
// redraw.
func (s *Session) viewChanged() {
	s.mu.Lock()
	v := orchestrator.View{Range: s.vp.GetViewRange(), WidthPx: s.vp.PixelWidth()}
	s.mu.Unlock()
	if s.reg.Ready() {
		s.orch.SetView(v)
	}
	s.notify()
}

// OnZoom applies a wheel event.
func (s *Session) OnZoom(ev viewport.WheelEvent) {
	s.mu.Lock()
	s.vp.Zoom(ev)
	s.mu.Unlock()
	s.viewChanged()
}

// OnMouseDown starts a pan, or a selection when Shift is held.
func (s *Session) OnMouseDown(ev MouseEvent) {
	s.mu.Lock()
	if ev.Shift {
		s.sel.Begin(s.vp.PixelToTime(ev.X))
	} else {
		s.vp.BeginPan(ev.X, ev.Y)
	}
	s.mu.Unlock()
	s.notify()
}

// OnMouseMove continues the drag in progress, if any.
func (s *Session) OnMouseMove(ev MouseEvent) {
	s.mu.Lock()
	switch {
	case s.sel.Dragging():
		s.sel.Update(s.vp.PixelToTime(ev.X))
		s.mu.Unlock()
		s.notify()
	case s.vp.Panning():
		s.vp.PanTo(ev.X, ev.Y)
		s.mu.Unlock()
		s.viewChanged()
	default:
		s.mu.Unlock()
	}
}

// OnMouseUp finishes the drag in progress. A selection drag of zero width
// clears the selection.
func (s *Session) OnMouseUp(ev MouseEvent) {
	s.mu.Lock()
	switch {
	case s.sel.Dragging():
		s.sel.Update(s.vp.PixelToTime(ev.X))
		s.sel.End()
		s.mu.Unlock()
		s.notify()
	case s.vp.Panning():
		s.vp.PanTo(ev.X, ev.Y)
		s.vp.EndPan()
		s.mu.Unlock()
		s.viewChanged()
	default:
		s.mu.Unlock()
	}
}

// OnMinimapClick recenters the view on the time under x, a coordinate on
// the minimap which spans the canvas width.
func (s *Session) OnMinimapClick(x float64) {
	s.mu.Lock()
	full := s.vp.DataRange()
	t := viewport.MinimapToTime(full, s.vp.PixelWidth(), x)
	s.vp.SetViewRange(viewport.RecenterAt(s.vp.GetViewRange(), t))
	s.mu.Unlock()
	s.viewChanged()
}

// SetCanvasWidth changes the canvas width, which may change the LOD the
// view calls for.
func (s *Session) SetCanvasWidth(widthPx int) {
	s.mu.Lock()
	s.vp.SetPixelWidth(widthPx)
	s.mu.Unlock()
	s.viewChanged()
}

// SetViewRange replaces the view range.
func (s *Session) SetViewRange(r model.TimeRange) error {
	if _, err := model.NewTimeRange(r.BeginMs, r.EndMs); err != nil {
		return err
	}
	if r.Width() <= 0 {
		return fmt.Errorf("empty view range %s", r)
	}
	s.mu.Lock()
	s.vp.SetViewRange(r)
	s.mu.Unlock()
	s.viewChanged()
	return nil
}

// ResetView drops any zoom or pan so the whole data range shows again.
func (s *Session) ResetView() {
	s.mu.Lock()
	s.vp.ResetViewRange()
	s.vp.SetYOffset(0)
	s.mu.Unlock()
	s.viewChanged()
}

// SetSelection replaces the selection. ClearSelection drops it.
func (s *Session) SetSelection(r model.TimeRange) {
	s.mu.Lock()
	s.sel.Set(r)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) ClearSelection() {
	s.mu.Lock()
	s.sel.Clear()
	s.mu.Unlock()
	s.notify()
}

// SetMetricEnabled toggles a metric lane and remembers the enabled set.
func (s *Session) SetMetricEnabled(name string, enabled bool) error {
	if !s.reg.SetMetricEnabled(name, enabled) {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	if err := prefs.SetLastUsedMetrics(s.prefs, s.reg.EnabledMetrics()); err != nil {
		level.Warn(s.logger).Log("msg", "saving metric preferences", "err", err)
	}
	s.orch.Kick()
	s.notify()
	return nil
}

// CallGraph builds the cumulative call graph of r, or of the selection
// when r is nil.
func (s *Session) CallGraph(ctx context.Context, r *model.TimeRange) (*callgraph.Graph, error) {
	if !s.reg.Ready() {
		return nil, ErrNotLoaded
	}
	if r == nil {
		s.mu.Lock()
		sel, ok := s.sel.Range()
		s.mu.Unlock()
		if !ok {
			return nil, errors.New("no time range selected")
		}
		r = &sel
	}
	return callgraph.Build(ctx, s.client, s.reg, *r, s.loadConcurrency)
}

// RenderSVG draws the current frame as an SVG document of the canvas
// width and heightPx.
func (s *Session) RenderSVG(w io.Writer, heightPx int) render.FrameStats {
	c := render.NewSVGCanvas(w, s.CanvasWidth(), heightPx)
	if proc, ok := s.reg.Process(); ok {
		c.Title(strings.TrimSpace(proc.Exe + " " + proc.ID))
	}
	width, height := c.Size()
	stats := s.RenderTo(c, render.DefaultLayout(width, height))
	c.End()
	return stats
}

// RenderTo draws the current frame onto c with layout l. l.WidthPx should
// match the canvas width the session fetches for.
func (s *Session) RenderTo(c render.Canvas, l render.Layout) render.FrameStats {
	s.mu.Lock()
	frame := render.Frame{
		Registry: s.reg,
		View:     s.vp.GetViewRange(),
		YOffset:  s.vp.YOffset(),
	}
	if sel, ok := s.sel.Range(); ok {
		frame.Selection = &sel
	}
	s.mu.Unlock()

	st := s.orch.Stats()
	frame.Progress = render.Progress{Requested: st.Requested, Completed: st.Completed, Failed: st.Failed}
	return render.RenderFrame(c, l, frame)
}

// CanvasWidth returns the width in pixels the view is laid out for.
func (s *Session) CanvasWidth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vp.PixelWidth()
}

// Subscribe returns a notification channel and an unsubscribe function.
// The channel receives a signal whenever the frame would look different:
// new data merged, view or selection changed. It is buffered with
// capacity 1 so bursts coalesce into one redraw.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	id := s.nextSubscriberID
	s.nextSubscriberID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	return ch, func() {
		s.subscriberMu.Lock()
		defer s.subscriberMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Session) notify() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
