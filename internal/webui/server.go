// Package webui serves the timeline in a browser: an embedded page that
// shows the SVG frame, forwards input events and redraws when the session
// pushes a change over a WebSocket.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tobert/tracelod/internal/callgraph"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/session"
	"github.com/tobert/tracelod/internal/viewport"
)

//go:embed static/index.html
var staticFiles embed.FS

const (
	defaultHeightPx = 600
	keepalive       = 15 * time.Second
)

// Config configures a Server.
type Config struct {
	Session session.Options
	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

// RouteRegistrar is anything that can add its own routes next to the UI,
// such as the analytics handler.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server serves the web UI for one process at a time.
type Server struct {
	client   dataservice.Client
	opts     session.Options
	gatherer prometheus.Gatherer
	logger   log.Logger

	mu      sync.Mutex
	sess    *session.Session
	stop    context.CancelFunc
	stopped chan struct{}
	gen     uint64

	subscriberMu     sync.Mutex
	subscribers      map[uint64]chan struct{}
	nextSubscriberID uint64
}

// New creates a web UI server reading from client.
func New(client dataservice.Client, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	return &Server{
		client:      client,
		opts:        cfg.Session,
		gatherer:    cfg.Gatherer,
		logger:      log.With(cfg.Logger, "component", "webui"),
		subscribers: make(map[uint64]chan struct{}),
	}
}

// Open replaces the current session with one showing link.ProcessID. The
// session fetches in the background until the next Open or Close.
func (s *Server) Open(ctx context.Context, link viewport.DeepLink) error {
	if link.ProcessID == "" {
		return errors.New("process is required")
	}
	sess := session.New(s.client, s.opts)
	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = sess.Run(runCtx)
	}()
	if err := sess.Load(ctx, link.ProcessID, link); err != nil {
		cancel()
		<-stopped
		return err
	}

	changes, unsubscribe := sess.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-changes:
				s.notify()
			}
		}
	}()

	s.mu.Lock()
	prevStop, prevStopped := s.stop, s.stopped
	s.sess, s.stop, s.stopped = sess, cancel, stopped
	s.gen++
	s.mu.Unlock()
	if prevStop != nil {
		prevStop()
		<-prevStopped
	}
	level.Info(s.logger).Log("msg", "opened process", "process", link.ProcessID)
	s.notify()
	return nil
}

// Close stops the current session, if any.
func (s *Server) Close() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.sess, s.stop, s.stopped = nil, nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-stopped
	}
}

// Session returns the current session, or nil.
func (s *Server) Session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *Server) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// RegisterRoutes attaches web UI routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ui/", s.handleUI)
	mux.HandleFunc("GET /ui", s.handleUIRedirect)
	mux.HandleFunc("GET "+session.CallGraphPath, s.handleCallGraphPage)
	mux.HandleFunc("GET /api/processes", s.handleProcesses)
	mux.HandleFunc("GET /api/processes/{process}/children", s.handleChildren)
	mux.HandleFunc("POST /api/load", s.handleLoad)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/timeline.svg", s.handleTimeline)
	mux.HandleFunc("POST /api/zoom", s.handleZoom)
	mux.HandleFunc("POST /api/mouse", s.handleMouse)
	mux.HandleFunc("POST /api/view", s.handleView)
	mux.HandleFunc("POST /api/selection", s.handleSelection)
	mux.HandleFunc("GET /api/metrics", s.handleMetricList)
	mux.HandleFunc("POST /api/metrics", s.handleMetricToggle)
	mux.HandleFunc("GET /api/callgraph", s.handleCallGraph)
	mux.HandleFunc("GET /api/log", s.handleLog)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ListenAndServe serves the UI, plus any extra routes, on addr until ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, extra ...RouteRegistrar) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	for _, r := range extra {
		r.RegisterRoutes(mux)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUIRedirect(w http.ResponseWriter, r *http.Request) {
	target := "/ui/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// handleUI serves the embedded page. A begin/end/process query opens that
// process before the page loads.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	link, err := viewport.ParseDeepLink(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if link.ProcessID != "" {
		if err := s.Open(r.Context(), link); err != nil {
			writeError(w, err)
			return
		}
	}
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "UI not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// handleProcesses lists recent processes, or those matching ?search=.
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	var procs []model.Process
	var err error
	if search := r.URL.Query().Get("search"); search != "" {
		procs, err = s.client.SearchProcesses(r.Context(), search)
	} else {
		procs, err = s.client.ListRecentProcesses(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, procs)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	procs, err := s.client.ListProcessChildren(r.Context(), r.PathValue("process"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, procs)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	link, err := viewport.ParseDeepLink(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Open(r.Context(), link); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.Session().State())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess := s.Session()
	if sess == nil {
		writeJSON(w, session.State{})
		return
	}
	writeJSON(w, sess.State())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	height := defaultHeightPx
	if v := r.URL.Query().Get("height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid height %q", v), http.StatusBadRequest)
			return
		}
		height = n
	}
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid width %q", v), http.StatusBadRequest)
			return
		}
		sess.SetCanvasWidth(n)
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	sess.RenderSVG(w, height)
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	var ev viewport.WheelEvent
	if !readJSON(w, r, &ev) {
		return
	}
	sess.OnZoom(ev)
	writeJSON(w, sess.State())
}

// mouseRequest is a pointer event. Type is down, move, up or minimap; for
// minimap only X is used.
type mouseRequest struct {
	Type string `json:"type"`
	session.MouseEvent
}

func (s *Server) handleMouse(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	var req mouseRequest
	if !readJSON(w, r, &req) {
		return
	}
	switch req.Type {
	case "down":
		sess.OnMouseDown(req.MouseEvent)
	case "move":
		sess.OnMouseMove(req.MouseEvent)
	case "up":
		sess.OnMouseUp(req.MouseEvent)
	case "minimap":
		sess.OnMinimapClick(req.X)
	default:
		http.Error(w, fmt.Sprintf("unknown mouse event type %q", req.Type), http.StatusBadRequest)
		return
	}
	writeJSON(w, sess.State())
}

// viewRequest sets the visible range, or resets it to the data bounds.
type viewRequest struct {
	Begin *float64 `json:"begin,omitempty"`
	End   *float64 `json:"end,omitempty"`
	Reset bool     `json:"reset,omitempty"`
	Width int      `json:"width,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	var req viewRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Width > 0 {
		sess.SetCanvasWidth(req.Width)
	}
	switch {
	case req.Reset:
		sess.ResetView()
	case req.Begin != nil && req.End != nil:
		if err := sess.SetViewRange(model.TimeRange{BeginMs: *req.Begin, EndMs: *req.End}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case req.Begin != nil || req.End != nil:
		http.Error(w, "begin and end must be set together", http.StatusBadRequest)
		return
	}
	writeJSON(w, sess.State())
}

// selectionRequest sets or clears the selected range.
type selectionRequest struct {
	Begin float64 `json:"begin"`
	End   float64 `json:"end"`
	Clear bool    `json:"clear,omitempty"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	var req selectionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Clear {
		sess.ClearSelection()
	} else {
		sel, err := model.NewTimeRange(req.Begin, req.End)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess.SetSelection(sel)
	}
	writeJSON(w, sess.State())
}

func (s *Server) handleMetricList(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	writeJSON(w, sess.State().Metrics)
}

type metricToggle struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleMetricToggle(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	var req metricToggle
	if !readJSON(w, r, &req) {
		return
	}
	if err := sess.SetMetricEnabled(req.Name, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sess.State().Metrics)
}

// callGraphResponse is the JSON shape for /api/callgraph.
type callGraphResponse struct {
	ProcessID string          `json:"process_id"`
	Range     model.TimeRange `json:"range"`
	Rows      []callgraph.Row `json:"rows"`
}

func (s *Server) handleCallGraph(w http.ResponseWriter, r *http.Request) {
	g, processID, err := s.callGraph(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, callGraphResponse{ProcessID: processID, Range: g.Range, Rows: g.Rows(limit)})
}

// handleCallGraphPage is where selection links land: the call graph of
// the linked range as a plain table.
func (s *Server) handleCallGraphPage(w http.ResponseWriter, r *http.Request) {
	g, processID, err := s.callGraph(r)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s [%g, %g] ms\n\n", processID, g.Range.BeginMs, g.Range.EndMs)
	g.WriteTable(w, 0)
}

// callGraph answers for the current session when the link names its
// process (or none), otherwise loads the linked process into a
// throwaway session.
func (s *Server) callGraph(r *http.Request) (*callgraph.Graph, string, error) {
	link, err := viewport.ParseDeepLink(r.URL.Query())
	if err != nil {
		return nil, "", badRequest(err)
	}
	var rng *model.TimeRange
	if sel, ok := link.Selection(); ok {
		rng = &sel
	} else if link.Begin != nil || link.End != nil {
		return nil, "", badRequest(errors.New("begin and end must be set together"))
	}

	sess := s.Session()
	var current string
	if sess != nil {
		if p, ok := sess.Registry().Process(); ok {
			current = p.ID
		}
	}
	if link.ProcessID == "" || link.ProcessID == current {
		if sess == nil {
			return nil, "", session.ErrNotLoaded
		}
		g, err := sess.CallGraph(r.Context(), rng)
		return g, current, err
	}

	if rng == nil {
		return nil, "", badRequest(errors.New("begin and end are required"))
	}
	tmp := session.New(s.client, s.opts)
	if err := tmp.Load(r.Context(), link.ProcessID, link); err != nil {
		return nil, "", err
	}
	g, err := tmp.CallGraph(r.Context(), rng)
	return g, link.ProcessID, err
}

// handleLog pages through the loaded process's log. Query parameters are
// begin, limit, search and level.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w)
	if sess == nil {
		return
	}
	req, err := parseLogRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reply, err := sess.Log(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reply)
}

func parseLogRequest(r *http.Request) (dataservice.LogRequest, error) {
	q := r.URL.Query()
	req := dataservice.LogRequest{Search: q.Get("search")}
	for name, dst := range map[string]*int{"begin": &req.Begin, "limit": &req.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, badRequest(fmt.Errorf("invalid %s %q", name, v))
		}
		*dst = n
	}
	if v := q.Get("level"); v != "" {
		lvl, err := model.ParseLogLevel(v)
		if err != nil {
			return req, badRequest(err)
		}
		req.Level = lvl
	}
	return req, nil
}

func (s *Server) requireSession(w http.ResponseWriter) *session.Session {
	sess := s.Session()
	if sess == nil {
		http.Error(w, session.ErrNotLoaded.Error(), http.StatusConflict)
	}
	return sess
}

// wsUpdate is the server-sent message on the WebSocket. Generation changes
// whenever a different process is opened.
type wsUpdate struct {
	Generation uint64         `json:"generation"`
	State      *session.State `json:"state,omitempty"`
}

// handleWebSocket pushes the session state whenever the frame changes so
// the page knows to fetch a new SVG.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // localhost tool, any origin
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	notifyCh, unsubscribe := s.subscribe()
	defer unsubscribe()

	s.sendWSUpdate(ctx, conn)

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-notifyCh:
			if !s.sendWSUpdate(ctx, conn) {
				return
			}
		case <-ticker.C:
			if !s.sendWSUpdate(ctx, conn) {
				return
			}
		}
	}
}

func (s *Server) sendWSUpdate(ctx context.Context, conn *websocket.Conn) bool {
	update := wsUpdate{Generation: s.generation()}
	if sess := s.Session(); sess != nil {
		st := sess.State()
		update.State = &st
	}
	data, err := json.Marshal(update)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to marshal update", "err", err)
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data) == nil
}

func (s *Server) subscribe() (<-chan struct{}, func()) {
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

func (s *Server) notify() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type httpError struct {
	code int
	err  error
}

func (e httpError) Error() string { return e.err.Error() }
func (e httpError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return httpError{code: http.StatusBadRequest, err: err}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var he httpError
	switch {
	case errors.As(err, &he):
		code = he.code
	case errors.Is(err, dataservice.ErrNotFound), errors.Is(err, session.ErrUnknownMetric):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrNotLoaded):
		code = http.StatusConflict
	case errors.Is(err, model.ErrInvertedRange):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
