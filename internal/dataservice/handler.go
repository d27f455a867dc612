package dataservice

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// PathPrefix is where Handler mounts its routes.
const PathPrefix = "/analytics"

// Handler exposes a Client as JSON over HTTP, the server side of HTTPClient.
type Handler struct {
	client Client
	logger log.Logger
	mux    *http.ServeMux
}

// NewHandler wraps c.
func NewHandler(c Client, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Handler{client: c, logger: log.With(logger, "component", "dataservice"), mux: http.NewServeMux()}
	h.RegisterRoutes(h.mux)
	return h
}

// RegisterRoutes attaches the analytics routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathPrefix+"/processes", h.handleRecentProcesses)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}", h.handleFindProcess)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/streams", h.handleStreams)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/metrics", h.handleMetrics)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/blocks/{block}/metric_manifest", h.handleManifest)
	mux.HandleFunc("GET "+PathPrefix+"/streams/{stream}/blocks", h.handleBlocks)
	mux.HandleFunc("POST "+PathPrefix+"/block_spans", h.handleBlockSpans)
	mux.HandleFunc("POST "+PathPrefix+"/block_metric", h.handleBlockMetric)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/children", h.handleChildren)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/log_count", h.handleLogCount)
	mux.HandleFunc("GET "+PathPrefix+"/processes/{process}/blocks/{block}/async_stats", h.handleAsyncStats)
	mux.HandleFunc("POST "+PathPrefix+"/process_log", h.handleProcessLog)
	mux.HandleFunc("POST "+PathPrefix+"/async_spans", h.handleAsyncSpans)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRecentProcesses(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("search") {
		procs, err := h.client.SearchProcesses(r.Context(), r.URL.Query().Get("search"))
		h.reply(w, procs, err)
		return
	}
	procs, err := h.client.ListRecentProcesses(r.Context())
	h.reply(w, procs, err)
}

func (h *Handler) handleFindProcess(w http.ResponseWriter, r *http.Request) {
	p, err := h.client.FindProcess(r.Context(), r.PathValue("process"))
	h.reply(w, p, err)
}

func (h *Handler) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.client.ListProcessStreams(r.Context(), r.PathValue("process"))
	h.reply(w, streams, err)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	descs, err := h.client.ListProcessMetrics(r.Context(), r.PathValue("process"))
	h.reply(w, descs, err)
}

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.client.FetchBlockMetricManifest(r.Context(), r.PathValue("process"), r.PathValue("block"))
	h.reply(w, m, err)
}

func (h *Handler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.client.ListStreamBlocks(r.Context(), r.PathValue("stream"))
	h.reply(w, blocks, err)
}

func (h *Handler) handleBlockSpans(w http.ResponseWriter, r *http.Request) {
	var req SpansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid spans request: "+err.Error())
		return
	}
	reply, err := h.client.FetchBlockSpans(r.Context(), req)
	h.reply(w, reply, err)
}

func (h *Handler) handleBlockMetric(w http.ResponseWriter, r *http.Request) {
	var req MetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metric request: "+err.Error())
		return
	}
	data, err := h.client.FetchBlockMetric(r.Context(), req)
	h.reply(w, data, err)
}

func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	procs, err := h.client.ListProcessChildren(r.Context(), r.PathValue("process"))
	h.reply(w, procs, err)
}

type logCount struct {
	Count int `json:"count"`
}

func (h *Handler) handleLogCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.client.CountProcessLogEntries(r.Context(), r.PathValue("process"))
	h.reply(w, logCount{Count: n}, err)
}

func (h *Handler) handleAsyncStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.client.FetchBlockAsyncStats(r.Context(), r.PathValue("process"), r.PathValue("block"))
	h.reply(w, st, err)
}

func (h *Handler) handleProcessLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid log request: "+err.Error())
		return
	}
	reply, err := h.client.ListProcessLogEntries(r.Context(), req)
	h.reply(w, reply, err)
}

func (h *Handler) handleAsyncSpans(w http.ResponseWriter, r *http.Request) {
	var req AsyncSpansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid async spans request: "+err.Error())
		return
	}
	reply, err := h.client.FetchAsyncSpans(r.Context(), req)
	h.reply(w, reply, err)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	codeNotFound   = "not_found"
	codeMissingLod = "missing_lod"
)

func (h *Handler) reply(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			level.Warn(h.logger).Log("msg", "failed to write reply", "err", err)
		}
	case errors.Is(err, ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, err.Error(), codeNotFound)
	case errors.Is(err, ErrMissingLod):
		writeErrorCode(w, http.StatusBadGateway, err.Error(), codeMissingLod)
	default:
		level.Error(h.logger).Log("msg", "analytics request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, "")
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}
