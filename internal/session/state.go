package session

import (
	"github.com/tobert/tracelod/internal/lod"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/orchestrator"
	"github.com/tobert/tracelod/internal/registry"
	"github.com/tobert/tracelod/internal/viewport"
)

// MetricState describes one metric lane.
type MetricState struct {
	Name    string `json:"name"`
	Unit    string `json:"unit,omitempty"`
	Enabled bool   `json:"enabled"`
	Blocks  int    `json:"blocks"`
}

// State is a snapshot of everything a host shows besides the frame itself.
type State struct {
	ProcessID     string             `json:"process_id,omitempty"`
	Exe           string             `json:"exe,omitempty"`
	Ready         bool               `json:"ready"`
	View          model.TimeRange    `json:"view"`
	DataRange     *model.TimeRange   `json:"data_range,omitempty"`
	Selection     *model.TimeRange   `json:"selection,omitempty"`
	CallGraphLink string             `json:"call_graph_link,omitempty"`
	WidthPx       int                `json:"width_px"`
	YOffset       float64            `json:"y_offset"`
	Lod           int                `json:"lod"`
	Streams       int                `json:"streams"`
	SpanBlocks    int                `json:"span_blocks"`
	Metrics       []MetricState      `json:"metrics,omitempty"`
	Counters      registry.Counters  `json:"counters"`
	Fetch         orchestrator.Stats `json:"fetch"`
	Idle          bool               `json:"idle"`
	LoadErrors    []string           `json:"load_errors,omitempty"`
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	st := State{
		Ready:      s.reg.Ready(),
		Streams:    len(s.reg.Streams()),
		SpanBlocks: len(s.reg.SpanBlocks()),
		Counters:   s.reg.Counters(),
		Fetch:      s.orch.Stats(),
		Idle:       s.orch.Idle(),
	}
	proc, hasProc := s.reg.Process()
	if hasProc {
		st.ProcessID, st.Exe = proc.ID, proc.Exe
	}
	if full, ok := s.reg.DataBounds(); ok {
		st.DataRange = &full
	}
	for _, m := range s.reg.Metrics() {
		st.Metrics = append(st.Metrics, MetricState{
			Name:    m.Desc.Name,
			Unit:    m.Desc.Unit,
			Enabled: m.Enabled(),
			Blocks:  len(m.Blocks()),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.View = s.vp.GetViewRange()
	st.WidthPx = s.vp.PixelWidth()
	st.YOffset = s.vp.YOffset()
	st.Lod = viewLod(st.View, st.WidthPx)
	st.LoadErrors = s.loadErrors
	if sel, ok := s.sel.Range(); ok {
		st.Selection = &sel
		if hasProc && !s.sel.Dragging() {
			st.CallGraphLink = viewport.SelectionLink(CallGraphPath, proc.ID, sel)
		}
	}
	return st
}

func viewLod(view model.TimeRange, widthPx int) int {
	if view.Width() <= 0 {
		return 0
	}
	return lod.GetLodFromPixelSize(view.Width() / float64(max(widthPx, 1)))
}
