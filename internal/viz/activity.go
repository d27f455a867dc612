package viz

import (
	"fmt"
	"strings"

	"github.com/tobert/tracelod/internal/render"
)

// Status renders the header an agent reads before looking at a frame:
// what is loaded, where the view is and how fetching is going.
func Status(st SessionStatus) string {
	var b strings.Builder
	if st.Process == "" {
		b.WriteString("No process loaded\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%s %s\n", statusIcon(st), st.Process)
	width := st.ViewEndMs - st.ViewBeginMs
	fmt.Fprintf(&b, "  View:    %s .. %s (%s), lod %d\n",
		render.FormatTimestamp(st.ViewBeginMs, width),
		render.FormatTimestamp(st.ViewEndMs, width),
		render.FormatDuration(width), st.Lod)
	fmt.Fprintf(&b, "  Loaded:  %s spans, %s points",
		formatCount(int(st.SpansLoaded)), formatCount(int(st.PointsLoaded)))
	if st.AsyncSpans > 0 {
		fmt.Fprintf(&b, ", %s async spans", formatCount(int(st.AsyncSpans)))
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  Fetched: %d/%d", st.Completed, st.Requested)
	if st.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", st.Failed)
	}
	if !st.Idle {
		b.WriteString(", loading")
	}
	b.WriteByte('\n')
	b.WriteString(LoadErrors(st.LoadErrors))
	return b.String()
}

// LoadErrors renders the streams that could not be listed.
func LoadErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Load Errors (%d)\n", len(errs))
	for _, e := range errs {
		msg := e
		if len(msg) > 76 {
			msg = msg[:75] + "…"
		}
		fmt.Fprintf(&b, "  ✗ %s\n", msg)
	}
	return b.String()
}

func statusIcon(st SessionStatus) string {
	switch {
	case !st.Ready:
		return "·"
	case st.Failed > 0 || len(st.LoadErrors) > 0:
		return "✗"
	case st.Idle:
		return "✓"
	default:
		return "…"
	}
}
