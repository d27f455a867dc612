package viz

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// StoreOverview renders block counts and how full the open blocks are.
func StoreOverview(stats StoreStats) string {
	var b strings.Builder

	b.WriteString("Block Store\n")
	fmt.Fprintf(&b, "  Processes: %s  Streams: %s\n", formatCount(stats.Processes), formatCount(stats.Streams))
	fmt.Fprintf(&b, "  Sealed:    %s span blocks, %s metric blocks, %s log blocks\n",
		formatCount(stats.SpanBlocks), formatCount(stats.MetricBlocks), formatCount(stats.LogBlocks))
	writeBar(&b, "Spans", stats.OpenSpans, stats.SpansPerBlock)
	writeBar(&b, "Points", stats.OpenPoints, stats.PointsPerBlock)
	writeBar(&b, "Logs", stats.OpenLogs, stats.LogsPerBlock)

	return b.String()
}

// writeBar draws count against capacity. Open data is spread over many
// streams, so the bar may exceed one block's worth; it is capped.
func writeBar(b *strings.Builder, label string, count, capacity int) {
	barWidth := 20
	filled := 0
	if capacity > 0 {
		filled = count * barWidth / capacity
	}
	if filled > barWidth {
		filled = barWidth
	}

	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	paddedLabel := fmt.Sprintf("%-8s", label)
	fmt.Fprintf(b, "  %s [%s]  %s open / %s per block\n", paddedLabel, bar, formatCount(count), formatCount(capacity))
}

// ProcessSummary renders a horizontal bar chart of processes by span count.
// Width controls total line width; 0 uses default (80).
func ProcessSummary(procs []ProcessStats, width int) string {
	if len(procs) == 0 {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	totalSpans := 0
	maxCount := 0
	maxNameLen := 0
	for _, p := range procs {
		totalSpans += p.Spans
		maxCount = max(maxCount, p.Spans)
		maxNameLen = max(maxNameLen, len(p.Name))
	}
	maxNameLen = min(maxNameLen, 24)

	var b strings.Builder
	fmt.Fprintf(&b, "Processes (%d, %s spans)\n", len(procs), formatCount(totalSpans))

	// name, two gaps and the trailing counts share the line with the bar
	barBudget := min(max(width-maxNameLen-36, 10), 40)

	for _, p := range procs {
		name := p.Name
		if len(name) > maxNameLen {
			name = name[:maxNameLen-1] + "…"
		}
		paddedName := fmt.Sprintf("%-*s", maxNameLen, name)

		barLen := 0
		if maxCount > 0 {
			barLen = p.Spans * barBudget / maxCount
		}
		if barLen < 1 && p.Spans > 0 {
			barLen = 1
		}
		bar := strings.Repeat("#", barLen) + strings.Repeat(" ", barBudget-barLen)

		fmt.Fprintf(&b, "  %s  %s  %s spans, %d streams, %d blocks\n",
			paddedName, bar, formatCount(p.Spans), p.Streams, p.Blocks)
	}

	return b.String()
}

func formatCount(n int) string {
	return humanize.Comma(int64(n))
}
