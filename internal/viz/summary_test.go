package viz

import (
	"strings"
	"testing"
)

func TestStoreOverview(t *testing.T) {
	stats := StoreStats{
		Processes:      2,
		Streams:        5,
		SpanBlocks:     1204,
		MetricBlocks:   12,
		OpenSpans:      2048,
		SpansPerBlock:  4096,
		PointsPerBlock: 4096,
		LogBlocks:      3,
		OpenLogs:       1024,
		LogsPerBlock:   4096,
	}
	result := StoreOverview(stats)

	if !strings.Contains(result, "Block Store") {
		t.Errorf("expected 'Block Store' header, got:\n%s", result)
	}
	if !strings.Contains(result, "1,204 span blocks") {
		t.Errorf("expected formatted block count, got:\n%s", result)
	}
	if !strings.Contains(result, "[##########..........]  2,048 open / 4,096 per block") {
		t.Errorf("expected a half full span bar, got:\n%s", result)
	}
	if !strings.Contains(result, "3 log blocks") {
		t.Errorf("expected log block count, got:\n%s", result)
	}
	if !strings.Contains(result, "Logs     [#####...............]  1,024 open") {
		t.Errorf("expected a quarter full log bar, got:\n%s", result)
	}
	if !strings.Contains(result, "[....................]  0 open") {
		t.Errorf("expected an empty point bar, got:\n%s", result)
	}
}

func TestStoreOverview_Overfull(t *testing.T) {
	result := StoreOverview(StoreStats{OpenSpans: 50_000, SpansPerBlock: 4096})
	if !strings.Contains(result, "[####################]") {
		t.Errorf("expected the bar to be capped, got:\n%s", result)
	}
}

func TestProcessSummary_Empty(t *testing.T) {
	if result := ProcessSummary(nil, 80); result != "" {
		t.Errorf("expected empty string for nil processes, got %q", result)
	}
}

func TestProcessSummary(t *testing.T) {
	procs := []ProcessStats{
		{Name: "game-client", Streams: 4, Blocks: 30, Spans: 28_000},
		{Name: "asset-server", Streams: 2, Blocks: 3, Spans: 10},
	}
	result := ProcessSummary(procs, 80)

	if !strings.Contains(result, "Processes (2, 28,010 spans)") {
		t.Errorf("expected header with totals, got:\n%s", result)
	}
	for _, line := range strings.Split(result, "\n") {
		if strings.Contains(line, "asset-server") && !strings.Contains(line, "  #  ") {
			t.Errorf("small processes still get one bar cell, got: %s", line)
		}
		if strings.Contains(line, "game-client") && !strings.Contains(line, "4 streams, 30 blocks") {
			t.Errorf("expected stream and block counts, got: %s", line)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		input    int
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.input); got != tt.expected {
			t.Errorf("formatCount(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
