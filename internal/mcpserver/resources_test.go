package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func readReq(uri string) *mcp.ReadResourceRequest {
	return &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	}
}

func readText(t *testing.T) func(result *mcp.ReadResourceResult, err error) string {
	return func(result *mcp.ReadResourceResult, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Contents) != 1 {
			t.Fatalf("expected 1 content, got %d", len(result.Contents))
		}
		return result.Contents[0].Text
	}
}

func TestProcessesResource(t *testing.T) {
	srv := newTestServer(t)
	text := readText(t)(srv.handleProcessesResource(context.Background(), readReq("tracelod://processes")))

	if !strings.Contains(text, "Processes (1, 20 spans)") {
		t.Errorf("expected process header, got:\n%s", text)
	}
	if !strings.Contains(text, "svc") || !strings.Contains(text, "1 streams") {
		t.Errorf("expected svc line, got:\n%s", text)
	}
}

func TestStateResource(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	text := readText(t)(srv.handleStateResource(ctx, readReq("tracelod://state")))
	if text != "No process loaded\n" {
		t.Errorf("expected no process, got %q", text)
	}

	openSvc(t, srv)
	text = readText(t)(srv.handleStateResource(ctx, readReq("tracelod://state")))
	if !strings.Contains(text, "svc") || !strings.Contains(text, "View:") {
		t.Errorf("expected status of svc, got:\n%s", text)
	}
}

func TestStoreResource(t *testing.T) {
	srv := newTestServer(t)
	text := readText(t)(srv.handleStoreResource(context.Background(), readReq("tracelod://store")))

	if !strings.Contains(text, "Block Store") {
		t.Errorf("expected store header, got:\n%s", text)
	}
	if !strings.Contains(text, "1 span blocks, 1 metric blocks") {
		t.Errorf("expected one sealed block of each kind, got:\n%s", text)
	}
}

func TestProcessDetailResource(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	text := readText(t)(srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/svc")))
	if !strings.Contains(text, "Process: svc") {
		t.Errorf("expected process header, got:\n%s", text)
	}
	if !strings.Contains(text, "svc/main") || !strings.Contains(text, "20 spans") {
		t.Errorf("expected the main stream, got:\n%s", text)
	}
	if !strings.Contains(text, "10 points") {
		t.Errorf("expected the metrics stream, got:\n%s", text)
	}

	if _, err := srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/nope")); err == nil {
		t.Error("expected not found for unknown process")
	}
	if _, err := srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/")); err == nil {
		t.Error("expected not found for empty process")
	}
}

func TestFileSources(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	text := readText(t)(srv.handleFileSourcesResource(ctx, readReq("tracelod://file-sources")))
	if text != "No file sources\n" {
		t.Errorf("expected no file sources, got %q", text)
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "traces"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, out, err := srv.handleAddFileSource(ctx, nil, AddFileSourceInput{Directory: dir})
	if err != nil {
		t.Fatalf("add_file_source: %v", err)
	}
	if len(out.Directories) != 1 || out.Directories[0] != dir {
		t.Errorf("expected %s to be watched, got %v", dir, out.Directories)
	}
	if _, _, err := srv.handleAddFileSource(ctx, nil, AddFileSourceInput{Directory: dir}); err == nil {
		t.Error("expected error adding the same directory twice")
	}

	text = readText(t)(srv.handleFileSourcesResource(ctx, readReq("tracelod://file-sources")))
	if !strings.Contains(text, "File Sources (1)") || !strings.Contains(text, dir) {
		t.Errorf("expected the directory listed, got:\n%s", text)
	}

	_, out, err = srv.handleRemoveFileSource(ctx, nil, RemoveFileSourceInput{Directory: dir})
	if err != nil {
		t.Fatalf("remove_file_source: %v", err)
	}
	if len(out.Directories) != 0 {
		t.Errorf("expected no directories left, got %v", out.Directories)
	}
	if _, _, err := srv.handleRemoveFileSource(ctx, nil, RemoveFileSourceInput{Directory: dir}); err == nil {
		t.Error("expected error removing a directory that is not watched")
	}
}

func TestExtractURIParam(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"tracelod://processes/svc", "svc", false},
		{"tracelod://processes/game%2Fclient", "game/client", false},
		{"tracelod://processes/", "", true},
		{"otlp://services/svc", "", true},
		{"tracelod://processes/%zz", "", true},
	}
	for _, tt := range tests {
		got, err := extractURIParam(tt.uri, processURIPrefix)
		if (err != nil) != tt.wantErr {
			t.Errorf("extractURIParam(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("extractURIParam(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestProcessDetailResource_LogsAndFamily(t *testing.T) {
	srv := newTestServer(t)
	addLogs(t, srv.store)
	ctx := context.Background()

	text := readText(t)(srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/svc")))
	if !strings.Contains(text, "svc/log") || !strings.Contains(text, "3 entries") {
		t.Errorf("expected the log stream, got:\n%s", text)
	}

	text = readText(t)(srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/launcher")))
	if !strings.Contains(text, "Child:    worker") {
		t.Errorf("expected worker as child, got:\n%s", text)
	}
	text = readText(t)(srv.handleProcessDetailResource(ctx, readReq("tracelod://processes/worker")))
	if !strings.Contains(text, "Parent:   launcher") {
		t.Errorf("expected launcher as parent, got:\n%s", text)
	}

	text = readText(t)(srv.handleStoreResource(ctx, readReq("tracelod://store")))
	if !strings.Contains(text, "3 log blocks") {
		t.Errorf("expected one log block per process, got:\n%s", text)
	}
}
