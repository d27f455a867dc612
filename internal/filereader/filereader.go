// Package filereader reads OTLP telemetry from JSONL files written by the
// OpenTelemetry Collector's file exporter and feeds it to the block store,
// so recorded captures can be browsed without a live exporter.
package filereader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/protobuf/encoding/protojson"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const (
	// OTLP JSON lines can be large for batched spans with many attributes.
	jsonlBufferInitial = 1 * 1024 * 1024
	jsonlBufferMax     = 10 * 1024 * 1024
)

const (
	signalTraces  = "traces"
	signalMetrics = "metrics"
	signalLogs    = "logs"
)

var signals = []string{signalTraces, signalMetrics, signalLogs}

// Receiver is what the file source writes into. The block store satisfies it.
type Receiver interface {
	ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error
	ReceiveMetrics(ctx context.Context, resourceMetrics []*metricspb.ResourceMetrics) error
	ReceiveLogs(ctx context.Context, resourceLogs []*logspb.ResourceLogs) error
}

// Flusher is implemented by receivers that buffer until flushed. The file
// source flushes after every file it reads so new data becomes visible.
type Flusher interface {
	Flush()
}

// FileSource reads OTLP telemetry from a directory of JSONL files and
// keeps following it for appended data.
type FileSource struct {
	directory  string
	receiver   Receiver
	activeOnly bool
	logger     log.Logger

	watcher *fsnotify.Watcher

	// read positions so appended data is read once
	mu          sync.Mutex
	fileOffsets map[string]int64
	lines       int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for a FileSource.
type Config struct {
	Directory string // base directory holding traces/, metrics/ and logs/

	// ActiveOnly skips rotated archives like traces-2025-12-09T13-10-56.jsonl
	// and only loads traces.jsonl and metrics.jsonl.
	ActiveOnly bool

	Logger log.Logger
}

// New creates a FileSource for cfg.Directory. The directory should contain
// traces/ and/or metrics/ subdirectories with .jsonl files inside them.
func New(cfg Config, receiver Receiver) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if receiver == nil {
		return nil, fmt.Errorf("receiver cannot be nil")
	}
	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Directory)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FileSource{
		directory:   cfg.Directory,
		receiver:    receiver,
		activeOnly:  cfg.ActiveOnly,
		logger:      log.With(cfg.Logger, "component", "filereader", "dir", cfg.Directory),
		watcher:     watcher,
		fileOffsets: make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start loads existing files and then follows the directory in the
// background until Stop.
func (fs *FileSource) Start(ctx context.Context) error {
	for _, signal := range signals {
		dir := filepath.Join(fs.directory, signal)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fs.watcher.Add(dir); err != nil {
			level.Warn(fs.logger).Log("msg", "could not watch directory", "path", dir, "err", err)
		} else {
			level.Debug(fs.logger).Log("msg", "watching", "path", dir)
		}
	}

	if err := fs.loadInitialData(ctx); err != nil {
		return fmt.Errorf("initial data load failed: %w", err)
	}

	fs.wg.Add(1)
	go fs.watchLoop()
	return nil
}

// Stop stops the watcher and waits for the background loop to exit.
func (fs *FileSource) Stop() {
	fs.cancel()
	fs.watcher.Close()
	fs.wg.Wait()
}

// Directory returns the base directory being read.
func (fs *FileSource) Directory() string {
	return fs.directory
}

func (fs *FileSource) loadInitialData(ctx context.Context) error {
	for _, signal := range signals {
		files, err := fs.findJSONLFiles(filepath.Join(fs.directory, signal))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, file := range files {
			if err := fs.loadFile(ctx, signal, file); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				level.Warn(fs.logger).Log("msg", "error loading file", "path", file, "err", err)
			}
		}
	}
	return nil
}

// findJSONLFiles returns .jsonl files in dir, oldest first.
func (fs *FileSource) findJSONLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	activeFileName := filepath.Base(dir) + ".jsonl"

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isJSONL(name) {
			continue
		}
		if fs.activeOnly && name != activeFileName {
			level.Debug(fs.logger).Log("msg", "skipping archived file", "file", name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

func isJSONL(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.Contains(name, ".jsonl.")
}

// loadFile reads new lines of a traces, metrics or logs file and flushes the
// receiver when anything was read.
func (fs *FileSource) loadFile(ctx context.Context, signal, path string) error {
	var handler func([]byte) error
	switch signal {
	case signalTraces:
		handler = func(line []byte) error {
			var data tracepb.TracesData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse trace JSON: %w", err)
			}
			if len(data.ResourceSpans) == 0 {
				return nil
			}
			return fs.receiver.ReceiveSpans(ctx, data.ResourceSpans)
		}
	case signalMetrics:
		handler = func(line []byte) error {
			var data metricspb.MetricsData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse metric JSON: %w", err)
			}
			if len(data.ResourceMetrics) == 0 {
				return nil
			}
			return fs.receiver.ReceiveMetrics(ctx, data.ResourceMetrics)
		}
	case signalLogs:
		handler = func(line []byte) error {
			var data logspb.LogsData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse log JSON: %w", err)
			}
			if len(data.ResourceLogs) == 0 {
				return nil
			}
			return fs.receiver.ReceiveLogs(ctx, data.ResourceLogs)
		}
	default:
		return nil
	}

	count, err := fs.processFile(ctx, path, handler)
	if count > 0 {
		if f, ok := fs.receiver.(Flusher); ok {
			f.Flush()
		}
		level.Debug(fs.logger).Log("msg", "loaded lines", "signal", signal, "file", filepath.Base(path), "count", count)
	}
	return err
}

// processFile reads path from the last known offset and calls handler for
// each line. Returns the number of lines handled.
func (fs *FileSource) processFile(ctx context.Context, path string, handler func([]byte) error) (int, error) {
	fs.mu.Lock()
	offset := fs.fileOffsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	// a file shorter than our offset was truncated or rotated in place
	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			offset = 0
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, jsonlBufferInitial), jsonlBufferMax)

	count := 0
	read := offset
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := scanner.Bytes()
		read += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		if err := handler(line); err != nil {
			level.Debug(fs.logger).Log("msg", "skipping bad line", "file", filepath.Base(path), "err", err)
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading %s: %w", path, err)
	}

	fs.mu.Lock()
	fs.fileOffsets[path] = read
	fs.lines += int64(count)
	fs.mu.Unlock()
	return count, nil
}

func (fs *FileSource) watchLoop() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := event.Name
			if !isJSONL(filepath.Base(path)) {
				continue
			}
			signal := filepath.Base(filepath.Dir(path))
			if err := fs.loadFile(fs.ctx, signal, path); err != nil && fs.ctx.Err() == nil {
				level.Warn(fs.logger).Log("msg", "error reading file", "path", path, "err", err)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			level.Warn(fs.logger).Log("msg", "watcher error", "err", err)
		}
	}
}

// Stats describes what the file source has read so far.
type Stats struct {
	Directory    string   `json:"directory"`
	WatchedDirs  []string `json:"watched_dirs"`
	FilesTracked int      `json:"files_tracked"`
	LinesRead    int64    `json:"lines_read"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	filesTracked := len(fs.fileOffsets)
	lines := fs.lines
	fs.mu.Unlock()

	return Stats{
		Directory:    fs.directory,
		WatchedDirs:  fs.watcher.WatchList(),
		FilesTracked: filesTracked,
		LinesRead:    lines,
	}
}
