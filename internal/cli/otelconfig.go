package cli

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// collectorConfig is the slice of a Collector config tracelod reads: the
// exporters and where they write.
type collectorConfig struct {
	Exporters map[string]struct {
		Path string `yaml:"path"`
	} `yaml:"exporters"`
}

// isFileExporter matches the component IDs of the Collector's file
// exporter: "file" and "file/<name>".
func isFileExporter(id string) bool {
	return id == "file" || strings.HasPrefix(id, "file/")
}

// captureRoot maps a file exporter path to the data directory tracelod
// reads. Captures are laid out as <root>/<signal>/*.jsonl for traces,
// metrics and logs, so a path inside a signal directory names <root>.
func captureRoot(path string) string {
	dir := filepath.Dir(path)
	if base := filepath.Base(dir); base == signalDirTraces || base == signalDirMetrics || base == signalDirLogs {
		return filepath.Dir(dir)
	}
	return dir
}

const (
	signalDirTraces  = "traces"
	signalDirMetrics = "metrics"
	signalDirLogs    = "logs"
)

// ParseOtelConfig returns the data directories, sorted and without
// duplicates, that the file exporters of the Collector config at
// configPath write into.
func ParseOtelConfig(configPath string) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading collector config: %w", err)
	}
	var cfg collectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing collector config %s: %w", configPath, err)
	}

	roots := make(map[string]bool)
	for id, exp := range cfg.Exporters {
		if isFileExporter(id) && exp.Path != "" {
			roots[captureRoot(exp.Path)] = true
		}
	}
	return slices.Sorted(maps.Keys(roots)), nil
}
