package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/orchestrator"
	"github.com/tobert/tracelod/internal/registry"
	"github.com/tobert/tracelod/internal/session"
)

// projectConfigNames are searched in this order in every directory.
var projectConfigNames = []string{".tracelod.json", ".tracelod.yaml", ".tracelod.yml"}

// Config holds the runtime configuration for tracelod.
// It can be populated from CLI flags, config files, or both.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	// OTLP receiver
	OTLPHost string `json:"otlp_host,omitempty" yaml:"otlp_host,omitempty"`
	OTLPPort int    `json:"otlp_port,omitempty" yaml:"otlp_port,omitempty"`

	// Web UI and analytics API
	HTTPHost string `json:"http_host,omitempty" yaml:"http_host,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`

	// DataDirs are OTLP JSONL directories (with traces/, metrics/ and logs/
	// inside) loaded at startup and followed for appends.
	DataDirs []string `json:"data_dirs,omitempty" yaml:"data_dirs,omitempty"`
	// OtelConfig is an OpenTelemetry Collector config whose file
	// exporters name more data directories.
	OtelConfig string `json:"otel_config,omitempty" yaml:"otel_config,omitempty"`

	// RemoteURL points view, render and friends at a running tracelod
	// serve instead of local data.
	RemoteURL string `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`

	// Session and fetching
	CanvasWidth      int    `json:"canvas_width,omitempty" yaml:"canvas_width,omitempty"`
	FetchConcurrency int    `json:"fetch_concurrency,omitempty" yaml:"fetch_concurrency,omitempty"`
	MaxFetchAttempts int    `json:"max_fetch_attempts,omitempty" yaml:"max_fetch_attempts,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty" yaml:"fetch_timeout,omitempty"` // e.g. "30s"
	// NoAsyncSpans turns off the async span lane and its fetches.
	NoAsyncSpans bool `json:"no_async_spans,omitempty" yaml:"no_async_spans,omitempty"`

	// Block store
	SpansPerBlock  int `json:"spans_per_block,omitempty" yaml:"spans_per_block,omitempty"`
	PointsPerBlock int `json:"points_per_block,omitempty" yaml:"points_per_block,omitempty"`
	LogsPerBlock   int `json:"logs_per_block,omitempty" yaml:"logs_per_block,omitempty"`
	LodCacheSize   int `json:"lod_cache_size,omitempty" yaml:"lod_cache_size,omitempty"`

	// PrefsPath is the bbolt file remembering enabled metrics. Empty keeps
	// preferences in memory.
	PrefsPath string `json:"prefs_path,omitempty" yaml:"prefs_path,omitempty"`

	// Logging configuration
	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// DefaultConfig returns a Config with sensible default values:
// OTLP on the standard gRPC port, the UI on 4380, everything on localhost.
func DefaultConfig() *Config {
	return &Config{
		OTLPHost:         "127.0.0.1",
		OTLPPort:         4317,
		HTTPHost:         "127.0.0.1",
		HTTPPort:         4380,
		CanvasWidth:      session.DefaultWidthPx,
		FetchConcurrency: orchestrator.DefaultConcurrency,
		MaxFetchAttempts: registry.DefaultMaxFetchAttempts,
		FetchTimeout:     orchestrator.DefaultFetchTimeout.String(),
		SpansPerBlock:    blockstore.DefaultSpansPerBlock,
		PointsPerBlock:   blockstore.DefaultPointsPerBlock,
		LogsPerBlock:     blockstore.DefaultLogsPerBlock,
		LodCacheSize:     blockstore.DefaultLodCacheSize,
		PrefsPath:        defaultPrefsPath(),
		Verbose:          false,
	}
}

// Validate reports settings no component would accept.
func (c *Config) Validate() error {
	if c.OTLPPort < 0 || c.OTLPPort > 65535 {
		return fmt.Errorf("otlp_port %d out of range", c.OTLPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.FetchTimeout != "" {
		if _, err := time.ParseDuration(c.FetchTimeout); err != nil {
			return fmt.Errorf("fetch_timeout: %w", err)
		}
	}
	if c.RemoteURL != "" && !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
		return fmt.Errorf("remote_url %q must start with http:// or https://", c.RemoteURL)
	}
	return nil
}

// StoreConfig is the block store part of c.
func (c *Config) StoreConfig() blockstore.Config {
	return blockstore.Config{
		SpansPerBlock:  c.SpansPerBlock,
		PointsPerBlock: c.PointsPerBlock,
		LogsPerBlock:   c.LogsPerBlock,
		LodCacheSize:   c.LodCacheSize,
	}
}

// SessionOptions is the session part of c. Logger, metrics and prefs are
// wired by the caller.
func (c *Config) SessionOptions() session.Options {
	timeout, _ := time.ParseDuration(c.FetchTimeout)
	return session.Options{
		WidthPx:          c.CanvasWidth,
		MaxFetchAttempts: c.MaxFetchAttempts,
		Orchestrator: orchestrator.Options{
			Concurrency:  c.FetchConcurrency,
			FetchTimeout: timeout,
			AsyncSpans:   !c.NoAsyncSpans,
		},
	}
}

// LoadConfigFromFile loads configuration from a JSON or YAML file; the
// extension picks the format.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return parseConfig(path, data)
}

// parseConfig decodes data as YAML or JSON depending on path's extension.
func parseConfig(path string, data []byte) (*Config, error) {
	var config Config
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a .tracelod.{json,yaml,yml} config file.
// It starts in the current directory and walks up looking for the file,
// stopping when it finds a .git directory (project root) or reaches root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		for _, name := range projectConfigNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		// stop at the repo root even if nothing was found
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file.
// This is ~/.config/tracelod/config.json
func GlobalConfigPath() string {
	dir := configDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.json")
}

func defaultPrefsPath() string {
	dir := configDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "prefs.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tracelod")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.OTLPHost != "" {
		merged.OTLPHost = overlay.OTLPHost
	}
	if overlay.OTLPPort != 0 {
		merged.OTLPPort = overlay.OTLPPort
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}

	// Data sources
	if len(overlay.DataDirs) > 0 {
		merged.DataDirs = overlay.DataDirs
	}
	if overlay.OtelConfig != "" {
		merged.OtelConfig = overlay.OtelConfig
	}
	if overlay.RemoteURL != "" {
		merged.RemoteURL = overlay.RemoteURL
	}

	// Session and fetching
	if overlay.CanvasWidth > 0 {
		merged.CanvasWidth = overlay.CanvasWidth
	}
	if overlay.FetchConcurrency > 0 {
		merged.FetchConcurrency = overlay.FetchConcurrency
	}
	if overlay.MaxFetchAttempts > 0 {
		merged.MaxFetchAttempts = overlay.MaxFetchAttempts
	}
	if overlay.FetchTimeout != "" {
		merged.FetchTimeout = overlay.FetchTimeout
	}
	if overlay.NoAsyncSpans {
		merged.NoAsyncSpans = true
	}

	// Block store
	if overlay.SpansPerBlock > 0 {
		merged.SpansPerBlock = overlay.SpansPerBlock
	}
	if overlay.PointsPerBlock > 0 {
		merged.PointsPerBlock = overlay.PointsPerBlock
	}
	if overlay.LogsPerBlock > 0 {
		merged.LogsPerBlock = overlay.LogsPerBlock
	}
	if overlay.LodCacheSize > 0 {
		merged.LodCacheSize = overlay.LodCacheSize
	}

	if overlay.PrefsPath != "" {
		merged.PrefsPath = overlay.PrefsPath
	}

	return &merged
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists)
// 4. Explicit config file (if specified via configPath)
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Layer 2: Global config is optional
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
	}

	// Layer 3: Project config (if exists and no explicit path)
	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	return config, nil
}
