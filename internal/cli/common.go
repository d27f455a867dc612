package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/filereader"
	"github.com/tobert/tracelod/internal/prefs"
	"github.com/tobert/tracelod/internal/viewport"
)

// configFlags are shared by every command that reads data.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Config file (.json, .yaml or .yml); default searches for .tracelod.json upwards",
		},
		&cli.StringSliceFlag{
			Name:    "data-dir",
			Aliases: []string{"d"},
			Usage:   "OTLP JSONL directory holding traces/, metrics/ and logs/ (repeatable)",
		},
		&cli.StringFlag{
			Name:  "otel-config",
			Usage: "OpenTelemetry Collector config whose file exporters name data directories",
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "Read from a running 'tracelod serve' at this URL instead of local data",
		},
		&cli.IntFlag{
			Name:  "fetch-concurrency",
			Usage: "Block fetches in flight at once",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
		},
	}
}

// viewFlags pick the process and initial range.
func viewFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "process",
			Aliases: []string{"p"},
			Usage:   "Process ID (default: the most recent process)",
		},
		&cli.FloatFlag{
			Name:  "begin",
			Usage: "View start in ms since the process's first event",
		},
		&cli.FloatFlag{
			Name:  "end",
			Usage: "View end in ms since the process's first event",
		},
	}
}

// loadConfig layers the config files and then the flags set on cmd.
func loadConfig(cmd *cli.Command) (*Config, error) {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	flags := &Config{}
	if cmd.IsSet("data-dir") {
		flags.DataDirs = cmd.StringSlice("data-dir")
	}
	flags.OtelConfig = cmd.String("otel-config")
	flags.RemoteURL = cmd.String("remote")
	flags.FetchConcurrency = cmd.Int("fetch-concurrency")
	flags.Verbose = cmd.Bool("verbose")
	cfg = MergeConfigs(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes logfmt to stderr, at debug level when verbose.
func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

// dataDirs returns cfg.DataDirs plus the directories named by the
// collector config, if any.
func dataDirs(cfg *Config) ([]string, error) {
	dirs := append([]string(nil), cfg.DataDirs...)
	if cfg.OtelConfig != "" {
		more, err := ParseOtelConfig(cfg.OtelConfig)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, more...)
	}
	return dirs, nil
}

// startFileSources starts one file source per directory. A directory that
// cannot be read is reported; the others keep running.
func startFileSources(ctx context.Context, dirs []string, store *blockstore.Store, logger log.Logger) ([]*filereader.FileSource, error) {
	var sources []*filereader.FileSource
	var result *multierror.Error
	for _, dir := range dirs {
		fs, err := filereader.New(filereader.Config{Directory: dir, Logger: logger}, store)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := fs.Start(ctx); err != nil {
			fs.Stop()
			result = multierror.Append(result, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		level.Info(logger).Log("msg", "reading data directory", "dir", dir)
		sources = append(sources, fs)
	}
	return sources, result.ErrorOrNil()
}

// source is where a one-shot command reads from: a remote server, or a
// block store loaded from data directories.
type source struct {
	client dataservice.Client
	store  *blockstore.Store // nil for a remote source
}

// openSource loads cfg's data directories into a fresh store, or connects
// to cfg.RemoteURL.
func openSource(ctx context.Context, cfg *Config, logger log.Logger) (*source, error) {
	if cfg.RemoteURL != "" {
		return &source{client: dataservice.NewHTTPClient(cfg.RemoteURL, nil)}, nil
	}

	dirs, err := dataDirs(cfg)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, errors.New("no data: pass --data-dir, --otel-config or --remote")
	}

	storeCfg := cfg.StoreConfig()
	storeCfg.Logger = logger
	store, err := blockstore.New(storeCfg)
	if err != nil {
		return nil, err
	}
	sources, err := startFileSources(ctx, dirs, store, logger)
	for _, fs := range sources {
		fs.Stop()
	}
	if err != nil {
		if len(sources) == 0 {
			return nil, err
		}
		level.Warn(logger).Log("msg", "some data directories could not be read", "err", err)
	}
	return &source{client: store, store: store}, nil
}

// openPrefs opens the preferences file, falling back to memory when it
// cannot be opened (for example while another tracelod holds the lock).
func openPrefs(cfg *Config, logger log.Logger) (prefs.Store, func()) {
	if cfg.PrefsPath == "" {
		return prefs.NewMemStore(), func() {}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PrefsPath), 0o755); err != nil {
		level.Warn(logger).Log("msg", "preferences kept in memory", "err", err)
		return prefs.NewMemStore(), func() {}
	}
	bolt, err := prefs.OpenBolt(cfg.PrefsPath)
	if err != nil {
		level.Warn(logger).Log("msg", "preferences kept in memory", "path", cfg.PrefsPath, "err", err)
		return prefs.NewMemStore(), func() {}
	}
	return bolt, func() {
		if err := bolt.Close(); err != nil {
			level.Warn(logger).Log("msg", "closing preferences", "err", err)
		}
	}
}

// deepLink builds the initial view from --process, --begin and --end,
// picking the most recent process when none is named.
func deepLink(ctx context.Context, cmd *cli.Command, client dataservice.Client) (viewport.DeepLink, error) {
	link := viewport.DeepLink{ProcessID: cmd.String("process")}
	if cmd.IsSet("begin") != cmd.IsSet("end") {
		return link, errors.New("--begin and --end must be set together")
	}
	if cmd.IsSet("begin") {
		begin, end := cmd.Float("begin"), cmd.Float("end")
		link.Begin, link.End = &begin, &end
	}
	if link.ProcessID != "" {
		return link, nil
	}
	procs, err := client.ListRecentProcesses(ctx)
	if err != nil {
		return link, fmt.Errorf("listing processes: %w", err)
	}
	if len(procs) == 0 {
		return link, errors.New("no processes found")
	}
	link.ProcessID = procs[0].ID
	return link, nil
}
