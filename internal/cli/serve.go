package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/mcpserver"
	"github.com/tobert/tracelod/internal/orchestrator"
	"github.com/tobert/tracelod/internal/otlpreceiver"
	"github.com/tobert/tracelod/internal/webui"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// This command runs the OTLP receiver, the analytics API and the web UI
// against one block store.
func ServeCommand() *cli.Command {
	flags := append(configFlags(), viewFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "otlp-host",
			Usage: "OTLP server bind address",
		},
		&cli.IntFlag{
			Name:  "otlp-port",
			Usage: "OTLP server port (0 for ephemeral)",
			Value: -1,
		},
		&cli.StringFlag{
			Name:  "http-host",
			Usage: "Web UI and analytics bind address",
		},
		&cli.IntFlag{
			Name:  "http-port",
			Usage: "Web UI and analytics port",
		},
		&cli.BoolFlag{
			Name:  "mcp",
			Usage: "Also serve MCP on stdio, sharing the web UI's session",
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Receive OTLP and serve the timeline UI",
		Description: `Starts an OTLP gRPC receiver feeding an in-memory block store, follows
any data directories, and serves the timeline UI under /ui/ with the
analytics API under /analytics/ on the HTTP port.

With --mcp an MCP server runs on stdio as well; tools drive the same
session the browser shows.`,
		Flags:  flags,
		Action: runServe,
	}
}

// runServe wires together storage, ingestion, the UI and optionally MCP.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("otlp-host") {
		cfg.OTLPHost = cmd.String("otlp-host")
	}
	if p := cmd.Int("otlp-port"); p >= 0 {
		cfg.OTLPPort = p
	}
	if cmd.IsSet("http-host") {
		cfg.HTTPHost = cmd.String("http-host")
	}
	if cmd.IsSet("http-port") {
		cfg.HTTPPort = cmd.Int("http-port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Verbose)
	level.Debug(logger).Log("msg", "configuration",
		"otlp", net.JoinHostPort(cfg.OTLPHost, strconv.Itoa(cfg.OTLPPort)),
		"http", net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort)),
		"spans_per_block", cfg.SpansPerBlock,
		"points_per_block", cfg.PointsPerBlock,
		"fetch_concurrency", cfg.FetchConcurrency,
	)

	ctx, stop := signal.NotifyContext(cliCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1. Block store
	storeCfg := cfg.StoreConfig()
	storeCfg.Logger = logger
	storeCfg.Metrics = blockstore.NewMetrics(reg)
	store, err := blockstore.New(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to create block store: %w", err)
	}

	// 2. Data directories keep following appends while we serve
	dirs, err := dataDirs(cfg)
	if err != nil {
		return err
	}
	sources, err := startFileSources(ctx, dirs, store, logger)
	if err != nil {
		level.Warn(logger).Log("msg", "some data directories could not be read", "err", err)
	}
	defer func() {
		for _, fs := range sources {
			fs.Stop()
		}
	}()

	// 3. Web UI holds the one live session
	prefStore, closePrefs := openPrefs(cfg, logger)
	defer closePrefs()
	sessOpts := cfg.SessionOptions()
	sessOpts.Prefs = prefStore
	sessOpts.Logger = logger
	sessOpts.Orchestrator.Logger = logger
	sessOpts.Orchestrator.Metrics = orchestrator.NewMetrics(reg)
	ui := webui.New(store, webui.Config{Session: sessOpts, Gatherer: reg, Logger: logger})
	defer ui.Close()

	if cmd.IsSet("process") {
		link, err := deepLink(ctx, cmd, store)
		if err != nil {
			return err
		}
		if err := ui.Open(ctx, link); err != nil {
			level.Warn(logger).Log("msg", "could not open process", "process", link.ProcessID, "err", err)
		}
	}

	// 4. OTLP receiver
	otlpServer, err := otlpreceiver.NewServer(otlpreceiver.Config{
		Host:   cfg.OTLPHost,
		Port:   cfg.OTLPPort,
		Logger: logger,
	}, store)
	if err != nil {
		return fmt.Errorf("failed to create OTLP server: %w", err)
	}

	var mcpSrv *mcpserver.Server
	if cmd.Bool("mcp") {
		mcpSrv, err = mcpserver.NewServer(store, ui, mcpserver.ServerOptions{
			Store:        store,
			OTLPEndpoint: otlpServer.Endpoint(),
			Logger:       logger,
		})
		if err != nil {
			otlpServer.Stop()
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
	}

	httpAddr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	level.Info(logger).Log("msg", "serving", "ui", "http://"+httpAddr+"/ui/", "otlp", otlpServer.Endpoint())
	fmt.Fprintf(os.Stderr, "Programs can send telemetry with: OTEL_EXPORTER_OTLP_ENDPOINT=http://%s\n", otlpServer.Endpoint())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := otlpServer.Start(gctx); err != nil {
			return fmt.Errorf("OTLP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := ui.ListenAndServe(gctx, httpAddr, dataservice.NewHandler(store, logger)); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if mcpSrv != nil {
		g.Go(func() error {
			err := mcpSrv.Run(gctx)
			// stdin closing ends the whole server
			stop()
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	level.Info(logger).Log("msg", "shutting down")
	return err
}
