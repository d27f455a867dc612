package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/blockstore"
	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/mcpserver"
	"github.com/tobert/tracelod/internal/otlpreceiver"
	"github.com/tobert/tracelod/internal/webui"
)

// MCPCommand runs an MCP server on stdio for an agent. By default it owns
// a block store fed by an OTLP receiver on an ephemeral port; with
// --remote it browses a running 'tracelod serve' instead.
func MCPCommand() *cli.Command {
	flags := append(configFlags(),
		&cli.IntFlag{
			Name:  "otlp-port",
			Usage: "OTLP server port",
			Value: 0,
		},
	)
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve timeline tools to an agent over MCP stdio",
		Description: `Starts an MCP server on stdio. Without --remote it also listens for
OTLP on localhost (ephemeral port unless --otlp-port is given) so the
agent can point programs at get_otlp_endpoint and inspect the result.`,
		Flags:  flags,
		Action: runMCP,
	}
}

func runMCP(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	ctx, stop := signal.NotifyContext(cliCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefStore, closePrefs := openPrefs(cfg, logger)
	defer closePrefs()
	sessOpts := cfg.SessionOptions()
	sessOpts.Prefs = prefStore
	sessOpts.Orchestrator.Logger = logger

	if cfg.RemoteURL != "" {
		client := dataservice.NewHTTPClient(cfg.RemoteURL, nil)
		host := webui.New(client, webui.Config{Session: sessOpts, Logger: logger})
		defer host.Close()
		mcpSrv, err := mcpserver.NewServer(client, host, mcpserver.ServerOptions{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		level.Info(logger).Log("msg", "MCP server ready on stdio", "remote", cfg.RemoteURL)
		return mcpSrv.Run(ctx)
	}

	storeCfg := cfg.StoreConfig()
	storeCfg.Logger = logger
	store, err := blockstore.New(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to create block store: %w", err)
	}

	otlpServer, err := otlpreceiver.NewServer(otlpreceiver.Config{
		Host:   cfg.OTLPHost,
		Port:   cmd.Int("otlp-port"),
		Logger: logger,
	}, store)
	if err != nil {
		return fmt.Errorf("failed to create OTLP server: %w", err)
	}
	otlpErrChan := make(chan error, 1)
	go func() {
		otlpErrChan <- otlpServer.Start(ctx)
	}()
	defer otlpServer.StopWait()

	host := webui.New(store, webui.Config{Session: sessOpts, Logger: logger})
	defer host.Close()

	mcpSrv, err := mcpserver.NewServer(store, host, mcpserver.ServerOptions{
		Store:        store,
		OTLPEndpoint: otlpServer.Endpoint(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// data directories become file sources the agent can also remove
	dirs, err := dataDirs(cfg)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := mcpSrv.AddFileSource(ctx, dir, false); err != nil {
			level.Warn(logger).Log("msg", "could not read data directory", "dir", dir, "err", err)
		}
	}

	level.Info(logger).Log("msg", "MCP server ready on stdio", "otlp", otlpServer.Endpoint())
	if err := mcpSrv.Run(ctx); err != nil {
		select {
		case otlpErr := <-otlpErrChan:
			if otlpErr != nil {
				return fmt.Errorf("OTLP server error: %w", otlpErr)
			}
		default:
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
