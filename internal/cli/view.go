package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/webui"
)

// ViewCommand serves the timeline UI over recorded data or a remote server,
// without receiving anything new.
func ViewCommand() *cli.Command {
	flags := append(configFlags(), viewFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "http-host",
			Usage: "Web UI bind address",
		},
		&cli.IntFlag{
			Name:  "http-port",
			Usage: "Web UI port",
		},
	)
	return &cli.Command{
		Name:  "view",
		Usage: "Browse recorded data in the timeline UI",
		Description: `Loads the data directories (or connects to --remote) and serves the
timeline UI, opened on --process or the most recent process.`,
		Flags:  flags,
		Action: runView,
	}
}

func runView(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("http-host") {
		cfg.HTTPHost = cmd.String("http-host")
	}
	if cmd.IsSet("http-port") {
		cfg.HTTPPort = cmd.Int("http-port")
	}
	logger := newLogger(cfg.Verbose)

	ctx, stop := signal.NotifyContext(cliCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}

	prefStore, closePrefs := openPrefs(cfg, logger)
	defer closePrefs()
	sessOpts := cfg.SessionOptions()
	sessOpts.Prefs = prefStore
	sessOpts.Orchestrator.Logger = logger
	ui := webui.New(src.client, webui.Config{Session: sessOpts, Logger: logger})
	defer ui.Close()

	link, err := deepLink(ctx, cmd, src.client)
	if err != nil {
		return err
	}
	if err := ui.Open(ctx, link); err != nil {
		return fmt.Errorf("open %s: %w", link.ProcessID, err)
	}

	var extra []webui.RouteRegistrar
	if src.store != nil {
		extra = append(extra, dataservice.NewHandler(src.store, logger))
	}

	addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	level.Info(logger).Log("msg", "serving", "ui", "http://"+addr+"/ui/", "process", link.ProcessID)
	return ui.ListenAndServe(ctx, addr, extra...)
}
