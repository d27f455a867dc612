package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/mcpserver"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/session"
	"github.com/tobert/tracelod/internal/viz"
)

const defaultLoadWait = time.Minute

func waitFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "wait",
		Usage: "How long to wait for blocks to load before drawing what is there",
		Value: defaultLoadWait,
	}
}

// RenderCommand draws one frame of a process timeline to a file or stdout.
func RenderCommand() *cli.Command {
	flags := append(configFlags(), viewFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "format",
			Usage: "text or svg",
			Value: "text",
		},
		&cli.IntFlag{
			Name:  "columns",
			Usage: "Text width in characters",
			Value: 120,
		},
		&cli.IntFlag{
			Name:  "rows",
			Usage: "Text height in lines",
			Value: 30,
		},
		&cli.IntFlag{
			Name:  "width",
			Usage: "SVG width in pixels (default: canvas_width from config)",
		},
		&cli.IntFlag{
			Name:  "height",
			Usage: "SVG height in pixels",
			Value: 600,
		},
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Output file (default: stdout)",
		},
		waitFlag(),
	)
	return &cli.Command{
		Name:   "render",
		Usage:  "Render a process timeline as text or SVG",
		Flags:  flags,
		Action: runRender,
	}
}

func runRender(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	format := cmd.String("format")
	if format != "text" && format != "svg" {
		return fmt.Errorf("unsupported format %q: use text or svg", format)
	}
	widthPx := cmd.Int("columns")
	if format == "svg" {
		widthPx = cfg.CanvasWidth
		if cmd.IsSet("width") {
			widthPx = cmd.Int("width")
		}
	}

	sess, closeSess, err := openSession(ctx, cmd, cfg, widthPx, logger)
	if err != nil {
		return err
	}
	defer closeSess()

	w, err := output(cmd.String("out"))
	if err != nil {
		return err
	}

	switch format {
	case "svg":
		sess.RenderSVG(w, cmd.Int("height"))
	default:
		cols, rows := cmd.Int("columns"), cmd.Int("rows")
		c := viz.NewTextCanvas(cols, rows)
		sess.RenderTo(c, viz.TextLayout(cols, rows))
		fmt.Fprint(w, viz.Status(mcpserver.SessionStatus(sess.State())))
		fmt.Fprintln(w)
		fmt.Fprint(w, c.String())
	}
	return w.Close()
}

// CallGraphCommand prints scope statistics for a time range of a process.
func CallGraphCommand() *cli.Command {
	flags := append(configFlags(), viewFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Scopes to print, heaviest first (0 for all)",
			Value: 20,
		},
		waitFlag(),
	)
	return &cli.Command{
		Name:  "callgraph",
		Usage: "Print the call graph of a process over a time range",
		Description: `Aggregates every span overlapping --begin..--end (default: the whole
process) by scope, with callers and callees.`,
		Flags:  flags,
		Action: runCallGraph,
	}
}

func runCallGraph(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	sess, closeSess, err := openSession(ctx, cmd, cfg, cfg.CanvasWidth, logger)
	if err != nil {
		return err
	}
	defer closeSess()

	view := sess.State().View
	graph, err := sess.CallGraph(ctx, &view)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s ms\n\n", sess.State().ProcessID, view)
	graph.WriteTable(os.Stdout, cmd.Int("limit"))
	return nil
}

// ProcessesCommand lists the processes with data, most recent first.
func ProcessesCommand() *cli.Command {
	return &cli.Command{
		Name:  "processes",
		Usage: "List processes with data",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:  "search",
				Usage: "Only processes whose executable, user or computer name contains this",
			},
			&cli.StringFlag{
				Name:  "children-of",
				Usage: "Only processes spawned by this process ID",
			},
		),
		Action: runProcesses,
	}
}

func runProcesses(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("search") && cmd.IsSet("children-of") {
		return errors.New("--search and --children-of cannot be combined")
	}
	src, err := openSource(ctx, cfg, newLogger(cfg.Verbose))
	if err != nil {
		return err
	}
	var found []model.Process
	switch {
	case cmd.IsSet("search"):
		found, err = src.client.SearchProcesses(ctx, cmd.String("search"))
	case cmd.IsSet("children-of"):
		found, err = src.client.ListProcessChildren(ctx, cmd.String("children-of"))
	default:
		return printProcessSummary(ctx, src.client)
	}
	if err != nil {
		return err
	}
	writeProcessTable(os.Stdout, found)
	return nil
}

func printProcessSummary(ctx context.Context, client dataservice.Client) error {
	procs, err := mcpserver.SummarizeProcesses(ctx, client)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		fmt.Println("No processes")
		return nil
	}
	fmt.Print(viz.ProcessSummary(mcpserver.ProcessStats(procs), 0))
	return nil
}

// openSession loads the process named by cmd into a session widthPx wide
// and waits up to --wait for its view to load. A session that is still
// loading when the wait runs out is returned as is.
func openSession(ctx context.Context, cmd *cli.Command, cfg *Config, widthPx int, logger log.Logger) (*session.Session, func(), error) {
	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	link, err := deepLink(ctx, cmd, src.client)
	if err != nil {
		return nil, nil, err
	}

	opts := cfg.SessionOptions()
	opts.WidthPx = widthPx
	opts.Logger = logger
	opts.Orchestrator.Logger = logger
	sess := session.New(src.client, opts)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = sess.Run(runCtx)
	}()
	closeSess := func() {
		cancel()
		<-stopped
	}

	if err := sess.Load(ctx, link.ProcessID, link); err != nil {
		closeSess()
		return nil, nil, fmt.Errorf("open %s: %w", link.ProcessID, err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, cmd.Duration("wait"))
	defer cancelWait()
	if err := sess.WaitIdle(waitCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			closeSess()
			return nil, nil, err
		}
		level.Warn(logger).Log("msg", "drawing before every block loaded", "wait", cmd.Duration("wait"))
	}
	return sess, closeSess, nil
}

// outFile buffers a command's output. Close reports any write, flush or
// close error so a truncated file does not go unnoticed.
type outFile struct {
	*bufio.Writer
	path string
	f    *os.File
}

// output opens path for writing, or stdout when path is empty or "-".
func output(path string) (*outFile, error) {
	if path == "" || path == "-" {
		return &outFile{Writer: bufio.NewWriter(os.Stdout), path: "stdout"}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &outFile{Writer: bufio.NewWriter(f), path: path, f: f}, nil
}

func (o *outFile) Close() error {
	err := o.Flush()
	if o.f != nil {
		if cerr := o.f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", o.path, err)
	}
	return nil
}
