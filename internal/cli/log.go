package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/render"
)

// LogCommand prints one page of a process's log.
func LogCommand() *cli.Command {
	flags := append(configFlags(),
		&cli.StringFlag{
			Name:    "process",
			Aliases: []string{"p"},
			Usage:   "Process ID (default: the most recent process)",
		},
		&cli.StringFlag{
			Name:  "search",
			Usage: "Space-separated words that must all appear in the target or message",
		},
		&cli.StringFlag{
			Name:  "level",
			Usage: "Least severe level shown: fatal, error, warn, info, debug or trace",
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Index of the first entry to consider; pass the next page start printed last time",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Entries to print",
			Value: dataservice.DefaultLogLimit,
		},
	)
	return &cli.Command{
		Name:   "log",
		Usage:  "Print the log of a process",
		Flags:  flags,
		Action: runLog,
	}
}

func runLog(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req := dataservice.LogRequest{
		Begin:  cmd.Int("offset"),
		Limit:  cmd.Int("limit"),
		Search: cmd.String("search"),
	}
	if v := cmd.String("level"); v != "" {
		if req.Level, err = model.ParseLogLevel(v); err != nil {
			return err
		}
	}

	src, err := openSource(ctx, cfg, newLogger(cfg.Verbose))
	if err != nil {
		return err
	}
	link, err := deepLink(ctx, cmd, src.client)
	if err != nil {
		return err
	}
	req.ProcessID = link.ProcessID
	reply, err := src.client.ListProcessLogEntries(ctx, req)
	if err != nil {
		return err
	}
	writeLogTable(os.Stdout, reply)
	return nil
}

// writeLogTable prints a log page followed by where the next page starts.
func writeLogTable(w io.Writer, reply *dataservice.LogReply) {
	if len(reply.Entries) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Time", "Level", "Target", "Message"})
		table.SetAutoWrapText(false)
		for _, e := range reply.Entries {
			table.Append([]string{render.FormatTimestamp(e.TimeMs, 10), e.Level.String(), e.Target, e.Msg})
		}
		table.Render()
	}
	fmt.Fprintf(w, "%s entries shown of %s; next page begins at %d\n",
		humanize.Comma(int64(len(reply.Entries))), humanize.Comma(int64(reply.Total)), reply.Next)
}

// writeProcessTable prints processes with their parents, latest first as
// given.
func writeProcessTable(w io.Writer, procs []model.Process) {
	if len(procs) == 0 {
		fmt.Fprintln(w, "No processes")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Process", "Exe", "User", "Computer", "Parent", "Started"})
	table.SetAutoWrapText(false)
	for _, p := range procs {
		started := time.UnixMilli(int64(p.StartTimeMs)).UTC().Format(time.RFC3339)
		table.Append([]string{p.ID, p.Exe, p.Username, p.Computer, p.ParentID, started})
	}
	table.Render()
}
