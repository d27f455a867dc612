package main

import (
	"context"
	"fmt"
	"os"

	cliframework "github.com/urfave/cli/v3"

	"github.com/tobert/tracelod/internal/cli"
)

const version = "0.1.0-dev"

func main() {
	app := &cliframework.Command{
		Name:    "tracelod",
		Usage:   "Level-of-detail timelines for OTLP traces and metrics",
		Version: version,
		Commands: []*cliframework.Command{
			cli.ServeCommand(),
			cli.ViewCommand(),
			cli.MCPCommand(),
			cli.RenderCommand(),
			cli.CallGraphCommand(),
			cli.ProcessesCommand(),
			cli.LogCommand(),
			cli.DoctorCommand(version),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ error: %v\n", err)
		os.Exit(1)
	}
}
