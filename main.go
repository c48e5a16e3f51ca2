// Package main provides the CLI entry point for the request diagnostics server.
package main

import (
	"context"
	"fmt"
	"os"

	"reqdiag/cmd"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:    "reqdiag",
		Usage:   "dumps request metadata for debugging proxies and TLS offload",
		Version: cmd.Version,
		Commands: []*cli.Command{
			cmd.CmdServe,
			cmd.CmdProbe,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
