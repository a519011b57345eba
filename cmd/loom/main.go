// Package main provides the loom workflow engine command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:                  "loom",
		EnableShellCompletion: true,
		Usage:                 "Run workflows from declarative DAG definitions",
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
