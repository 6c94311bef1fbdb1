package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/haatos/runflow/internal/log"
)

func main() {
	cmd := &cli.Command{
		Name:                      "runflow",
		Usage:                     "run workflow definitions locally or as a CI server",
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			validateCommand(),
			runCommand(),
			serveCommand(),
			secretsCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("runflow")
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
