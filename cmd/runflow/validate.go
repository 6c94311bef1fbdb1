package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/haatos/runflow/internal/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check a workflow file and print its jobs in execution order",
		ArgsUsage: "FILE",
		Action:    validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return cli.Exit("validate expects exactly one workflow file", 2)
	}
	wf, err := workflow.LoadFile(cmd.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	order, err := wf.SortedJobIDs()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "%s is valid\n", wf.Name)
	for i, id := range order {
		job, _ := wf.Job(id)
		if len(job.Needs) > 0 {
			fmt.Fprintf(w, "%3d. %s (needs %s)\n", i+1, id, joinList(job.Needs))
			continue
		}
		fmt.Fprintf(w, "%3d. %s\n", i+1, id)
	}
	return nil
}
