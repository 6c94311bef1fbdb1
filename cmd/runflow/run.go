package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/haatos/runflow/internal/action"
	"github.com/haatos/runflow/internal/engine"
	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/workflow"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a workflow file on this machine",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Usage: "event that starts the run (push, pull_request, workflow_dispatch)",
				Value: workflow.EventPush,
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "git ref of the event",
				Value: "refs/heads/main",
			},
			&cli.StringFlag{
				Name:  "sha",
				Usage: "commit sha of the event",
			},
			&cli.StringFlag{
				Name:  "repository",
				Usage: "clone URL used by the checkout action",
			},
			&cli.StringFlag{
				Name:  "action",
				Usage: "pull request activity type",
				Value: "opened",
			},
			&cli.StringFlag{
				Name:  "base-ref",
				Usage: "branch a pull request targets",
			},
			&cli.StringSliceFlag{
				Name:  "changed-file",
				Usage: "path changed by the push or pull request, may be repeated",
			},
			&cli.StringSliceFlag{
				Name:  "secret",
				Usage: "secret value as NAME=VALUE, may be repeated",
			},
			&cli.StringSliceFlag{
				Name:  "input",
				Usage: "workflow_dispatch input as NAME=VALUE, may be repeated",
			},
			&cli.StringSliceFlag{
				Name:  "job",
				Usage: "run only this job and the jobs it needs, may be repeated",
			},
			&cli.StringFlag{
				Name:  "workspace-root",
				Usage: "directory job workspaces are created in",
				Value: os.TempDir(),
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Usage: "maximum number of jobs running at once, 0 for no limit",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return cli.Exit("run expects exactly one workflow file", 2)
	}
	wf, err := workflow.LoadFile(cmd.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	secretValues, err := parseKeyValues(cmd.StringSlice("secret"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	for name := range secretValues {
		if err := secrets.ValidateName(name); err != nil {
			return cli.Exit(fmt.Sprintf("secret %q: %s", name, err), 2)
		}
	}
	inputs, err := parseKeyValues(cmd.StringSlice("input"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ev := workflow.Event{
		Name:       cmd.String("event"),
		Repository: cmd.String("repository"),
		Ref:        cmd.String("ref"),
		SHA:        cmd.String("sha"),
		Files:      cmd.StringSlice("changed-file"),
	}
	switch ev.Name {
	case workflow.EventPullRequest:
		ev.Action = cmd.String("action")
		ev.BaseRef = cmd.String("base-ref")
	case workflow.EventWorkflowDispatch:
		if inputs, err = wf.ResolveInputs(inputs); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		ev.Inputs = inputs
	}
	if !wf.Match(ev) {
		log.FromContext(ctx).Warn("workflow is not triggered by this event, running anyway", "event", ev.Name, "ref", ev.Ref)
	}

	runner := &executor.JobRunner{
		Provisioner: &executor.LocalProvisioner{Root: cmd.String("workspace-root")},
		Actions:     action.NewRegistry(),
		Secrets:     secrets.StaticStore(secretValues),
		Masker:      &secrets.Masker{},
	}
	eng := &engine.Engine{Executor: runner, MaxParallel: cmd.Int("max-parallel")}

	out := newPrefixedOutput(cmd.Root().Writer)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := eng.Execute(ctx, engine.Run{
		ID:       uuid.NewString(),
		Workflow: wf,
		Event:    ev,
		Inputs:   inputs,
		Jobs:     cmd.StringSlice("job"),
		Output: func(job *workflow.Job) io.Writer {
			return out.Writer(job.Key)
		},
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	out.Flush()

	fmt.Fprint(cmd.Root().Writer, renderSummary(res))
	if res.Status != workflow.StatusSucceeded {
		return cli.Exit("", 1)
	}
	return nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected NAME=VALUE, got %q", pair)
		}
		values[k] = v
	}
	return values, nil
}

func joinList(items []string) string {
	return strings.Join(items, ", ")
}
