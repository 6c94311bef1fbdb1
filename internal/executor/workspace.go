// Package executor runs a job's steps, one after another, inside the
// job's workspace and reports what happened to each of them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/haatos/runflow/internal/shell"
)

var ErrNoMatchingAgent = errors.New("no execution environment matches runs-on")

// Command is a process started in a workspace.
type Command struct {
	Argv []string
	// Dir is the working directory, an absolute path inside the workspace.
	Dir    string
	Env    []string
	Output io.Writer
}

// Workspace is one job's execution context: a directory that persists
// across the job's steps and is discarded by Close.
type Workspace interface {
	Name() string
	Dir() string
	TempDir() string
	Platform() shell.Platform
	IsLocal() bool
	// Join joins path elements using the workspace's path separator.
	Join(elem ...string) string
	// Getenv reads the environment of the process that runs commands.
	Getenv(key string) string
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	// Exec runs cmd and returns its exit code. A non-nil error means the
	// command could not be run to completion.
	Exec(ctx context.Context, cmd Command) (int, error)
	Close() error
}

// Provisioner creates a fresh workspace for a job's runs-on labels.
type Provisioner interface {
	Provision(ctx context.Context, labels []string, name string) (Workspace, error)
}

// SelectiveProvisioner is a Provisioner that serves only some runs-on
// labels.
type SelectiveProvisioner interface {
	Provisioner
	Accepts(labels []string) bool
}

// Pool hands a job to the first provisioner that accepts its labels.
type Pool []SelectiveProvisioner

func (p Pool) Provision(ctx context.Context, labels []string, name string) (Workspace, error) {
	for _, prov := range p {
		if prov.Accepts(labels) {
			return prov.Provision(ctx, labels, name)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatchingAgent, strings.Join(labels, ", "))
}

// actionWorkspace adapts a Workspace for action providers.
type actionWorkspace struct {
	ws  Workspace
	env []string
}

func (a actionWorkspace) Dir() string   { return a.ws.Dir() }
func (a actionWorkspace) IsLocal() bool { return a.ws.IsLocal() }

func (a actionWorkspace) Run(ctx context.Context, argv []string, output io.Writer) (int, error) {
	return a.ws.Exec(ctx, Command{Argv: argv, Dir: a.ws.Dir(), Env: a.env, Output: output})
}
