package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haatos/runflow/internal/settings"
	"github.com/haatos/runflow/internal/shell"
)

// LocalLabels are runs-on labels that always select the host.
var LocalLabels = []string{"local", "self-hosted"}

// LocalProvisioner creates workspaces as directories under Root on this
// host. It accepts a job when its first runs-on label is a local label or
// names the host's operating system.
type LocalProvisioner struct {
	Root string
}

func (p *LocalProvisioner) Accepts(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	if slices.Contains(LocalLabels, strings.ToLower(labels[0])) {
		return true
	}
	platform, ok := shell.LabelPlatform(labels[0])
	return ok && platform == shell.HostPlatform()
}

func (p *LocalProvisioner) Provision(_ context.Context, labels []string, name string) (Workspace, error) {
	if !p.Accepts(labels) {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingAgent, strings.Join(labels, ", "))
	}
	root := p.Root
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	base, err := os.MkdirTemp(root, "runflow-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	ws := &localWorkspace{
		name: name,
		base: base,
		dir:  filepath.Join(base, "workspace"),
		temp: filepath.Join(base, "temp"),
	}
	for _, dir := range []string{ws.dir, ws.temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(base)
			return nil, err
		}
	}
	return ws, nil
}

type localWorkspace struct {
	name string
	base string
	dir  string
	temp string
}

func (w *localWorkspace) Name() string             { return w.name }
func (w *localWorkspace) Dir() string              { return w.dir }
func (w *localWorkspace) TempDir() string          { return w.temp }
func (w *localWorkspace) Platform() shell.Platform { return shell.HostPlatform() }
func (w *localWorkspace) IsLocal() bool            { return true }
func (w *localWorkspace) Join(elem ...string) string {
	return filepath.Join(elem...)
}
func (w *localWorkspace) Getenv(key string) string { return os.Getenv(key) }

func (w *localWorkspace) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o700)
}

func (w *localWorkspace) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Exec runs the command with the host environment, minus the server's own
// RUNFLOW_ settings, overlaid by cmd.Env.
// Cancelling ctx interrupts the process and kills it if it has not exited
// after a grace period.
func (w *localWorkspace) Exec(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(hostEnviron(), c.Env...)
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.WaitDelay = 5 * time.Second
	configureProcess(cmd)

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return -1, err
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to execute command: %w", err)
	}
	return 0, nil
}

func (w *localWorkspace) Close() error {
	return os.RemoveAll(w.base)
}

// hostEnviron returns the process environment without RUNFLOW_ variables.
// Those carry server credentials such as the encryption key and vault token.
func hostEnviron() []string {
	environ := os.Environ()
	return slices.DeleteFunc(environ, func(kv string) bool {
		return strings.HasPrefix(kv, settings.EnvPrefix)
	})
}
