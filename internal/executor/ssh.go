package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"

	"github.com/haatos/runflow/internal/shell"
)

// SSHAgent is a remote host that runs jobs over SSH. Agents are expected to
// provide a POSIX userland with bash.
type SSHAgent struct {
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	User           string   `json:"user"`
	PrivateKeyPath string   `json:"private_key_path"`
	KnownHostsPath string   `json:"known_hosts_path,omitempty"`
	WorkspaceRoot  string   `json:"workspace_root"`
	Platform       string   `json:"platform,omitempty"`
	Labels         []string `json:"labels"`
}

// Matches reports whether the agent carries every label. self-hosted is
// implied for all agents.
func (a SSHAgent) Matches(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	for _, l := range labels {
		l = strings.ToLower(l)
		if l == "self-hosted" || strings.EqualFold(l, a.Name) {
			continue
		}
		if !slices.ContainsFunc(a.Labels, func(al string) bool { return strings.EqualFold(al, l) }) {
			return false
		}
	}
	return true
}

func (a SSHAgent) platform() shell.Platform {
	if a.Platform == "" {
		return shell.Linux
	}
	return shell.PlatformFromLabel(a.Platform)
}

func (a SSHAgent) address() string {
	if strings.Contains(a.Host, ":") {
		return a.Host
	}
	return a.Host + ":22"
}

type SSHProvisioner struct {
	Agents      []SSHAgent
	DialTimeout time.Duration
}

func (p *SSHProvisioner) Accepts(labels []string) bool {
	return slices.ContainsFunc(p.Agents, func(a SSHAgent) bool { return a.Matches(labels) })
}

func (p *SSHProvisioner) Provision(ctx context.Context, labels []string, name string) (Workspace, error) {
	var agent *SSHAgent
	for i := range p.Agents {
		if p.Agents[i].Matches(labels) {
			agent = &p.Agents[i]
			break
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingAgent, strings.Join(labels, ", "))
	}

	client, err := p.connect(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent %s: %w", agent.Name, err)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("err creating sftp client: %w", err)
	}

	root := agent.WorkspaceRoot
	if root == "" {
		root = "/tmp/runflow"
	}
	base := path.Join(root, "runflow-"+uuid.NewString())
	ws := &sshWorkspace{
		name:     name,
		agent:    agent,
		client:   client,
		sftp:     sftpClient,
		base:     base,
		dir:      path.Join(base, "workspace"),
		temp:     path.Join(base, "temp"),
		platform: agent.platform(),
	}
	for _, dir := range []string{ws.dir, ws.temp} {
		if err := sftpClient.MkdirAll(dir); err != nil {
			ws.Close()
			return nil, fmt.Errorf("err creating workspace on agent %s: %w", agent.Name, err)
		}
	}
	return ws, nil
}

func (p *SSHProvisioner) connect(ctx context.Context, agent *SSHAgent) (*ssh.Client, error) {
	privateKey, err := os.ReadFile(agent.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if agent.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(agent.KnownHostsPath)
		if err != nil {
			return nil, err
		}
	}
	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	cc := &ssh.ClientConfig{
		User:            agent.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", agent.address(), cc)
		done <- dialResult{client, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

type sshWorkspace struct {
	name     string
	agent    *SSHAgent
	client   *ssh.Client
	sftp     *sftp.Client
	base     string
	dir      string
	temp     string
	platform shell.Platform

	closeOnce sync.Once
}

func (w *sshWorkspace) Name() string               { return w.name }
func (w *sshWorkspace) Dir() string                { return w.dir }
func (w *sshWorkspace) TempDir() string            { return w.temp }
func (w *sshWorkspace) Platform() shell.Platform   { return w.platform }
func (w *sshWorkspace) IsLocal() bool              { return false }
func (w *sshWorkspace) Join(elem ...string) string { return path.Join(elem...) }
func (w *sshWorkspace) Getenv(string) string       { return "" }

func (w *sshWorkspace) WriteFile(p string, data []byte) error {
	f, err := w.sftp.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Chmod(0o700)
}

func (w *sshWorkspace) ReadFile(p string) ([]byte, error) {
	f, err := w.sftp.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Exec runs the command through bash on the agent. The environment is
// written to a file next to the workspace and sourced first, since sshd
// does not accept arbitrary variables from clients.
func (w *sshWorkspace) Exec(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	envFile := path.Join(w.base, "env-"+uuid.NewString())
	exports, err := exportScript(c.Env)
	if err != nil {
		return -1, err
	}
	if err := w.WriteFile(envFile, []byte(exports)); err != nil {
		return -1, fmt.Errorf("err writing environment: %w", err)
	}
	defer w.sftp.Remove(envFile)

	script, err := commandScript(envFile, c)
	if err != nil {
		return -1, err
	}
	cmd, err := quote("bash --noprofile --norc -c", script)
	if err != nil {
		return -1, err
	}

	sess, err := w.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("err creating new session: %w", err)
	}
	defer sess.Close()
	output := c.Output
	if output == nil {
		output = io.Discard
	}
	sess.Stdout = output
	sess.Stderr = output

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGINT)
		select {
		case <-doneCh:
		case <-time.After(5 * time.Second):
			sess.Signal(ssh.SIGKILL)
		}
		return -1, ctx.Err()
	case err := <-doneCh:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("err running command on agent %s: %w", w.agent.Name, err)
	}
}

func (w *sshWorkspace) Close() error {
	var err error
	w.closeOnce.Do(func() {
		rmErr := w.sftp.RemoveAll(w.base)
		err = errors.Join(rmErr, w.sftp.Close(), w.client.Close())
	})
	return err
}

// exportScript renders env as bash export statements. Entries whose name
// bash cannot export are left out.
func exportScript(env []string) (string, error) {
	var b strings.Builder
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !syntax.ValidName(name) {
			continue
		}
		q, err := syntax.Quote(value, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("quoting value of %s: %w", name, err)
		}
		b.WriteString("export " + name + "=" + q + "\n")
	}
	return b.String(), nil
}

func commandScript(envFile string, c Command) (string, error) {
	argv := make([]string, 0, len(c.Argv))
	for _, a := range c.Argv {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("quoting %q: %w", a, err)
		}
		argv = append(argv, q)
	}
	source, err := syntax.Quote(envFile, syntax.LangBash)
	if err != nil {
		return "", err
	}
	dir, err := syntax.Quote(c.Dir, syntax.LangBash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(". %s && mkdir -p %s && cd %s && exec %s", source, dir, dir, strings.Join(argv, " ")), nil
}

// quote appends arg to prefix as a single POSIX shell word, for the login
// shell sshd starts.
func quote(prefix, arg string) (string, error) {
	q, err := syntax.Quote(arg, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("quoting command: %w", err)
	}
	return prefix + " " + q, nil
}
