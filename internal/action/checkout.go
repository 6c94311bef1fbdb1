package action

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Checkout clones a repository into the workspace.
//
// Inputs: repository (clone URL, defaults to RUNFLOW_REPOSITORY), ref
// (branch, tag, full ref or commit, defaults to RUNFLOW_REF), path (relative
// to the workspace), fetch-depth (default 1, 0 fetches all history) and
// token (HTTPS credentials). Outputs: ref and commit.
type Checkout struct{}

type checkoutOptions struct {
	repository string
	ref        string
	commit     string
	dir        string
	depth      int
	token      string
}

func (c *Checkout) Run(ctx context.Context, req Request) (Response, error) {
	opts, err := parseCheckoutInputs(req)
	if err != nil {
		return Response{}, err
	}
	fmt.Fprintf(req.Output, "Cloning %s into %s\n", redactURL(opts.repository), opts.dir)

	if req.Workspace.IsLocal() {
		return c.cloneLocal(ctx, opts, req)
	}
	return c.cloneRemote(ctx, opts, req)
}

func parseCheckoutInputs(req Request) (checkoutOptions, error) {
	opts := checkoutOptions{
		repository: req.Inputs["repository"],
		ref:        req.Inputs["ref"],
		token:      req.Inputs["token"],
		depth:      1,
	}
	if opts.repository == "" {
		opts.repository = req.Env["RUNFLOW_REPOSITORY"]
	}
	if opts.repository == "" {
		return opts, fmt.Errorf("checkout: no repository given and RUNFLOW_REPOSITORY is not set")
	}
	if opts.ref == "" {
		opts.ref = req.Env["RUNFLOW_REF"]
	}
	if commitPattern.MatchString(opts.ref) {
		opts.commit = opts.ref
		opts.ref = ""
	}
	if d, ok := req.Inputs["fetch-depth"]; ok && d != "" {
		depth, err := strconv.Atoi(d)
		if err != nil || depth < 0 {
			return opts, fmt.Errorf("checkout: invalid fetch-depth %q", d)
		}
		opts.depth = depth
	}
	if opts.commit != "" {
		// a bare commit can only be reached from the full history
		opts.depth = 0
	}

	opts.dir = req.Workspace.Dir()
	if p := req.Inputs["path"]; p != "" {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return opts, fmt.Errorf("checkout: path %q must stay inside the workspace", p)
		}
		opts.dir = filepath.Join(opts.dir, p)
	}
	return opts, nil
}

func referenceName(ref string) plumbing.ReferenceName {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "refs/"):
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

func (c *Checkout) cloneLocal(ctx context.Context, opts checkoutOptions, req Request) (Response, error) {
	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return Response{}, fmt.Errorf("checkout: %w", err)
	}

	var auth transport.AuthMethod
	if opts.token != "" {
		auth = &http.BasicAuth{Username: "x-access-token", Password: opts.token}
	}
	cloneOpts := &git.CloneOptions{
		URL:           opts.repository,
		Auth:          auth,
		ReferenceName: referenceName(opts.ref),
		SingleBranch:  opts.ref != "",
		Depth:         opts.depth,
		Progress:      req.Output,
	}
	repo, err := git.PlainCloneContext(ctx, opts.dir, false, cloneOpts)
	if err != nil && opts.ref != "" && !strings.HasPrefix(opts.ref, "refs/") {
		// not a branch, try it as a tag
		_ = os.RemoveAll(opts.dir)
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(opts.ref)
		repo, err = git.PlainCloneContext(ctx, opts.dir, false, cloneOpts)
	}
	if err != nil {
		return Response{}, fmt.Errorf("checkout: cloning %s: %w", redactURL(opts.repository), err)
	}

	if opts.commit != "" {
		worktree, err := repo.Worktree()
		if err != nil {
			return Response{}, fmt.Errorf("checkout: failed to get worktree: %w", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(opts.commit), Force: true}); err != nil {
			return Response{}, fmt.Errorf("checkout: failed to checkout %s: %w", opts.commit, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return Response{}, fmt.Errorf("checkout: failed to get HEAD: %w", err)
	}
	return Response{Outputs: map[string]string{
		"ref":    head.Name().String(),
		"commit": head.Hash().String(),
	}}, nil
}

// cloneRemote runs git on the agent that owns the workspace.
func (c *Checkout) cloneRemote(ctx context.Context, opts checkoutOptions, req Request) (Response, error) {
	repository := opts.repository
	if opts.token != "" {
		u, err := url.Parse(repository)
		if err == nil && (u.Scheme == "https" || u.Scheme == "http") {
			u.User = url.UserPassword("x-access-token", opts.token)
			repository = u.String()
		}
	}

	argv := []string{"git", "clone"}
	if opts.depth > 0 {
		argv = append(argv, "--depth", strconv.Itoa(opts.depth))
	}
	if opts.ref != "" {
		argv = append(argv, "--single-branch", "--branch", plumbing.ReferenceName(opts.ref).Short())
	}
	argv = append(argv, repository, opts.dir)
	if err := runChecked(ctx, req, "clone", argv); err != nil {
		return Response{}, err
	}
	if opts.commit != "" {
		if err := runChecked(ctx, req, "checkout", []string{"git", "-C", opts.dir, "checkout", "--force", opts.commit}); err != nil {
			return Response{}, err
		}
	}

	var head strings.Builder
	if code, err := req.Workspace.Run(ctx, []string{"git", "-C", opts.dir, "rev-parse", "HEAD"}, &head); err != nil || code != 0 {
		return Response{}, fmt.Errorf("checkout: failed to read HEAD")
	}
	outputs := map[string]string{"commit": strings.TrimSpace(head.String())}
	if opts.ref != "" {
		outputs["ref"] = opts.ref
	}
	return Response{Outputs: outputs}, nil
}

func runChecked(ctx context.Context, req Request, command string, argv []string) error {
	code, err := req.Workspace.Run(ctx, argv, req.Output)
	if err != nil {
		return fmt.Errorf("checkout: git %s: %w", command, err)
	}
	if code != 0 {
		return fmt.Errorf("checkout: git %s exited with code %d", command, code)
	}
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
