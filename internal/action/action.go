// Package action runs `uses` steps. A reference such as
// actions/checkout@v4 is routed to a Provider registered under its name.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var ErrUnknownAction = errors.New("unknown action")

// Workspace is the part of a job's execution context an action may use.
type Workspace interface {
	Dir() string
	// IsLocal reports whether Dir is on this host's filesystem.
	IsLocal() bool
	// Run executes argv in the workspace directory and returns its exit code.
	Run(ctx context.Context, argv []string, output io.Writer) (int, error)
}

type (
	Request struct {
		// Uses is the reference as written in the workflow.
		Uses      string
		Name      string
		Version   string
		Inputs    map[string]string
		Env       map[string]string
		Workspace Workspace
		Output    io.Writer
	}

	Response struct {
		Outputs map[string]string
	}

	Provider interface {
		Run(ctx context.Context, req Request) (Response, error)
	}

	ProviderFunc func(ctx context.Context, req Request) (Response, error)
)

func (f ProviderFunc) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	checkout := &Checkout{}
	r.Register("checkout", checkout)
	r.Register("actions/checkout", checkout)
	return r
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// ParseReference splits uses into a name and an optional version.
func ParseReference(uses string) (name, version string) {
	name, version, _ = strings.Cut(strings.TrimSpace(uses), "@")
	return name, version
}

func (r *Registry) Resolve(uses string) (Provider, error) {
	name, _ := ParseReference(uses)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return p, nil
}

func (r *Registry) Run(ctx context.Context, req Request) (Response, error) {
	p, err := r.Resolve(req.Uses)
	if err != nil {
		return Response{}, err
	}
	req.Name, req.Version = ParseReference(req.Uses)
	if req.Output == nil {
		req.Output = io.Discard
	}
	return p.Run(ctx, req)
}
