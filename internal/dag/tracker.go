package dag

import (
	"fmt"
	"slices"
	"sync"
)

// Tracker follows a run over an acyclic Graph. Callers report terminal
// nodes through Complete and receive the dependents that just became
// settled, i.e. whose dependencies have all reached a terminal state.
// Whether a settled node runs or is skipped is the caller's decision,
// which it reports back through Complete like any other outcome.
type Tracker struct {
	g *Graph

	mu        sync.Mutex
	terminal  map[string]string
	remaining map[string]int
}

func NewTracker(g *Graph) (*Tracker, error) {
	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}
	t := &Tracker{
		g:         g,
		terminal:  make(map[string]string),
		remaining: make(map[string]int, len(g.nodes)),
	}
	for _, node := range g.nodes {
		t.remaining[node] = len(g.deps[node])
	}
	return t, nil
}

// Roots returns the nodes without dependencies in declaration order.
func (t *Tracker) Roots() []string {
	var roots []string
	for _, node := range t.g.nodes {
		if len(t.g.deps[node]) == 0 {
			roots = append(roots, node)
		}
	}
	return roots
}

// Complete records the terminal outcome of node and returns dependents
// whose dependencies are now all terminal, in declaration order.
func (t *Tracker) Complete(node, outcome string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.g.index[node]; !ok {
		return nil, fmt.Errorf("unknown node %q", node)
	}
	if _, ok := t.terminal[node]; ok {
		return nil, fmt.Errorf("node %q already completed", node)
	}
	t.terminal[node] = outcome

	var settled []string
	for _, dependent := range t.g.dependents[node] {
		t.remaining[dependent]--
		if t.remaining[dependent] == 0 {
			settled = append(settled, dependent)
		}
	}
	slices.SortFunc(settled, func(a, b string) int {
		return t.g.index[a] - t.g.index[b]
	})
	return settled, nil
}

// Outcomes returns the terminal outcomes of node's dependencies.
func (t *Tracker) Outcomes(node string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.g.deps[node]))
	for _, dep := range t.g.deps[node] {
		if o, ok := t.terminal[dep]; ok {
			out[dep] = o
		}
	}
	return out
}

func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.terminal) == len(t.g.nodes)
}
