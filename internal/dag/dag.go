// Package dag orders jobs by their needs and tracks which jobs become
// runnable as others finish.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports jobs whose needs form a cycle. Cycle lists the
	// path around the loop, starting and ending with the same node.
	CycleError struct {
		Cycle []string
	}

	// Graph is a directed graph where an edge from A to B means A must
	// finish before B starts. Insertion order is the declaration order used
	// to break ties.
	Graph struct {
		nodes      []string
		index      map[string]int
		dependents map[string][]string
		deps       map[string][]string
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func New() *Graph {
	return &Graph{
		index:      make(map[string]int),
		dependents: make(map[string][]string),
		deps:       make(map[string][]string),
	}
}

func (g *Graph) AddNode(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from must finish before to starts.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.deps[to], from) {
		return
	}
	g.dependents[from] = append(g.dependents[from], to)
	g.deps[to] = append(g.deps[to], from)
}

func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

func (g *Graph) Dependencies(node string) []string {
	return slices.Clone(g.deps[node])
}

func (g *Graph) Dependents(node string) []string {
	return slices.Clone(g.dependents[node])
}

// Index returns the declaration position of node, or -1.
func (g *Graph) Index(node string) int {
	if i, ok := g.index[node]; ok {
		return i
	}
	return -1
}

// TopologicalSort returns every node after all of its dependencies. Among
// nodes that are ready at the same time the one declared first comes first.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	var ready []int
	for i, node := range g.nodes {
		inDegree[node] = len(g.deps[node])
		if inDegree[node] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		node := g.nodes[ready[0]]
		ready = ready[1:]
		order = append(order, node)
		for _, dependent := range g.dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, g.index[dependent])
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}
	return order, nil
}

func insertSorted(s []int, v int) []int {
	i, _ := slices.BinarySearch(s, v)
	return slices.Insert(s, i, v)
}

// findCycle walks the nodes left over by Kahn's algorithm and returns one
// concrete loop among them.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		state[node] = onStack
		stack = append(stack, node)
		for _, dep := range g.deps[node] {
			if inDegree[dep] == 0 {
				continue
			}
			switch state[dep] {
			case onStack:
				start := slices.Index(stack, dep)
				cycle = slices.Clone(stack[start:])
				slices.Reverse(cycle)
				cycle = append([]string{dep}, cycle...)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, node := range g.nodes {
		if inDegree[node] > 0 && state[node] == unvisited {
			if visit(node) {
				return cycle
			}
		}
	}
	return nil
}
