package config

import (
	"fmt"
	"slices"
)

// RefGraph is the stage-level dependency graph built from ${ref:...}
// placeholders: an edge a -> b means stage a references an entry of stage b
// and therefore must run after it.
type RefGraph struct {
	order []string
	index map[string]int
	deps  map[string][]string
}

func newRefGraph(order []string) *RefGraph {
	g := &RefGraph{
		order: slices.Clone(order),
		index: make(map[string]int, len(order)),
		deps:  make(map[string][]string, len(order)),
	}
	for i, name := range order {
		g.index[name] = i
	}
	return g
}

// NewRefGraph builds a graph from explicit dependencies, for pipelines
// assembled in code rather than loaded from a document. Every stage named in
// deps must appear in order, and the graph must be acyclic.
func NewRefGraph(order []string, deps map[string][]string) (*RefGraph, error) {
	g := newRefGraph(order)
	for from, targets := range deps {
		if _, ok := g.index[from]; !ok {
			return nil, configErrorf("dependencies", "unknown stage %q", from)
		}
		for _, to := range targets {
			if _, ok := g.index[to]; !ok {
				return nil, configErrorf("dependencies", "stage %q depends on unknown stage %q", from, to)
			}
			g.addEdge(from, to)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *RefGraph) addEdge(from, to string) {
	if from == to || slices.Contains(g.deps[from], to) {
		return
	}
	g.deps[from] = append(g.deps[from], to)
	slices.SortFunc(g.deps[from], func(a, b string) int { return g.index[a] - g.index[b] })
}

// Stages returns stage names in declaration order.
func (g *RefGraph) Stages() []string {
	return slices.Clone(g.order)
}

// Dependencies returns the stages that stage references, in declaration order.
func (g *RefGraph) Dependencies(stage string) []string {
	return slices.Clone(g.deps[stage])
}

// checkAcyclic runs a depth-first search with a recursion-stack marker over
// the stages in declaration order.
func (g *RefGraph) checkAcyclic() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(g.order))
	var stack []string

	var visit func(string) error
	visit = func(n string) error {
		switch state[n] {
		case visiting:
			i := slices.Index(stack, n)
			cycle := append(slices.Clone(stack[i:]), n)
			return &CyclicReferenceError{Stages: cycle}
		case done:
			return nil
		}
		state[n] = visiting
		stack = append(stack, n)
		for _, dep := range g.deps[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, n := range g.order {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func (g *RefGraph) String() string {
	return fmt.Sprintf("RefGraph%v", g.deps)
}
