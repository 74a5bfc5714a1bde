package engine

import (
	"fmt"
	"slices"

	"github.com/GoCodeAlone/upi/config"
)

// Plan is the execution order of a pipeline: a topological order of the
// stage reference graph, ties broken by declaration order.
type Plan struct {
	order      []string
	stages     map[string]config.StageSpec
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// BuildPlan orders the stages of spec so every stage follows the stages it
// references. Stages with no ordering constraint keep declaration order.
func BuildPlan(spec *config.PipelineSpec) (*Plan, error) {
	if spec == nil || len(spec.Stages) == 0 {
		return nil, fmt.Errorf("engine: pipeline has no stages")
	}
	p := &Plan{
		stages:     make(map[string]config.StageSpec, len(spec.Stages)),
		index:      make(map[string]int, len(spec.Stages)),
		deps:       make(map[string][]string, len(spec.Stages)),
		dependents: make(map[string][]string, len(spec.Stages)),
	}
	for i, s := range spec.Stages {
		if _, dup := p.stages[s.Name]; dup {
			return nil, fmt.Errorf("engine: duplicate stage %q", s.Name)
		}
		p.stages[s.Name] = s
		p.index[s.Name] = i
	}

	indegree := make(map[string]int, len(spec.Stages))
	for _, s := range spec.Stages {
		for _, dep := range spec.Dependencies(s.Name) {
			if _, ok := p.stages[dep]; !ok {
				return nil, fmt.Errorf("engine: stage %q depends on unknown stage %q", s.Name, dep)
			}
			p.deps[s.Name] = append(p.deps[s.Name], dep)
			p.dependents[dep] = append(p.dependents[dep], s.Name)
			indegree[s.Name]++
		}
	}

	// Kahn's algorithm; the ready set is kept in declaration order so the
	// earliest declared ready stage always goes next.
	var ready []string
	for _, s := range spec.Stages {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		p.order = append(p.order, n)
		for _, d := range p.dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = p.insertReady(ready, d)
			}
		}
	}
	if len(p.order) != len(spec.Stages) {
		var stuck []string
		for _, s := range spec.Stages {
			if indegree[s.Name] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		return nil, &config.CyclicReferenceError{Stages: stuck}
	}
	return p, nil
}

func (p *Plan) insertReady(ready []string, name string) []string {
	i, _ := slices.BinarySearchFunc(ready, name, func(a, b string) int {
		return p.index[a] - p.index[b]
	})
	return slices.Insert(ready, i, name)
}

// Order returns stage names in execution order.
func (p *Plan) Order() []string { return slices.Clone(p.order) }

// Len returns the number of stages.
func (p *Plan) Len() int { return len(p.order) }

// Stage returns the named stage.
func (p *Plan) Stage(name string) config.StageSpec { return p.stages[name] }

// Stages returns the stages in execution order.
func (p *Plan) Stages() []config.StageSpec {
	out := make([]config.StageSpec, len(p.order))
	for i, n := range p.order {
		out[i] = p.stages[n]
	}
	return out
}

// Dependencies returns the stages name waits for.
func (p *Plan) Dependencies(name string) []string { return slices.Clone(p.deps[name]) }

// Dependents returns the stages waiting for name.
func (p *Plan) Dependents(name string) []string { return slices.Clone(p.dependents[name]) }

// position is the stage's index in execution order.
func (p *Plan) position(name string) int {
	return slices.Index(p.order, name)
}
