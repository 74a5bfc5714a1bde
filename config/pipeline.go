package config

import (
	"github.com/GoCodeAlone/upi/registry"
)

// CaseSpec holds run-wide settings shared by every stage.
type CaseSpec struct {
	Seed    int64    `json:"seed" yaml:"seed" mapstructure:"seed"`
	Device  string   `json:"device" yaml:"device" mapstructure:"device"`
	Tags    []string `json:"tags" yaml:"tags" mapstructure:"tags"`
	Workdir string   `json:"workdir,omitempty" yaml:"workdir,omitempty" mapstructure:"workdir"`
}

// StageSpec is one named unit of work, bound to a plugin at run time.
type StageSpec struct {
	Name    string            `json:"name" yaml:"name" mapstructure:"name"`
	Uses    registry.Selector `json:"uses" yaml:"uses" mapstructure:"uses"`
	Config  map[string]any    `json:"config" yaml:"config" mapstructure:"config"`
	Outputs map[string]any    `json:"outputs,omitempty" yaml:"outputs,omitempty" mapstructure:"outputs"`
}

// PipelineSpec is a resolved pipeline document.
type PipelineSpec struct {
	Case   CaseSpec    `json:"case" yaml:"case"`
	Stages []StageSpec `json:"stages" yaml:"stages"`
	// Extra carries additional keys of the pipeline block (name, description).
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
	// Refs is the cross-stage reference graph recorded during interpolation.
	Refs *RefGraph `json:"-" yaml:"-"`
}

// Stage returns the stage with the given name.
func (p *PipelineSpec) Stage(name string) (StageSpec, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// StageNames returns stage names in declaration order.
func (p *PipelineSpec) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// Dependencies returns the stages the named stage references.
func (p *PipelineSpec) Dependencies(stage string) []string {
	if p.Refs == nil {
		return nil
	}
	return p.Refs.Dependencies(stage)
}
