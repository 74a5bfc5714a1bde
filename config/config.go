// Package config loads pipeline documents: it parses YAML, normalizes
// shorthand shapes, expands placeholders, records cross-stage references and
// decodes the result into a PipelineSpec.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML pipeline document into a raw mapping.
func Parse(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Op: "parse", Problems: []string{err.Error()}}
	}
	if raw == nil {
		return nil, configErrorf("parse", "document is empty")
	}
	return raw, nil
}

// LoadFromFile reads and parses a pipeline document. The returned mapping is
// raw: pass it to Load to resolve it.
func LoadFromFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	raw, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
	}
	return raw, nil
}

// Load runs Normalize, Interpolate and Decode over a raw document and
// attaches the stage reference graph to the returned spec.
func Load(raw map[string]any, opts InterpolateOptions) (*PipelineSpec, error) {
	doc, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	resolved, graph, err := Interpolate(doc, opts)
	if err != nil {
		return nil, err
	}
	spec, err := Decode(resolved)
	if err != nil {
		return nil, err
	}
	spec.Refs = graph
	return spec, nil
}

// LoadPath loads and resolves the document at path. Relative ${path:...}
// placeholders are anchored at opts.BaseDir, or the working directory when
// it is empty, never at the document's own directory.
func LoadPath(path string, opts InterpolateOptions) (*PipelineSpec, error) {
	raw, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return Load(raw, opts)
}

type document struct {
	Case     CaseSpec `mapstructure:"case"`
	Pipeline struct {
		Stages []StageSpec    `mapstructure:"stages"`
		Extra  map[string]any `mapstructure:",remain"`
	} `mapstructure:"pipeline"`
}

// Decode strictly decodes a normalized, resolved document. Unknown keys are
// rejected except inside the pipeline block, where they are kept in
// PipelineSpec.Extra.
func Decode(doc map[string]any) (*PipelineSpec, error) {
	var d document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &d,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return nil, &ConfigError{Op: "decode", Problems: decodeProblems(err)}
	}

	var problems []string
	seen := make(map[string]bool, len(d.Pipeline.Stages))
	for i, s := range d.Pipeline.Stages {
		switch {
		case s.Name == "":
			problems = append(problems, fmt.Sprintf("pipeline.stages[%d].name must be a non-empty string", i))
		case seen[s.Name]:
			problems = append(problems, fmt.Sprintf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Uses.PluginType == "" {
			problems = append(problems, fmt.Sprintf("pipeline.stages[%d].uses.plugin_type must be a non-empty string", i))
		}
		if s.Config == nil {
			d.Pipeline.Stages[i].Config = map[string]any{}
		}
		if s.Outputs == nil {
			d.Pipeline.Stages[i].Outputs = map[string]any{}
		}
	}
	if len(d.Pipeline.Stages) == 0 {
		problems = append(problems, "pipeline.stages must be a non-empty list")
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Op: "decode", Problems: problems}
	}
	if d.Case.Tags == nil {
		d.Case.Tags = []string{}
	}

	spec := &PipelineSpec{
		Case:   d.Case,
		Stages: d.Pipeline.Stages,
		Extra:  d.Pipeline.Extra,
	}
	if len(spec.Extra) == 0 {
		spec.Extra = nil
	}
	return spec, nil
}

func decodeProblems(err error) []string {
	var merr *mapstructure.Error
	if !errors.As(err, &merr) || len(merr.Errors) == 0 {
		return []string{err.Error()}
	}
	return merr.Errors
}
