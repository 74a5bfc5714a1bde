// Package validation checks a resolved pipeline against a plugin registry
// before anything runs.
package validation

import (
	"fmt"

	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/registry"
)

// StageError is one stage whose selector could not be satisfied.
type StageError struct {
	Stage    string            `json:"stage"`
	Selector registry.Selector `json:"selector"`
	Message  string            `json:"error"`
	Err      error             `json:"-"`
}

func (e StageError) Error() string {
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Message)
}

func (e StageError) Unwrap() error { return e.Err }

// Report is the outcome of validating every stage of a pipeline.
type Report struct {
	OK bool `json:"ok"`
	// StageErrors lists failing stages in declaration order.
	StageErrors []StageError `json:"stage_errors"`
	// Selected maps each resolvable stage to the chosen plugin id.
	Selected map[string]string `json:"selected"`

	manifests map[string]manifest.Manifest
}

// Manifest returns the manifest selected for stage.
func (r Report) Manifest(stage string) (manifest.Manifest, bool) {
	m, ok := r.manifests[stage]
	return m, ok
}

// Err returns nil for a passing report, otherwise a single
// *config.ConfigError listing every stage failure in declaration order.
func (r Report) Err() error {
	if r.OK {
		return nil
	}
	cerr := &config.ConfigError{Op: "validate"}
	for _, se := range r.StageErrors {
		cerr.Problems = append(cerr.Problems, se.Error())
	}
	return cerr
}

// Validate runs selection for every stage and collects all failures. It does
// not stop at the first failing stage and never mutates the registry.
func Validate(spec *config.PipelineSpec, reg *registry.Registry) Report {
	rep := Report{
		OK:          true,
		StageErrors: []StageError{},
		Selected:    map[string]string{},
		manifests:   map[string]manifest.Manifest{},
	}
	if spec == nil {
		rep.OK = false
		rep.StageErrors = append(rep.StageErrors, StageError{Message: "pipeline is nil"})
		return rep
	}
	for _, stage := range spec.Stages {
		if reg == nil {
			rep.fail(stage, fmt.Errorf("no plugin registry"))
			continue
		}
		m, err := reg.Select(stage.Uses)
		if err != nil {
			rep.fail(stage, err)
			continue
		}
		rep.Selected[stage.Name] = m.ID
		rep.manifests[stage.Name] = m
	}
	return rep
}

func (r *Report) fail(stage config.StageSpec, err error) {
	r.OK = false
	r.StageErrors = append(r.StageErrors, StageError{
		Stage:    stage.Name,
		Selector: stage.Uses,
		Message:  err.Error(),
		Err:      err,
	})
}
