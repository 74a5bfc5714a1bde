package config

import (
	"fmt"
	"strings"
)

// ConfigError reports document shape failures and aggregated stage
// validation failures.
type ConfigError struct {
	Op       string
	Problems []string
}

func (e *ConfigError) Error() string {
	switch len(e.Problems) {
	case 0:
		return fmt.Sprintf("config: %s failed", e.Op)
	case 1:
		return fmt.Sprintf("config: %s: %s", e.Op, e.Problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "config: %s: %d problems:", e.Op, len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

func configErrorf(op, format string, args ...any) *ConfigError {
	return &ConfigError{Op: op, Problems: []string{fmt.Sprintf(format, args...)}}
}

// MissingEnvVarError is returned when an ${env:NAME} placeholder names an
// unset variable and carries no default.
type MissingEnvVarError struct {
	Name     string
	Location string
}

func (e *MissingEnvVarError) Error() string {
	return fmt.Sprintf("config: environment variable %q is not set (referenced at %s)", e.Name, e.Location)
}

// UnresolvedReferenceError is returned when a ${ref:stage.key} placeholder
// names a stage or key that the document does not declare.
type UnresolvedReferenceError struct {
	Ref      string
	Location string
	Reason   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("config: unresolved reference ${ref:%s} at %s: %s", e.Ref, e.Location, e.Reason)
}

// CyclicReferenceError is returned when cross-stage references form a cycle.
// Stages lists the stage sequence of the cycle, first stage repeated last.
type CyclicReferenceError struct {
	Stages []string
	// Refs lists the stage.key nodes of a value-level cycle, if that is how
	// the cycle was found.
	Refs []string
}

func (e *CyclicReferenceError) Error() string {
	if len(e.Refs) > 0 {
		return fmt.Sprintf("config: cyclic reference between stages %s (%s)",
			strings.Join(e.Stages, " -> "), strings.Join(e.Refs, " -> "))
	}
	return fmt.Sprintf("config: cyclic reference between stages %s", strings.Join(e.Stages, " -> "))
}
