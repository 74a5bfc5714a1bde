// Package manifest describes installable plugin implementations: the manifest
// model, plugin types, quality tiers, version constraints, and the validator
// that turns raw manifest records into registrable manifests.
package manifest

import (
	"fmt"
	"slices"
	"strings"
)

// PluginType classifies what a plugin implementation does within a pipeline.
type PluginType string

const (
	TypeSolver  PluginType = "solver"
	TypePhysics PluginType = "physics"
	TypeML      PluginType = "ml"
	TypeLoss    PluginType = "loss"
	TypeInverse PluginType = "inverse"
	TypeUQ      PluginType = "uq"
	TypeIO      PluginType = "io"
	TypeReport  PluginType = "report"
)

// PluginTypes lists every known plugin type in declaration order.
var PluginTypes = []PluginType{
	TypeSolver, TypePhysics, TypeML, TypeLoss, TypeInverse, TypeUQ, TypeIO, TypeReport,
}

// ParsePluginType returns the PluginType named by s.
func ParsePluginType(s string) (PluginType, error) {
	t := PluginType(strings.TrimSpace(s))
	if !slices.Contains(PluginTypes, t) {
		return "", fmt.Errorf("unknown plugin type %q", s)
	}
	return t, nil
}

// QualityTier is the primary ranking key during selection.
type QualityTier string

const (
	TierExperimental QualityTier = "experimental"
	TierStable       QualityTier = "stable"
	TierCertified    QualityTier = "certified"
)

var tierOrder = map[QualityTier]int{
	TierExperimental: 0,
	TierStable:       1,
	TierCertified:    2,
}

// Rank returns the tier's position in the total order experimental < stable
// < certified. Unknown tiers rank below experimental.
func (t QualityTier) Rank() int {
	if r, ok := tierOrder[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether t is one of the known tiers.
func (t QualityTier) Valid() bool {
	_, ok := tierOrder[t]
	return ok
}

// Manifest is a validated description of one plugin implementation.
// Manifests are treated as immutable once registered.
type Manifest struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	PluginType   PluginType     `json:"plugin_type" yaml:"plugin_type"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Version      string         `json:"version" yaml:"version"`
	QualityTier  QualityTier    `json:"quality_tier" yaml:"quality_tier"`
	Entrypoint   string         `json:"entrypoint" yaml:"entrypoint"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether the manifest claims capability c.
func (m Manifest) HasCapability(c string) bool {
	return slices.Contains(m.Capabilities, c)
}

// String returns "id@version".
func (m Manifest) String() string {
	return m.ID + "@" + m.Version
}

// Clone returns a deep-enough copy that callers cannot mutate registry state
// through the returned slices and maps.
func (m Manifest) Clone() Manifest {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Record is a raw, unvalidated manifest record as produced by discovery.
type Record struct {
	// Source identifies where the record came from (a file path or "builtin").
	Source string
	// Fields holds the decoded record.
	Fields map[string]any
}

// ID returns the record's id field when it is a string, for reporting.
func (r Record) ID() string {
	id, _ := r.Fields["id"].(string)
	return id
}
