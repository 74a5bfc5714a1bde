package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/upi/manifest"
)

// RejectReason explains why a manifest did not survive selection filtering.
type RejectReason string

const (
	RejectNotEnabled        RejectReason = "not_enabled"
	RejectWrongType         RejectReason = "wrong_type"
	RejectMissingCapability RejectReason = "missing_capability"
	RejectVersionMismatch   RejectReason = "version_mismatch"
)

// Candidate is a manifest that survived filtering, with its rank (1 = chosen
// absent a prefer hint).
type Candidate struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	QualityTier manifest.QualityTier `json:"quality_tier"`
	Rank        int                  `json:"rank"`
}

// Rejection records why one manifest was filtered out.
type Rejection struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Reason  RejectReason `json:"reason"`
	Detail  string       `json:"detail"`
}

// NoCandidateError is returned by Select when no manifest survives filtering.
type NoCandidateError struct {
	Selector Selector
	Rejected []Rejection
}

func (e *NoCandidateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry: no candidate for %s", e.Selector)
	if len(e.Rejected) == 0 {
		b.WriteString(" (registry has no manifests)")
		return b.String()
	}
	fmt.Fprintf(&b, " (%d rejected:", len(e.Rejected))
	for i, r := range e.Rejected {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " %s %s", r.ID, r.Reason)
	}
	b.WriteString(")")
	return b.String()
}

// Explanation is the diagnostic form of a selection. It is never persisted.
type Explanation struct {
	Selector   Selector    `json:"selector"`
	Chosen     string      `json:"chosen,omitempty"`
	Preferred  bool        `json:"preferred"`
	Candidates []Candidate `json:"candidates"`
	Rejected   []Rejection `json:"rejected"`
	Error      string      `json:"error,omitempty"`
}

// selection is the shared result of the filter and rank passes.
type selection struct {
	ranked    []entry
	rejected  []Rejection
	chosen    *entry
	preferred bool
}

// Select returns the single manifest the selector resolves to. It is a pure
// function of the current snapshot and the selector.
func (r *Registry) Select(sel Selector) (manifest.Manifest, error) {
	res, err := r.run(sel)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if res.chosen == nil {
		return manifest.Manifest{}, &NoCandidateError{Selector: sel, Rejected: res.rejected}
	}
	return res.chosen.manifest.Clone(), nil
}

// Explain runs the same filtering and ranking as Select but never fails; any
// failure is reported in the Explanation's Error field.
func (r *Registry) Explain(sel Selector) Explanation {
	exp := Explanation{Selector: sel, Candidates: []Candidate{}, Rejected: []Rejection{}}
	res, err := r.run(sel)
	if err != nil {
		exp.Error = err.Error()
		return exp
	}
	for i, e := range res.ranked {
		exp.Candidates = append(exp.Candidates, Candidate{
			ID:          e.manifest.ID,
			Name:        e.manifest.Name,
			Version:     e.manifest.Version,
			QualityTier: e.manifest.QualityTier,
			Rank:        i + 1,
		})
	}
	exp.Rejected = append(exp.Rejected, res.rejected...)
	if res.chosen != nil {
		exp.Chosen = res.chosen.manifest.ID
		exp.Preferred = res.preferred
	} else {
		exp.Error = (&NoCandidateError{Selector: sel, Rejected: res.rejected}).Error()
	}
	return exp
}

func (r *Registry) run(sel Selector) (selection, error) {
	var constraint *manifest.Constraint
	if sel.Version != "" {
		c, err := manifest.ParseConstraint(sel.Version)
		if err != nil {
			return selection{}, fmt.Errorf("registry: selector %s: %w", sel, err)
		}
		constraint = c
	}

	snap := r.state.Load()
	var res selection

	// Excluded manifests were rejected at registration; report them first in
	// registration order together with the live entries.
	all := make([]entry, 0, len(snap.entries)+len(snap.excluded))
	all = append(all, snap.entries...)
	all = append(all, snap.excluded...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].order < all[j].order })

	excluded := make(map[int]bool, len(snap.excluded))
	for _, e := range snap.excluded {
		excluded[e.order] = true
	}

	for _, e := range all {
		m := e.manifest
		rej := Rejection{ID: m.ID, Name: m.Name, Version: m.Version}
		switch {
		case excluded[e.order]:
			rej.Reason = RejectNotEnabled
			rej.Detail = "excluded by enablelist"
		case string(m.PluginType) != sel.PluginType:
			rej.Reason = RejectWrongType
			rej.Detail = fmt.Sprintf("plugin_type %s != %s", m.PluginType, sel.PluginType)
		case sel.Capability != "" && !m.HasCapability(sel.Capability):
			rej.Reason = RejectMissingCapability
			rej.Detail = fmt.Sprintf("capability %q not in [%s]", sel.Capability, strings.Join(m.Capabilities, ", "))
		case constraint != nil && !constraint.Check(m.Version):
			rej.Reason = RejectVersionMismatch
			rej.Detail = fmt.Sprintf("version %s does not satisfy %s", m.Version, constraint)
		default:
			res.ranked = append(res.ranked, e)
			continue
		}
		res.rejected = append(res.rejected, rej)
	}

	sort.SliceStable(res.ranked, func(i, j int) bool {
		return less(res.ranked[i], res.ranked[j])
	})

	if len(res.ranked) == 0 {
		return res, nil
	}
	if sel.Prefer != "" {
		for i := range res.ranked {
			m := res.ranked[i].manifest
			if m.ID == sel.Prefer || m.Name == sel.Prefer {
				res.chosen = &res.ranked[i]
				res.preferred = true
				return res, nil
			}
		}
	}
	res.chosen = &res.ranked[0]
	return res, nil
}

// less orders by quality tier desc, version desc, registration order asc.
func less(a, b entry) bool {
	if ra, rb := a.manifest.QualityTier.Rank(), b.manifest.QualityTier.Rank(); ra != rb {
		return ra > rb
	}
	if c := manifest.CompareVersions(a.manifest.Version, b.manifest.Version); c != 0 {
		return c > 0
	}
	return a.order < b.order
}
