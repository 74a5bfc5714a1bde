package manifest

import (
	"fmt"
	"strings"
)

// RejectReason classifies why a raw record was not accepted.
type RejectReason string

const (
	ReasonMalformed   RejectReason = "malformed"
	ReasonUnknownType RejectReason = "unknown_plugin_type"
	ReasonDuplicateID RejectReason = "duplicate_id"
	ReasonNotEnabled  RejectReason = "not_enabled"
)

// ValidationError describes a rejected manifest record.
type ValidationError struct {
	Source string
	ID     string
	Field  string
	Reason RejectReason
	Detail string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("manifest")
	if e.ID != "" {
		fmt.Fprintf(&b, " %q", e.ID)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " (%s)", e.Source)
	}
	b.WriteString(": ")
	if e.Field != "" {
		fmt.Fprintf(&b, "%s: ", e.Field)
	}
	b.WriteString(e.Detail)
	return b.String()
}

// Rejection pairs a raw record with the reason it was rejected.
type Rejection struct {
	Record Record
	Reason RejectReason
	Err    *ValidationError
	// Manifest is set when the record itself was well formed but was
	// rejected by policy (enablelist), so it can still be explained.
	Manifest *Manifest
}

// Validate shape-checks records and applies the enablelist. It never fails:
// callers always get both the accepted manifests and every rejection, in
// input order.
func Validate(records []Record, enablelist *Enablelist) ([]Manifest, []Rejection) {
	var (
		valid    []Manifest
		rejected []Rejection
		seen     = make(map[string]bool, len(records))
	)
	for _, rec := range records {
		m, verr := parseRecord(rec)
		if verr != nil {
			rejected = append(rejected, Rejection{Record: rec, Reason: verr.Reason, Err: verr})
			continue
		}
		if seen[m.ID] {
			verr := &ValidationError{Source: rec.Source, ID: m.ID, Field: "id", Reason: ReasonDuplicateID,
				Detail: "duplicate id in batch"}
			rejected = append(rejected, Rejection{Record: rec, Reason: verr.Reason, Err: verr})
			continue
		}
		seen[m.ID] = true
		if !enablelist.Allows(m) {
			mc := m
			verr := &ValidationError{Source: rec.Source, ID: m.ID, Reason: ReasonNotEnabled,
				Detail: "not matched by enablelist"}
			rejected = append(rejected, Rejection{Record: rec, Reason: verr.Reason, Err: verr, Manifest: &mc})
			continue
		}
		valid = append(valid, m)
	}
	return valid, rejected
}

func parseRecord(rec Record) (Manifest, *ValidationError) {
	f := rec.Fields
	id, _ := f["id"].(string)
	malformed := func(field, detail string) *ValidationError {
		return &ValidationError{Source: rec.Source, ID: id, Field: field, Reason: ReasonMalformed, Detail: detail}
	}
	if f == nil {
		return Manifest{}, malformed("", "empty record")
	}

	required := make(map[string]string, 5)
	for _, key := range []string{"id", "name", "plugin_type", "version", "entrypoint"} {
		s, err := requireString(f, key)
		if err != "" {
			return Manifest{}, malformed(key, err)
		}
		required[key] = s
	}

	pt, err := ParsePluginType(required["plugin_type"])
	if err != nil {
		return Manifest{}, &ValidationError{Source: rec.Source, ID: id, Field: "plugin_type",
			Reason: ReasonUnknownType, Detail: err.Error()}
	}

	if _, ok := CanonicalVersion(required["version"]); !ok {
		return Manifest{}, malformed("version", fmt.Sprintf("%q is not a semantic version", required["version"]))
	}

	tier := TierExperimental
	if raw, ok := f["quality_tier"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok || !QualityTier(s).Valid() {
			return Manifest{}, malformed("quality_tier", fmt.Sprintf("must be one of experimental, stable, certified; got %v", raw))
		}
		tier = QualityTier(s)
	}

	caps, detail := stringList(f["capabilities"])
	if detail != "" {
		return Manifest{}, malformed("capabilities", detail)
	}

	var meta map[string]any
	if raw, ok := f["metadata"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return Manifest{}, malformed("metadata", "must be a mapping")
		}
		meta = m
	}

	return Manifest{
		ID:           required["id"],
		Name:         required["name"],
		PluginType:   pt,
		Capabilities: caps,
		Version:      required["version"],
		QualityTier:  tier,
		Entrypoint:   required["entrypoint"],
		Metadata:     meta,
	}, nil
}

func requireString(f map[string]any, key string) (string, string) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return "", "is required"
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Sprintf("must be a string, got %T", raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "must not be empty"
	}
	return s, ""
}

func stringList(raw any) ([]string, string) {
	if raw == nil {
		return nil, ""
	}
	items, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return append([]string(nil), ss...), ""
		}
		return nil, fmt.Sprintf("must be a list of strings, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fmt.Sprintf("item %d must be a non-empty string", i)
		}
		out = append(out, s)
	}
	return out, ""
}
