package config

import (
	"fmt"
	"strings"
)

// Default case values applied by Normalize.
const (
	DefaultDevice = "cpu"
	DefaultSeed   = 0
)

// Normalize maps legacy and shorthand document shapes onto the canonical
// shape:
//
//	case: {seed, device, tags, workdir}
//	pipeline:
//	  stages:
//	    - {name, uses: {plugin_type, ...}, config: {}, outputs: {}}
//
// It never mutates raw and is idempotent.
func Normalize(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, configErrorf("normalize", "document is empty")
	}
	doc, _ := copyValue(raw).(map[string]any)

	if stages, ok := doc["stages"]; ok {
		if _, has := doc["pipeline"]; has {
			return nil, configErrorf("normalize", "document has both top-level stages and a pipeline block")
		}
		doc["pipeline"] = map[string]any{"stages": stages}
		delete(doc, "stages")
	}

	var pipeline map[string]any
	switch p := doc["pipeline"].(type) {
	case map[string]any:
		pipeline = p
	case []any:
		pipeline = map[string]any{"stages": p}
		doc["pipeline"] = pipeline
	case nil:
		return nil, configErrorf("normalize", "pipeline.stages must be a non-empty list")
	default:
		return nil, configErrorf("normalize", "pipeline must be a mapping, got %T", p)
	}

	stages, ok := pipeline["stages"].([]any)
	if !ok || len(stages) == 0 {
		return nil, configErrorf("normalize", "pipeline.stages must be a non-empty list")
	}
	for i, s := range stages {
		stage, ok := s.(map[string]any)
		if !ok {
			return nil, configErrorf("normalize", "pipeline.stages[%d] must be a mapping, got %T", i, s)
		}
		if err := normalizeStage(stage); err != nil {
			return nil, configErrorf("normalize", "pipeline.stages[%d]: %v", i, err)
		}
	}

	cs, err := normalizeCase(doc["case"])
	if err != nil {
		return nil, configErrorf("normalize", "case: %v", err)
	}
	doc["case"] = cs
	return doc, nil
}

func normalizeStage(stage map[string]any) error {
	if uses, ok := stage["uses"].(string); ok {
		pluginType, capability, hasCap := strings.Cut(strings.TrimSpace(uses), ":")
		sel := map[string]any{"plugin_type": pluginType}
		if hasCap && capability != "" {
			sel["capability"] = capability
		}
		stage["uses"] = sel
	}
	for _, key := range []string{"config", "outputs"} {
		switch v := stage[key].(type) {
		case nil:
			stage[key] = map[string]any{}
		case map[string]any:
		default:
			return fmt.Errorf("%s must be a mapping, got %T", key, v)
		}
	}
	return nil
}

func normalizeCase(raw any) (map[string]any, error) {
	cs := map[string]any{}
	switch v := raw.(type) {
	case nil:
	case map[string]any:
		cs = v
	default:
		return nil, fmt.Errorf("must be a mapping, got %T", raw)
	}
	if _, ok := cs["seed"]; !ok {
		cs["seed"] = DefaultSeed
	}
	if d, ok := cs["device"]; !ok || d == nil {
		cs["device"] = DefaultDevice
	}
	if w, ok := cs["workdir"]; !ok || w == nil {
		cs["workdir"] = ""
	}
	switch tags := cs["tags"].(type) {
	case nil:
		cs["tags"] = []any{}
	case string:
		list := []any{}
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		cs["tags"] = list
	case []any:
	default:
		return nil, fmt.Errorf("tags must be a list or a comma-separated string, got %T", tags)
	}
	return cs, nil
}

// copyValue deep-copies decoded document values, converting typed Go
// collections into the generic shapes the YAML decoder produces.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}
