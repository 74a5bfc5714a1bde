package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Placeholder kinds recognised inside ${...} tokens.
const (
	KindEnv  = "env"
	KindPath = "path"
	KindRef  = "ref"
)

// InterpolateOptions configures placeholder expansion.
type InterpolateOptions struct {
	// BaseDir anchors ${path:...} placeholders. Empty means the working
	// directory.
	BaseDir string
	// LookupEnv resolves ${env:...} placeholders. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

type refKey struct {
	stage string
	key   string
}

func (k refKey) String() string { return k.stage + "." + k.key }

type visitState uint8

const (
	stateVisiting visitState = iota + 1
	stateDone
)

type interpolator struct {
	lookupEnv func(string) (string, bool)
	baseDir   string

	stages map[string]map[string]any
	graph  *RefGraph

	memo    map[refKey]any
	state   map[refKey]visitState
	stack   []refKey
	current []string
}

// Interpolate expands every ${env:...}, ${path:...} and ${ref:...}
// placeholder in a normalized document and returns the resolved copy with
// the stage reference graph.
//
// Each referenced entry is resolved exactly once, depth first, before it is
// substituted, so references may themselves contain placeholders. Cycles
// between referenced entries, or between stages, fail with
// *CyclicReferenceError before anything executes.
func Interpolate(doc map[string]any, opts InterpolateOptions) (map[string]any, *RefGraph, error) {
	base, err := filepath.Abs(opts.BaseDir)
	if opts.BaseDir == "" {
		base, err = filepath.Abs(".")
	}
	if err != nil {
		return nil, nil, configErrorf("interpolate", "resolve base dir: %v", err)
	}
	in := &interpolator{
		lookupEnv: opts.LookupEnv,
		baseDir:   base,
		stages:    map[string]map[string]any{},
		memo:      map[refKey]any{},
		state:     map[refKey]visitState{},
	}
	if in.lookupEnv == nil {
		in.lookupEnv = os.LookupEnv
	}

	var order []string
	for i, stage := range stageList(doc) {
		name, _ := stage["name"].(string)
		if name == "" {
			return nil, nil, configErrorf("interpolate", "pipeline.stages[%d].name must be a non-empty string", i)
		}
		if _, dup := in.stages[name]; dup {
			return nil, nil, configErrorf("interpolate", "duplicate stage name %q", name)
		}
		in.stages[name] = stage
		order = append(order, name)
	}
	in.graph = newRefGraph(order)

	out := make(map[string]any, len(doc))
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "pipeline" {
			continue
		}
		v, err := in.resolveValue(doc[k], k)
		if err != nil {
			return nil, nil, err
		}
		out[k] = v
	}
	if p, ok := doc["pipeline"]; ok {
		v, err := in.resolvePipeline(p)
		if err != nil {
			return nil, nil, err
		}
		out["pipeline"] = v
	}

	if err := in.graph.checkAcyclic(); err != nil {
		return nil, nil, err
	}
	return out, in.graph, nil
}

func stageList(doc map[string]any) []map[string]any {
	p, _ := doc["pipeline"].(map[string]any)
	raw, _ := p["stages"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, s := range raw {
		if m, ok := s.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (in *interpolator) resolvePipeline(p any) (any, error) {
	pm, ok := p.(map[string]any)
	if !ok {
		return in.resolveValue(p, "pipeline")
	}
	out := make(map[string]any, len(pm))
	for k, v := range pm {
		if k != "stages" {
			rv, err := in.resolveValue(v, "pipeline."+k)
			if err != nil {
				return nil, err
			}
			out[k] = rv
			continue
		}
		list, _ := v.([]any)
		stages := make([]any, len(list))
		for i, s := range list {
			name := ""
			if m, ok := s.(map[string]any); ok {
				name, _ = m["name"].(string)
			}
			in.current = append(in.current, name)
			rv, err := in.resolveValue(s, fmt.Sprintf("pipeline.stages[%d]", i))
			in.current = in.current[:len(in.current)-1]
			if err != nil {
				return nil, err
			}
			stages[i] = rv
		}
		out["stages"] = stages
	}
	return out, nil
}

func (in *interpolator) resolveValue(v any, loc string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := in.resolveValue(val, loc+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := in.resolveValue(val, fmt.Sprintf("%s[%d]", loc, i))
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case string:
		return in.resolveString(t, loc)
	default:
		return v, nil
	}
}

// token is one ${...} placeholder: s[start:end] is the whole token and body
// is the text between the braces.
type token struct {
	start, end int
	body       string
}

// scanTokens finds the top-level placeholders in s. Braces nest, so the
// default in ${env:A:${env:B:x}} stays inside the outer token.
func scanTokens(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		if !strings.HasPrefix(s[i:], "${") {
			i++
			continue
		}
		depth := 1
		j := i + 2
		for j < len(s) && depth > 0 {
			switch {
			case strings.HasPrefix(s[j:], "${"):
				depth++
				j += 2
			case s[j] == '}':
				depth--
				j++
			default:
				j++
			}
		}
		if depth > 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		out = append(out, token{start: i, end: j, body: s[i+2 : j-1]})
		i = j
	}
	return out, nil
}

func (in *interpolator) resolveString(s, loc string) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	tokens, err := scanTokens(s)
	if err != nil {
		return nil, configErrorf("interpolate", "%s: %v", loc, err)
	}

	// A string that is exactly one placeholder keeps the resolved value's type.
	if len(tokens) == 1 && tokens[0].start == 0 && tokens[0].end == len(s) {
		return in.resolveToken(tokens[0].body, loc)
	}

	var b strings.Builder
	last := 0
	for _, t := range tokens {
		b.WriteString(s[last:t.start])
		v, err := in.resolveToken(t.body, loc)
		if err != nil {
			return nil, err
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, configErrorf("interpolate", "%s: placeholder %q resolves to a %T and cannot be embedded in a string", loc, s[t.start:t.end], v)
		}
		fmt.Fprint(&b, v)
		last = t.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveNested expands placeholders inside a token body and requires the
// result to be a string.
func (in *interpolator) resolveNested(body, loc string) (string, error) {
	v, err := in.resolveString(body, loc)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any, []any:
		return "", configErrorf("interpolate", "%s: nested placeholder in %q resolves to a %T", loc, body, v)
	default:
		return fmt.Sprint(t), nil
	}
}

func (in *interpolator) resolveToken(token, loc string) (any, error) {
	kind, body, ok := strings.Cut(token, ":")
	if !ok {
		return nil, configErrorf("interpolate", "%s: placeholder ${%s} has no kind (expected env:, path: or ref:)", loc, token)
	}
	switch kind {
	case KindEnv:
		name, def, hasDef := strings.Cut(body, ":")
		if name == "" || strings.Contains(name, "${") {
			return nil, configErrorf("interpolate", "%s: ${env:} requires a literal variable name", loc)
		}
		if v, ok := in.lookupEnv(name); ok {
			return v, nil
		}
		if hasDef {
			if strings.Contains(def, "${") {
				return in.resolveString(def, loc)
			}
			return def, nil
		}
		return nil, &MissingEnvVarError{Name: name, Location: loc}
	case KindPath:
		if strings.Contains(body, "${") {
			var err error
			if body, err = in.resolveNested(body, loc); err != nil {
				return nil, err
			}
		}
		if body == "" {
			return nil, configErrorf("interpolate", "%s: ${path:} requires a path", loc)
		}
		if filepath.IsAbs(body) {
			return filepath.Clean(body), nil
		}
		return filepath.Join(in.baseDir, body), nil
	case KindRef:
		if strings.Contains(body, "${") {
			return nil, configErrorf("interpolate", "%s: ${ref:} does not accept nested placeholders", loc)
		}
		return in.resolveRef(body, loc)
	default:
		return nil, configErrorf("interpolate", "%s: unknown placeholder kind %q", loc, kind)
	}
}

func (in *interpolator) resolveRef(ref, loc string) (any, error) {
	stageName, key, ok := strings.Cut(ref, ".")
	if !ok || stageName == "" || key == "" {
		return nil, &UnresolvedReferenceError{Ref: ref, Location: loc, Reason: "expected stage.key"}
	}
	stage, ok := in.stages[stageName]
	if !ok {
		return nil, &UnresolvedReferenceError{Ref: ref, Location: loc, Reason: fmt.Sprintf("no stage named %q", stageName)}
	}
	if n := len(in.current); n > 0 && in.current[n-1] != "" {
		in.graph.addEdge(in.current[n-1], stageName)
	}

	k := refKey{stage: stageName, key: key}
	switch in.state[k] {
	case stateDone:
		return in.memo[k], nil
	case stateVisiting:
		i := slices.Index(in.stack, k)
		cycle := append(slices.Clone(in.stack[i:]), k)
		err := &CyclicReferenceError{}
		for _, n := range cycle {
			err.Refs = append(err.Refs, n.String())
			err.Stages = append(err.Stages, n.stage)
		}
		return nil, err
	}

	raw, found := lookupDeclared(stage, key)
	if !found {
		return nil, &UnresolvedReferenceError{Ref: ref, Location: loc,
			Reason: fmt.Sprintf("stage %q declares no output or config entry %q", stageName, key)}
	}

	in.state[k] = stateVisiting
	in.stack = append(in.stack, k)
	in.current = append(in.current, stageName)
	v, err := in.resolveValue(raw, "ref:"+k.String())
	in.current = in.current[:len(in.current)-1]
	in.stack = in.stack[:len(in.stack)-1]
	if err != nil {
		return nil, err
	}
	in.state[k] = stateDone
	in.memo[k] = v
	return v, nil
}

// lookupDeclared finds key (a dotted path) in the stage's declared outputs,
// then its config. An explicit "outputs." or "config." prefix selects the
// section directly.
func lookupDeclared(stage map[string]any, key string) (any, bool) {
	path := strings.Split(key, ".")
	for _, section := range []string{"outputs", "config"} {
		if v, ok := lookupPath(stage[section], path); ok {
			return v, true
		}
	}
	if len(path) > 1 && (path[0] == "outputs" || path[0] == "config") {
		return lookupPath(stage[path[0]], path[1:])
	}
	return nil, false
}

func lookupPath(v any, path []string) (any, bool) {
	for _, seg := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}
