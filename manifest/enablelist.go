package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// EnablelistFilenames are looked up, in order, at the scan root.
var EnablelistFilenames = []string{"_enabled.yml", "_enabled.yaml"}

// Enablelist restricts which manifests may be registered. Entries are plugin
// ids, names, or glob patterns ("acme-*"). A nil *Enablelist allows everything.
type Enablelist struct {
	source   string
	patterns []string
	globs    []glob.Glob
}

// NewEnablelist compiles the given entries.
func NewEnablelist(entries ...string) (*Enablelist, error) {
	el := &Enablelist{}
	for _, e := range entries {
		if e == "" {
			continue
		}
		g, err := glob.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("enablelist: invalid pattern %q: %w", e, err)
		}
		el.patterns = append(el.patterns, e)
		el.globs = append(el.globs, g)
	}
	return el, nil
}

// Allows reports whether the manifest's id or name matches any entry.
func (e *Enablelist) Allows(m Manifest) bool {
	if e == nil {
		return true
	}
	return e.AllowsID(m.ID) || (m.Name != "" && e.AllowsID(m.Name))
}

// AllowsID reports whether s matches any entry.
func (e *Enablelist) AllowsID(s string) bool {
	if e == nil {
		return true
	}
	for _, g := range e.globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Patterns returns the configured entries.
func (e *Enablelist) Patterns() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Source returns the file the enablelist was loaded from, if any.
func (e *Enablelist) Source() string {
	if e == nil {
		return ""
	}
	return e.source
}

// LoadEnablelist looks for an enablelist file in root. It returns (nil, nil)
// when no file exists, meaning allow-all.
func LoadEnablelist(root string) (*Enablelist, error) {
	for _, name := range EnablelistFilenames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("enablelist: read %s: %w", path, err)
		}
		el, err := ParseEnablelist(data)
		if err != nil {
			return nil, fmt.Errorf("enablelist: %s: %w", path, err)
		}
		el.source = path
		return el, nil
	}
	return nil, nil
}

// ParseEnablelist decodes either a YAML list of entries or a mapping with an
// "enabled" list.
func ParseEnablelist(data []byte) (*Enablelist, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var entries []string
	if len(node.Content) > 0 {
		doc := node.Content[0]
		switch doc.Kind {
		case yaml.SequenceNode:
			if err := doc.Decode(&entries); err != nil {
				return nil, fmt.Errorf("decode list: %w", err)
			}
		case yaml.MappingNode:
			var wrapped struct {
				Enabled []string `yaml:"enabled"`
			}
			if err := doc.Decode(&wrapped); err != nil {
				return nil, fmt.Errorf("decode mapping: %w", err)
			}
			entries = wrapped.Enabled
		default:
			return nil, fmt.Errorf("expected a list or a mapping with an enabled list")
		}
	}
	return NewEnablelist(entries...)
}
