// Package registry holds validated plugin manifests and selects one concrete
// implementation for a stage's abstract selector.
//
// The registry's state is an immutable snapshot. RegisterAll builds a new
// snapshot and swaps it in atomically, so Select, Explain and List never take
// a lock and always observe a consistent view.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/upi/manifest"
)

// DuplicateManifestError is returned when a manifest id is already known to
// the registry or repeats within one RegisterAll batch.
type DuplicateManifestError struct {
	ID string
}

func (e *DuplicateManifestError) Error() string {
	return fmt.Sprintf("registry: duplicate manifest id %q", e.ID)
}

type entry struct {
	manifest manifest.Manifest
	order    int
}

type snapshot struct {
	entries  []entry
	excluded []entry
	ids      map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnablelist restricts which manifests become selectable. Manifests the
// enablelist does not allow are kept as excluded so explanations can report
// them.
func WithEnablelist(el *manifest.Enablelist) Option {
	return func(r *Registry) { r.enablelist = el }
}

// Registry holds validated manifests in registration order.
type Registry struct {
	enablelist *manifest.Enablelist

	writeMu sync.Mutex
	state   atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	r.state.Store(&snapshot{ids: map[string]struct{}{}})
	return r
}

// Enablelist returns the registry's enablelist (nil means allow-all).
func (r *Registry) Enablelist() *manifest.Enablelist { return r.enablelist }

// RegisterAll inserts manifests atomically: either every manifest is
// registered or, on an id collision, none is.
func (r *Registry) RegisterAll(manifests []manifest.Manifest) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.state.Load()
	batch := make(map[string]struct{}, len(manifests))
	for _, m := range manifests {
		if _, ok := cur.ids[m.ID]; ok {
			return &DuplicateManifestError{ID: m.ID}
		}
		if _, ok := batch[m.ID]; ok {
			return &DuplicateManifestError{ID: m.ID}
		}
		batch[m.ID] = struct{}{}
	}

	next := &snapshot{
		entries:  make([]entry, len(cur.entries), len(cur.entries)+len(manifests)),
		excluded: append([]entry(nil), cur.excluded...),
		ids:      make(map[string]struct{}, len(cur.ids)+len(manifests)),
	}
	copy(next.entries, cur.entries)
	for id := range cur.ids {
		next.ids[id] = struct{}{}
	}
	order := len(cur.entries) + len(cur.excluded)
	for _, m := range manifests {
		e := entry{manifest: m.Clone(), order: order}
		order++
		next.ids[m.ID] = struct{}{}
		if r.enablelist.Allows(m) {
			next.entries = append(next.entries, e)
		} else {
			next.excluded = append(next.excluded, e)
		}
	}
	r.state.Store(next)
	return nil
}

// List returns registered manifests of the given type in registration order.
// An empty pluginType lists every registered manifest.
func (r *Registry) List(pluginType manifest.PluginType) []manifest.Manifest {
	snap := r.state.Load()
	out := make([]manifest.Manifest, 0, len(snap.entries))
	for _, e := range snap.entries {
		if pluginType == "" || e.manifest.PluginType == pluginType {
			out = append(out, e.manifest.Clone())
		}
	}
	return out
}

// Excluded returns manifests that were kept out by the enablelist.
func (r *Registry) Excluded() []manifest.Manifest {
	snap := r.state.Load()
	out := make([]manifest.Manifest, 0, len(snap.excluded))
	for _, e := range snap.excluded {
		out = append(out, e.manifest.Clone())
	}
	return out
}

// Get returns the registered manifest with the given id.
func (r *Registry) Get(id string) (manifest.Manifest, bool) {
	for _, e := range r.state.Load().entries {
		if e.manifest.ID == id {
			return e.manifest.Clone(), true
		}
	}
	return manifest.Manifest{}, false
}

// Len returns the number of selectable manifests.
func (r *Registry) Len() int {
	return len(r.state.Load().entries)
}

// Selector is a stage's declared intent: which kind of plugin it needs.
type Selector struct {
	PluginType string `json:"plugin_type" yaml:"plugin_type" mapstructure:"plugin_type"`
	Capability string `json:"capability,omitempty" yaml:"capability,omitempty" mapstructure:"capability"`
	Prefer     string `json:"prefer,omitempty" yaml:"prefer,omitempty" mapstructure:"prefer"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty" mapstructure:"version"`
}

func (s Selector) String() string {
	parts := []string{"plugin_type=" + s.PluginType}
	if s.Capability != "" {
		parts = append(parts, "capability="+s.Capability)
	}
	if s.Version != "" {
		parts = append(parts, "version="+s.Version)
	}
	if s.Prefer != "" {
		parts = append(parts, "prefer="+s.Prefer)
	}
	return strings.Join(parts, " ")
}
