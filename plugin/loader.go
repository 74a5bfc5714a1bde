package plugin

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/upi/manifest"
)

// LoadError is returned when a manifest's entrypoint cannot be turned into a
// Plugin.
type LoadError struct {
	PluginID   string
	Entrypoint string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin: load %s (%s): %v", e.PluginID, e.Entrypoint, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrUnknownEntrypoint is wrapped by LoadError when no factory is registered
// for an entrypoint.
var ErrUnknownEntrypoint = errors.New("unknown entrypoint")

// Loader resolves manifest entrypoints to factories.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLoader creates a Loader seeded with every registered builtin.
func NewLoader() *Loader {
	l := &Loader{factories: make(map[string]Factory)}
	for _, b := range Builtins() {
		l.factories[b.Entrypoint] = b.Factory
	}
	return l
}

// Register binds an entrypoint to a factory, replacing any previous binding.
func (l *Loader) Register(entrypoint string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[entrypoint] = f
}

// Has reports whether entrypoint can be loaded.
func (l *Loader) Has(entrypoint string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.factories[entrypoint]
	return ok
}

// Load creates the plugin named by m.Entrypoint.
func (l *Loader) Load(m manifest.Manifest) (Plugin, error) {
	l.mu.RLock()
	f, ok := l.factories[m.Entrypoint]
	l.mu.RUnlock()
	if !ok {
		return nil, &LoadError{PluginID: m.ID, Entrypoint: m.Entrypoint, Err: ErrUnknownEntrypoint}
	}
	p, err := f(m)
	if err != nil {
		return nil, &LoadError{PluginID: m.ID, Entrypoint: m.Entrypoint, Err: err}
	}
	if p == nil {
		return nil, &LoadError{PluginID: m.ID, Entrypoint: m.Entrypoint, Err: errors.New("factory returned nil plugin")}
	}
	return p, nil
}
