package plugin

import (
	"strings"
	"sync"

	"github.com/GoCodeAlone/upi/manifest"
)

// BuiltinScheme prefixes the entrypoints of compiled-in plugins.
const BuiltinScheme = "builtin:"

// Builtin is a compiled-in plugin together with its manifest record.
type Builtin struct {
	Entrypoint string
	Factory    Factory
	Record     manifest.Record
}

var (
	builtinMu sync.RWMutex
	builtins  []Builtin
)

// RegisterBuiltin adds a compiled-in plugin to the global builtin set.
// Call this from init() in plugin packages. fields is the manifest record;
// its entrypoint is set to BuiltinScheme+name.
func RegisterBuiltin(name string, factory Factory, fields map[string]any) {
	rec := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		rec[k] = v
	}
	ep := BuiltinScheme + name
	rec["entrypoint"] = ep

	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins = append(builtins, Builtin{
		Entrypoint: ep,
		Factory:    factory,
		Record:     manifest.Record{Source: ep, Fields: rec},
	})
}

// Builtins returns every registered builtin in registration order.
func Builtins() []Builtin {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	out := make([]Builtin, len(builtins))
	copy(out, builtins)
	return out
}

// BuiltinRecords returns the manifest records of every registered builtin.
func BuiltinRecords() []manifest.Record {
	list := Builtins()
	out := make([]manifest.Record, len(list))
	for i, b := range list {
		out[i] = b.Record
	}
	return out
}

// IsBuiltin reports whether an entrypoint names a compiled-in plugin.
func IsBuiltin(entrypoint string) bool {
	return strings.HasPrefix(entrypoint, BuiltinScheme)
}
