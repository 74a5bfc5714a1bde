// Package plugin defines the contract between the engine and plugin
// implementations: the Execute call, the frozen RuntimeContext handed to it,
// and the entrypoint loader that turns a manifest into a runnable Plugin.
package plugin

import (
	"context"

	"github.com/GoCodeAlone/upi/manifest"
)

// Plugin is one executable implementation. Execute receives the stage's
// resolved configuration and returns the stage outputs.
type Plugin interface {
	Execute(ctx context.Context, config map[string]any, rc RuntimeContext) (map[string]any, error)
}

// Func adapts an ordinary function to the Plugin interface.
type Func func(ctx context.Context, config map[string]any, rc RuntimeContext) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, config map[string]any, rc RuntimeContext) (map[string]any, error) {
	return f(ctx, config, rc)
}

// Factory creates a Plugin for the manifest that selected it.
type Factory func(m manifest.Manifest) (Plugin, error)
