package upi

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/upi/discovery"
	"github.com/GoCodeAlone/upi/registry"
)

// WatchPlugins watches the plugin directories and the enablelist below
// opts.Root and calls onChange with a freshly scanned registry whenever the
// manifests change. Registries already handed out are never modified. The
// watcher stops and releases its file handles when ctx is cancelled or Stop
// is called on the result; Done reports when that has happened.
func WatchPlugins(ctx context.Context, opts ScanOptions, onChange func(*registry.Registry, *ScanReport)) (*discovery.Watcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveRoot(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root

	watchOpts := []discovery.WatcherOption{discovery.WithWatchLogger(logger)}
	if len(opts.Dirs) > 0 {
		watchOpts = append(watchOpts, discovery.WithWatchDirs(opts.Dirs...))
	}
	w := discovery.NewWatcher(root, func(context.Context) {
		reg, rep, err := ScanPlugins(opts)
		if err != nil {
			logger.Error("Plugin rescan failed", "root", root, "error", err)
			return
		}
		onChange(reg, rep)
	}, watchOpts...)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
