package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/upi/manifest"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long events must settle before a rescan.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithWatchDirs overrides the plugin directories watched below the root.
func WithWatchDirs(dirs ...string) WatcherOption {
	return func(w *Watcher) { w.dirs = dirs }
}

// Watcher monitors the plugin directories and the enablelist file below a
// root and calls onChange once the manifests settle after a change.
// Directories are watched rather than files so atomic saves are caught.
type Watcher struct {
	root     string
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ctx context.Context)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	closeOnce sync.Once
	closeErr  error
	stopped   chan struct{}

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a Watcher for root. onChange runs on the watcher
// goroutine.
func NewWatcher(root string, onChange func(ctx context.Context), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:     filepath.Clean(root),
		dirs:     DefaultDirs,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The context is passed to onChange; cancelling it
// stops the watcher and releases its fsnotify handle, the same as Stop.
func (w *Watcher) Start(ctx context.Context) error {
	hash, err := Fingerprint(w.root, w.dirs)
	if err != nil {
		return fmt.Errorf("plugin watcher: initial fingerprint: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugin watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("plugin watcher: watch %s: %w", w.root, err)
	}
	for _, dir := range resolveDirs(w.root, w.dirs) {
		w.addTree(dir)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop terminates the watcher and waits for the background goroutine to exit.
// It is safe to call Stop multiple times.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher == nil {
		return nil
	}
	w.shutdown()
	return w.closeErr
}

// Done is closed once a started watcher has stopped and released its
// fsnotify handle, whether through Stop or context cancellation.
func (w *Watcher) Done() <-chan struct{} {
	return w.stopped
}

func (w *Watcher) shutdown() {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsWatcher.Close()
		close(w.stopped)
	})
}

// addTree watches dir and every directory below it. Missing directories are
// ignored; they are picked up when created.
func (w *Watcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			w.logger.Warn("plugin watcher: cannot watch directory", "path", path, "err", err)
		}
		return nil
	})
}

// relevant reports whether path is a plugin directory, lies below one, or
// is an ancestor of one that does not exist yet.
func (w *Watcher) relevant(path string) bool {
	for _, dir := range resolveDirs(w.root, w.dirs) {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) ||
			strings.HasPrefix(dir, path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) interesting(path string) bool {
	if filepath.Dir(path) == w.root && slices.Contains(manifest.EnablelistFilenames, filepath.Base(path)) {
		return true
	}
	return w.relevant(path)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer w.shutdown()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.interesting(event.Name) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("plugin watcher error", "err", err)

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
	if ready {
		w.pending = time.Time{}
	}
	w.mu.Unlock()
	if ready {
		w.processChange(ctx)
	}
}

// processChange fingerprints the manifests and calls onChange only when the
// content actually changed.
func (w *Watcher) processChange(ctx context.Context) {
	newHash, err := Fingerprint(w.root, w.dirs)
	if err != nil {
		w.logger.Error("plugin watcher: failed to fingerprint manifests", "root", w.root, "err", err)
		return
	}
	if newHash == w.lastHash {
		w.logger.Debug("plugin watcher: manifests unchanged, skipping", "root", w.root)
		return
	}
	oldHash := w.lastHash
	w.lastHash = newHash

	w.logger.Info("Plugin manifests changed", "root", w.root, "old_hash", oldHash[:8], "new_hash", newHash[:8])
	w.onChange(ctx)
}
