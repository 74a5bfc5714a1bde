package plugin

import (
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/GoCodeAlone/upi/manifest"
)

// Limits bounds a single stage execution. Zero values mean unlimited.
type Limits struct {
	// Timeout is enforced by the engine through the stage context deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MemoryBytes is advisory: plugins read it from the RuntimeContext.
	MemoryBytes uint64 `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
}

// RuntimeOptions carries the values a RuntimeContext is built from.
type RuntimeOptions struct {
	RunID   string
	Seed    int64
	Device  string
	Workdir string
	Rundir  string
	Tags    []string
	Limits  Limits
	Logger  *slog.Logger
}

// RuntimeContext is the read-only view of a run handed to plugins. It is
// frozen at construction; ForStage derives a copy instead of mutating.
type RuntimeContext struct {
	runID   string
	seed    int64
	device  string
	workdir string
	rundir  string
	tags    []string
	limits  Limits
	logger  *slog.Logger

	stage         string
	pluginID      string
	pluginVersion string
}

// NewRuntimeContext builds a run-scoped context.
func NewRuntimeContext(opts RuntimeOptions) RuntimeContext {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return RuntimeContext{
		runID:   opts.RunID,
		seed:    opts.Seed,
		device:  opts.Device,
		workdir: opts.Workdir,
		rundir:  opts.Rundir,
		tags:    slices.Clone(opts.Tags),
		limits:  opts.Limits,
		logger:  logger.With("run_id", opts.RunID),
	}
}

// ForStage returns a stage-scoped copy naming the stage and selected plugin.
func (rc RuntimeContext) ForStage(stage string, m manifest.Manifest) RuntimeContext {
	out := rc
	out.tags = slices.Clone(rc.tags)
	out.stage = stage
	out.pluginID = m.ID
	out.pluginVersion = m.Version
	out.logger = rc.Logger().With("stage", stage, "plugin", m.ID)
	return out
}

// WithLimits returns a copy with different limits.
func (rc RuntimeContext) WithLimits(l Limits) RuntimeContext {
	out := rc
	out.limits = l
	return out
}

func (rc RuntimeContext) RunID() string { return rc.runID }
func (rc RuntimeContext) Seed() int64 { return rc.seed }
func (rc RuntimeContext) Device() string { return rc.device }
func (rc RuntimeContext) Workdir() string { return rc.workdir }
func (rc RuntimeContext) Rundir() string { return rc.rundir }
func (rc RuntimeContext) Limits() Limits { return rc.limits }

// Tags returns a copy of the case tags.
func (rc RuntimeContext) Tags() []string { return slices.Clone(rc.tags) }

// Stage is empty for a run-scoped context.
func (rc RuntimeContext) Stage() string { return rc.stage }
func (rc RuntimeContext) PluginID() string { return rc.pluginID }
func (rc RuntimeContext) PluginVersion() string { return rc.pluginVersion }

// StageDir is the directory reserved for the stage's files below the run
// directory. The engine does not create it.
func (rc RuntimeContext) StageDir() string {
	if rc.stage == "" {
		return rc.rundir
	}
	return filepath.Join(rc.rundir, "stages", rc.stage)
}

// Logger returns a logger annotated with the run id and, for stage contexts,
// the stage and plugin.
func (rc RuntimeContext) Logger() *slog.Logger {
	if rc.logger == nil {
		return slog.Default()
	}
	return rc.logger
}
