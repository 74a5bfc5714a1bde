// Package upi is the public entry point of the plugin infrastructure: it
// loads pipeline documents, discovers and registers plugins, validates and
// explains plugin selection, and runs pipelines under an audited runtime.
package upi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/upi/audit"
	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/discovery"
	"github.com/GoCodeAlone/upi/engine"
	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/observability/metrics"
	"github.com/GoCodeAlone/upi/observability/tracing"
	"github.com/GoCodeAlone/upi/plugin"
	"github.com/GoCodeAlone/upi/registry"
	"github.com/GoCodeAlone/upi/validation"

	// Compiled-in smoke-test plugins.
	_ "github.com/GoCodeAlone/upi/plugins/builtin"
)

// Version is the core version plugins are checked against.
const Version = "0.5.0"

// APILevel is bumped only when the public API breaks.
const APILevel = 1

// RunsDirname is the directory below the workdir that holds run directories.
const RunsDirname = "runs"

// AuditFilename is the audit log written inside every run directory.
const AuditFilename = "audit.jsonl"

// LoadOptions configures pipeline loading.
type LoadOptions struct {
	// Root anchors relative ${path:...} placeholders. Defaults to the
	// working directory.
	Root string
	// LookupEnv resolves ${env:...} placeholders. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (o LoadOptions) interpolate() config.InterpolateOptions {
	return config.InterpolateOptions{BaseDir: o.Root, LookupEnv: o.LookupEnv}
}

// LoadPipeline reads, normalizes and interpolates the pipeline document at path.
func LoadPipeline(path string, opts LoadOptions) (*config.PipelineSpec, error) {
	return config.LoadPath(path, opts.interpolate())
}

// LoadPipelineBytes loads a pipeline from YAML bytes.
func LoadPipelineBytes(data []byte, opts LoadOptions) (*config.PipelineSpec, error) {
	raw, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	return config.Load(raw, opts.interpolate())
}

// LoadPipelineMap loads a pipeline from an already decoded document. The map
// is not modified.
func LoadPipelineMap(raw map[string]any, opts LoadOptions) (*config.PipelineSpec, error) {
	return config.Load(raw, opts.interpolate())
}

// ScanOptions configures plugin discovery.
type ScanOptions struct {
	// Root is the repository root. Defaults to the working directory.
	Root string
	// Dirs are plugin directories relative to Root. Defaults to
	// discovery.DefaultDirs.
	Dirs []string
	// SkipFilesystem disables manifest file discovery.
	SkipFilesystem bool
	// SkipBuiltins leaves compiled-in plugins out of the registry.
	SkipBuiltins bool
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// ScanReport describes what a scan found and what it rejected.
type ScanReport struct {
	Root       string               `json:"root"`
	Dirs       []string             `json:"dirs"`
	Enablelist string               `json:"enablelist,omitempty"`
	Registered []string             `json:"registered"`
	Excluded   []string             `json:"excluded"`
	Rejected   []manifest.Rejection `json:"-"`
	Problems   []discovery.Problem  `json:"-"`
}

// ScanPlugins discovers manifest files and builtin plugins, validates them,
// applies the root's enablelist and registers the result in a new registry.
// Malformed manifests are reported, not fatal. Manifests the enablelist
// rejects are registered as excluded so Explain can report them.
func ScanPlugins(opts ScanOptions) (*registry.Registry, *ScanReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveRoot(opts.Root)
	if err != nil {
		return nil, nil, err
	}
	rep := &ScanReport{Root: root, Dirs: []string{}, Registered: []string{}, Excluded: []string{}}

	el, err := manifest.LoadEnablelist(root)
	if err != nil {
		return nil, nil, err
	}
	rep.Enablelist = el.Source()

	var records []manifest.Record
	if !opts.SkipFilesystem {
		res, err := discovery.ScanFS(root, opts.Dirs)
		if err != nil {
			return nil, nil, fmt.Errorf("scan plugins: %w", err)
		}
		records = append(records, res.Records...)
		rep.Dirs = res.Dirs
		rep.Problems = res.Problems
		for _, p := range res.Problems {
			logger.Warn("Skipping unreadable manifest", "path", p.Path, "error", p.Err)
		}
	}
	if !opts.SkipBuiltins {
		records = append(records, plugin.BuiltinRecords()...)
	}

	valid, rejected := manifest.Validate(records, el)
	for _, rej := range rejected {
		if rej.Manifest != nil {
			valid = append(valid, *rej.Manifest)
			continue
		}
		rep.Rejected = append(rep.Rejected, rej)
		logger.Warn("Rejected plugin manifest", "source", rej.Record.Source, "reason", rej.Reason, "error", rej.Err)
	}

	reg := registry.New(registry.WithEnablelist(el))
	if err := reg.RegisterAll(valid); err != nil {
		return nil, nil, fmt.Errorf("scan plugins: %w", err)
	}

	counts := map[string]int{}
	for _, m := range reg.List("") {
		rep.Registered = append(rep.Registered, m.ID)
		counts[string(m.PluginType)]++
	}
	for _, m := range reg.Excluded() {
		rep.Excluded = append(rep.Excluded, m.ID)
	}
	opts.Metrics.SetRegisteredPlugins(counts)
	logger.Info("Plugins scanned", "root", root, "registered", len(rep.Registered),
		"excluded", len(rep.Excluded), "rejected", len(rep.Rejected))
	return reg, rep, nil
}

// ListPlugins returns the selectable manifests of pluginType, or all of them
// when pluginType is empty.
func ListPlugins(reg *registry.Registry, pluginType manifest.PluginType) []manifest.Manifest {
	if reg == nil {
		return []manifest.Manifest{}
	}
	return reg.List(pluginType)
}

// Validate checks that every stage resolves to a plugin. Stage problems are
// reported in the returned Report, not as an error. A nil registry is
// scanned with opts first; only a failed scan returns an error.
func Validate(spec *config.PipelineSpec, reg *registry.Registry, opts ScanOptions) (validation.Report, error) {
	reg, err := registryOrScan(reg, opts)
	if err != nil {
		return validation.Report{}, err
	}
	return validation.Validate(spec, reg), nil
}

// Explain reports the selection decision for every stage. A nil registry is
// scanned with opts first.
func Explain(spec *config.PipelineSpec, reg *registry.Registry, opts ScanOptions) (map[string]registry.Explanation, error) {
	out := map[string]registry.Explanation{}
	if spec == nil {
		return out, nil
	}
	reg, err := registryOrScan(reg, opts)
	if err != nil {
		return nil, err
	}
	for _, stage := range spec.Stages {
		out[stage.Name] = reg.Explain(stage.Uses)
	}
	return out, nil
}

func registryOrScan(reg *registry.Registry, opts ScanOptions) (*registry.Registry, error) {
	if reg != nil {
		return reg, nil
	}
	reg, _, err := ScanPlugins(opts)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// RunOptions configures Run.
type RunOptions struct {
	// Root is the repository root. It is the default workdir and the scan
	// root when no registry is given.
	Root string
	// RunID names the run directory. Generated when empty.
	RunID string
	// Scheduler is a registered scheduler name; empty means local.
	Scheduler       string
	Workers         int
	ContinueOnError bool
	Limits          plugin.Limits
	Loader          *plugin.Loader
	Logger          *slog.Logger
	Metrics         *metrics.Collector
	Tracer          *tracing.RunTracer
}

// RunResult is an engine result plus the locations the run wrote to.
type RunResult struct {
	*engine.Result
	Workdir   string `json:"workdir"`
	Rundir    string `json:"rundir"`
	AuditPath string `json:"audit_path"`
}

// Run validates spec against reg, failing on the first invalid pipeline with
// every stage problem listed, then executes it. The audit log is written to
// <workdir>/runs/<run id>/audit.jsonl and is always closed before Run
// returns. A nil registry is scanned from the root.
func Run(ctx context.Context, spec *config.PipelineSpec, reg *registry.Registry, opts RunOptions) (*RunResult, error) {
	if spec == nil {
		return nil, errors.New("upi: pipeline is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveRoot(opts.Root)
	if err != nil {
		return nil, err
	}
	reg, err = registryOrScan(reg, ScanOptions{Root: root, Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	if err := validation.Validate(spec, reg).Err(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = engine.NewRunID()
	}
	workdir := spec.Case.Workdir
	if workdir == "" {
		workdir = root
	}
	if workdir, err = filepath.Abs(workdir); err != nil {
		return nil, fmt.Errorf("upi: resolve workdir: %w", err)
	}
	out := &RunResult{Workdir: workdir, Rundir: filepath.Join(workdir, RunsDirname, runID)}
	out.AuditPath = filepath.Join(out.Rundir, AuditFilename)

	auditLog, err := audit.Open(out.AuditPath, audit.WithRunID(runID), audit.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := auditLog.Close(); cerr != nil {
			logger.Error("Failed to close audit log", "path", out.AuditPath, "error", cerr)
		}
	}()

	engOpts := []engine.Option{
		engine.WithScheduler(opts.Scheduler),
		engine.WithWorkers(opts.Workers),
		engine.WithContinueOnError(opts.ContinueOnError),
		engine.WithLimits(opts.Limits),
		engine.WithAuditLog(auditLog),
		engine.WithLogger(logger),
		engine.WithMetrics(opts.Metrics),
	}
	if opts.Loader != nil {
		engOpts = append(engOpts, engine.WithLoader(opts.Loader))
	}
	if opts.Tracer != nil {
		engOpts = append(engOpts, engine.WithTracer(opts.Tracer))
	}
	eng, err := engine.New(reg, engOpts...)
	if err != nil {
		if werr := auditLog.RunError(ctx, 0, err); werr != nil {
			logger.Error("Failed to write audit record", "error", werr)
		}
		return nil, err
	}

	rc := eng.RuntimeFor(spec, runID, workdir, out.Rundir)
	res, err := eng.Run(ctx, spec, rc)
	if res != nil {
		out.Result = res
	}
	if err != nil {
		if res == nil {
			return nil, err
		}
		return out, err
	}
	return out, nil
}

func resolveRoot(root string) (string, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("upi: working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("upi: resolve root %s: %w", root, err)
	}
	return abs, nil
}
