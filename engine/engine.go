// Package engine executes resolved pipelines: it orders stages by their
// references, selects and loads a plugin per stage at run time, invokes it
// under the configured limits and records every step in the audit log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/upi/audit"
	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/observability/metrics"
	"github.com/GoCodeAlone/upi/observability/tracing"
	"github.com/GoCodeAlone/upi/plugin"
	"github.com/GoCodeAlone/upi/registry"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Result is the outcome of a run.
type Result struct {
	RunID string `json:"run_id"`
	// Order lists the stages that completed, in plan order.
	Order    []string               `json:"order"`
	Stages   map[string]StageResult `json:"stages"`
	Duration time.Duration          `json:"duration"`
}

// Outputs returns the outputs of the named stage.
func (r *Result) Outputs(stage string) map[string]any {
	return r.Stages[stage].Outputs
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler selects a registered scheduler by name.
func WithScheduler(name string) Option {
	return func(e *Engine) { e.schedulerName = name }
}

// WithSchedulerInstance uses s instead of a registered scheduler.
func WithSchedulerInstance(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithWorkers bounds the parallel scheduler.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithContinueOnError keeps independent stages running after a failure.
func WithContinueOnError(on bool) Option {
	return func(e *Engine) { e.continueOnError = on }
}

// WithLimits sets per-stage limits.
func WithLimits(l plugin.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithLoader sets the entrypoint loader. Defaults to plugin.NewLoader().
func WithLoader(l *plugin.Loader) Option {
	return func(e *Engine) { e.loader = l }
}

// WithAuditLog sets the audit sink. Defaults to discarding records.
func WithAuditLog(l *audit.Log) Option {
	return func(e *Engine) { e.audit = l }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records run and stage metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer wraps runs and stages in spans.
func WithTracer(t *tracing.RunTracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine runs pipelines against a plugin registry.
type Engine struct {
	registry *registry.Registry
	loader   *plugin.Loader
	audit    *audit.Log
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   *tracing.RunTracer

	scheduler       Scheduler
	schedulerName   string
	workers         int
	continueOnError bool
	limits          plugin.Limits
}

// New creates an Engine selecting plugins from reg.
func New(reg *registry.Registry, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("engine: registry is required")
	}
	e := &Engine{registry: reg, schedulerName: SchedulerLocal}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.loader == nil {
		e.loader = plugin.NewLoader()
	}
	if e.audit == nil {
		e.audit = audit.New(io.Discard)
	}
	if e.tracer == nil {
		e.tracer = tracing.NewRunTracer(nil)
	}
	if e.scheduler == nil {
		s, err := NewScheduler(e.schedulerName, SchedulerOptions{
			Workers:         e.workers,
			ContinueOnError: e.continueOnError,
			Logger:          e.logger,
		})
		if err != nil {
			return nil, err
		}
		e.scheduler = s
	}
	return e, nil
}

// Scheduler returns the scheduler the engine drives.
func (e *Engine) Scheduler() Scheduler { return e.scheduler }

// RuntimeFor builds the run-scoped RuntimeContext for spec. rundir may be
// empty when stages write no files.
func (e *Engine) RuntimeFor(spec *config.PipelineSpec, runID, workdir, rundir string) plugin.RuntimeContext {
	if runID == "" {
		runID = NewRunID()
	}
	return plugin.NewRuntimeContext(plugin.RuntimeOptions{
		RunID:   runID,
		Seed:    spec.Case.Seed,
		Device:  spec.Case.Device,
		Workdir: workdir,
		Rundir:  rundir,
		Tags:    spec.Case.Tags,
		Limits:  e.limits,
		Logger:  e.logger,
	})
}

// Run executes spec. On failure it writes run.error and returns a nil result,
// except with continue-on-error where the stages that succeeded are returned
// alongside the error.
func (e *Engine) Run(ctx context.Context, spec *config.PipelineSpec, rc plugin.RuntimeContext) (*Result, error) {
	if rc.RunID() == "" {
		rc = e.RuntimeFor(spec, "", "", "")
	}
	runID := rc.RunID()
	logger := e.logger.With("run_id", runID)
	start := time.Now()

	plan, err := BuildPlan(spec)
	if err != nil {
		e.writeAudit(logger, func() error { return e.audit.RunError(ctx, time.Since(start), err) })
		return nil, err
	}

	ctx, span := e.tracer.StartRun(ctx, runID, e.scheduler.Name(), plan.Len())
	e.writeAudit(logger, func() error {
		return e.audit.RunStart(ctx, fmt.Sprintf("%d stages", plan.Len()), map[string]any{
			"scheduler": e.scheduler.Name(),
			"plan":      plan.Order(),
			"seed":      rc.Seed(),
			"device":    rc.Device(),
		})
	})
	logger.Info("Run started", "stages", plan.Len(), "scheduler", e.scheduler.Name())

	results, err := e.scheduler.Schedule(ctx, plan, func(ctx context.Context, stage config.StageSpec) (StageResult, error) {
		return e.executeStage(ctx, rc, stage)
	})
	elapsed := time.Since(start)

	res := &Result{RunID: runID, Stages: results, Duration: elapsed}
	for _, n := range plan.order {
		if _, ok := results[n]; ok {
			res.Order = append(res.Order, n)
		}
	}

	if err != nil {
		e.writeAudit(logger, func() error { return e.audit.RunError(ctx, elapsed, err) })
		e.metrics.RecordRun(e.scheduler.Name(), audit.StatusError, elapsed)
		tracing.End(span, err)
		logger.Error("Run failed", "error", err, "duration", elapsed)
		if e.continueOnError {
			return res, err
		}
		return nil, err
	}

	e.writeAudit(logger, func() error {
		return e.audit.RunEnd(ctx, elapsed, map[string]any{"stages": res.Order})
	})
	e.metrics.RecordRun(e.scheduler.Name(), audit.StatusOK, elapsed)
	tracing.End(span, nil)
	logger.Info("Run completed", "stages", len(res.Order), "duration", elapsed)
	return res, nil
}

func (e *Engine) executeStage(ctx context.Context, rc plugin.RuntimeContext, stage config.StageSpec) (StageResult, error) {
	logger := e.logger.With("run_id", rc.RunID(), "stage", stage.Name)
	ctx, span := e.tracer.StartStage(ctx, stage.Name, stage.Uses.PluginType)
	start := time.Now()

	m, err := e.registry.Select(stage.Uses)
	if err != nil {
		var nc *registry.NoCandidateError
		outcome := "invalid"
		if errors.As(err, &nc) {
			outcome = "no_candidate"
		}
		e.metrics.RecordSelection(stage.Uses.PluginType, outcome)
		serr := &StageExecutionError{Stage: stage.Name, Kind: KindSelection, Err: err}
		e.writeAudit(logger, func() error { return e.audit.StageError(ctx, stage.Name, "", "", time.Since(start), serr) })
		tracing.End(span, serr)
		return StageResult{}, serr
	}
	outcome := "selected"
	if stage.Uses.Prefer != "" && (m.ID == stage.Uses.Prefer || m.Name == stage.Uses.Prefer) {
		outcome = "preferred"
	}
	e.metrics.RecordSelection(stage.Uses.PluginType, outcome)
	tracing.SetPlugin(span, m.ID, m.Version)
	logger = logger.With("plugin", m.ID, "version", m.Version)

	p, err := e.loader.Load(m)
	if err != nil {
		serr := &StageExecutionError{Stage: stage.Name, PluginID: m.ID, Kind: KindLoad, Err: err}
		e.writeAudit(logger, func() error { return e.audit.StageError(ctx, stage.Name, m.ID, m.Version, time.Since(start), serr) })
		tracing.End(span, serr)
		return StageResult{}, serr
	}

	src := rc.ForStage(stage.Name, m)
	if e.limits != (plugin.Limits{}) {
		src = src.WithLimits(e.limits)
	}
	e.writeAudit(logger, func() error { return e.audit.StageStart(ctx, stage.Name, m.ID, m.Version) })
	e.metrics.StageStarted()
	logger.Info("Stage started")

	outputs, err := invoke(ctx, p, copyMap(stage.Config), src)
	elapsed := time.Since(start)
	if err != nil {
		kind := KindPlugin
		var te *TimeoutError
		if errors.As(err, &te) {
			kind = KindTimeout
		}
		serr := &StageExecutionError{Stage: stage.Name, PluginID: m.ID, Kind: kind, Err: err}
		e.writeAudit(logger, func() error { return e.audit.StageError(ctx, stage.Name, m.ID, m.Version, elapsed, serr) })
		e.metrics.RecordStage(string(m.PluginType), m.ID, audit.StatusError, elapsed)
		tracing.End(span, serr)
		logger.Error("Stage failed", "kind", kind, "error", err, "duration", elapsed)
		return StageResult{}, serr
	}
	if outputs == nil {
		outputs = map[string]any{}
	}

	e.writeAudit(logger, func() error {
		return e.audit.StageEnd(ctx, stage.Name, m.ID, m.Version, elapsed, map[string]any{"outputs": outputKeys(outputs)})
	})
	e.metrics.RecordStage(string(m.PluginType), m.ID, audit.StatusOK, elapsed)
	tracing.End(span, nil)
	logger.Info("Stage completed", "duration", elapsed)

	return StageResult{
		Stage:         stage.Name,
		PluginID:      m.ID,
		PluginVersion: m.Version,
		Outputs:       outputs,
		StartedAt:     start,
		Duration:      elapsed,
	}, nil
}

// invoke runs the plugin, enforcing the stage timeout by deadline and
// converting panics into errors. A plugin that ignores cancellation is left
// running in its goroutine; its result is discarded.
func invoke(ctx context.Context, p plugin.Plugin, cfg map[string]any, rc plugin.RuntimeContext) (map[string]any, error) {
	timeout := rc.Limits().Timeout
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		out, err := p.Execute(stageCtx, cfg, rc)
		ch <- outcome{out: out, err: err}
	}()

	timedOut := func() bool {
		return timeout > 0 && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded)
	}
	select {
	case o := <-ch:
		if o.err != nil && timedOut() {
			return nil, &TimeoutError{Stage: rc.Stage(), Timeout: timeout}
		}
		return o.out, o.err
	case <-stageCtx.Done():
		if timedOut() {
			return nil, &TimeoutError{Stage: rc.Stage(), Timeout: timeout}
		}
		return nil, stageCtx.Err()
	}
}

func (e *Engine) writeAudit(logger *slog.Logger, write func() error) {
	if err := write(); err != nil {
		logger.Warn("Audit write failed", "error", err)
	}
}

func outputKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAny(v)
	}
	return out
}

func copyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyAny(e)
		}
		return out
	default:
		return v
	}
}
