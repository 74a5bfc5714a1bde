package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/GoCodeAlone/upi/audit"
	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/observability/metrics"
	"github.com/GoCodeAlone/upi/observability/tracing"
	"github.com/GoCodeAlone/upi/plugin"
	"github.com/GoCodeAlone/upi/registry"
)

// recorder is a test plugin that logs start and finish order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	started  map[string]time.Time
	finished map[string]time.Time
	inflight atomic.Int32
	peak     atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{started: map[string]time.Time{}, finished: map[string]time.Time{}}
}

func (r *recorder) Execute(ctx context.Context, cfg map[string]any, rc plugin.RuntimeContext) (map[string]any, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	r.mu.Lock()
	r.events = append(r.events, rc.Stage())
	r.started[rc.Stage()] = time.Now()
	r.mu.Unlock()

	if d, ok := cfg["sleep"].(time.Duration); ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if msg, ok := cfg["fail"].(string); ok {
		return nil, errors.New(msg)
	}
	if cfg["panic"] == true {
		panic("kaboom")
	}
	if cfg["block"] == true {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	r.finished[rc.Stage()] = time.Now()
	r.mu.Unlock()
	return map[string]any{"stage": rc.Stage(), "plugin": rc.PluginID(), "cfg": cfg}, nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testSetup(t *testing.T) (*registry.Registry, *plugin.Loader, *recorder) {
	t.Helper()
	reg := registry.New()
	err := reg.RegisterAll([]manifest.Manifest{
		{ID: "rec", Name: "rec", PluginType: manifest.TypeSolver, Capabilities: []string{"linear"},
			Version: "1.0.0", QualityTier: manifest.TierStable, Entrypoint: "test:rec"},
		{ID: "ghost", Name: "ghost", PluginType: manifest.TypeIO, Capabilities: []string{"missing"},
			Version: "1.0.0", QualityTier: manifest.TierStable, Entrypoint: "test:ghost"},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	rec := newRecorder()
	loader := plugin.NewLoader()
	loader.Register("test:rec", func(manifest.Manifest) (plugin.Plugin, error) { return rec, nil })
	return reg, loader, rec
}

type stageDef struct {
	name string
	deps []string
	cfg  map[string]any
	uses registry.Selector
}

func pipelineOf(t *testing.T, defs ...stageDef) *config.PipelineSpec {
	t.Helper()
	spec := &config.PipelineSpec{Case: config.CaseSpec{Seed: 1, Device: "cpu"}}
	order := make([]string, len(defs))
	deps := map[string][]string{}
	for i, d := range defs {
		uses := d.uses
		if uses.PluginType == "" {
			uses = registry.Selector{PluginType: "solver", Capability: "linear"}
		}
		cfg := d.cfg
		if cfg == nil {
			cfg = map[string]any{}
		}
		spec.Stages = append(spec.Stages, config.StageSpec{Name: d.name, Uses: uses, Config: cfg, Outputs: map[string]any{}})
		order[i] = d.name
		if len(d.deps) > 0 {
			deps[d.name] = d.deps
		}
	}
	g, err := config.NewRefGraph(order, deps)
	if err != nil {
		t.Fatalf("NewRefGraph: %v", err)
	}
	spec.Refs = g
	return spec
}

func auditEvents(t *testing.T, buf *bytes.Buffer) []audit.Record {
	t.Helper()
	var out []audit.Record
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var rec audit.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func kinds(recs []audit.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Event)
		if r.Stage != "" {
			out[i] += ":" + r.Stage
		}
	}
	return out
}

func TestBuildPlan_MovesStageAfterDependency(t *testing.T) {
	spec := pipelineOf(t,
		stageDef{name: "solve", deps: []string{"mesh"}},
		stageDef{name: "report"},
		stageDef{name: "mesh"},
	)
	plan, err := BuildPlan(spec)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if got := plan.Order(); !reflect.DeepEqual(got, []string{"report", "mesh", "solve"}) {
		t.Errorf("unexpected order %v", got)
	}
	if deps := plan.Dependents("mesh"); !reflect.DeepEqual(deps, []string{"solve"}) {
		t.Errorf("unexpected dependents %v", deps)
	}
}

func TestBuildPlan_DeclarationOrderWithoutRefs(t *testing.T) {
	plan, err := BuildPlan(pipelineOf(t, stageDef{name: "c"}, stageDef{name: "a"}, stageDef{name: "b"}))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if got := plan.Order(); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Errorf("expected declaration order, got %v", got)
	}
}

func TestBuildPlan_Errors(t *testing.T) {
	if _, err := BuildPlan(&config.PipelineSpec{}); err == nil {
		t.Error("expected error for empty pipeline")
	}
	spec := pipelineOf(t, stageDef{name: "a"}, stageDef{name: "a"})
	if _, err := BuildPlan(spec); err == nil {
		t.Error("expected error for duplicate stage")
	}
}

func TestEngine_RunOrdersByReference(t *testing.T) {
	reg, loader, rec := testSetup(t)
	var buf bytes.Buffer
	eng, err := New(reg, WithLoader(loader), WithAuditLog(audit.New(&buf, audit.WithRunID("r1"))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	spec := pipelineOf(t,
		stageDef{name: "solve", deps: []string{"mesh"}, cfg: map[string]any{"tol": 1e-6}},
		stageDef{name: "mesh"},
	)

	res, err := eng.Run(context.Background(), spec, eng.RuntimeFor(spec, "r1", "", ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.order(); !reflect.DeepEqual(got, []string{"mesh", "solve"}) {
		t.Errorf("expected mesh before solve, got %v", got)
	}
	if res.RunID != "r1" || !reflect.DeepEqual(res.Order, []string{"mesh", "solve"}) {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Outputs("solve")["plugin"] != "rec" {
		t.Errorf("unexpected outputs %v", res.Outputs("solve"))
	}
	if res.Stages["solve"].PluginVersion != "1.0.0" {
		t.Errorf("expected plugin version in stage result, got %+v", res.Stages["solve"])
	}

	want := []string{"run.start", "stage.start:mesh", "stage.end:mesh", "stage.start:solve", "stage.end:solve", "run.end"}
	recs := auditEvents(t, &buf)
	if got := kinds(recs); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected audit sequence %v", got)
	}
	for _, r := range recs {
		if r.RunID != "r1" {
			t.Errorf("audit record missing run id: %+v", r)
		}
	}
}

func TestEngine_PluginMutationDoesNotLeak(t *testing.T) {
	reg, loader, _ := testSetup(t)
	loader.Register("test:rec", func(manifest.Manifest) (plugin.Plugin, error) {
		return plugin.Func(func(_ context.Context, cfg map[string]any, _ plugin.RuntimeContext) (map[string]any, error) {
			cfg["x"] = "changed"
			return nil, nil
		}), nil
	})
	eng, _ := New(reg, WithLoader(loader))
	spec := pipelineOf(t, stageDef{name: "a", cfg: map[string]any{"x": "orig"}})
	res, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spec.Stages[0].Config["x"] != "orig" {
		t.Error("plugin mutated the pipeline config")
	}
	if res.RunID == "" {
		t.Error("expected generated run id")
	}
	if out := res.Outputs("a"); out == nil || len(out) != 0 {
		t.Errorf("expected empty outputs map, got %#v", out)
	}
}

func TestEngine_FailFast(t *testing.T) {
	reg, loader, rec := testSetup(t)
	var buf bytes.Buffer
	eng, _ := New(reg, WithLoader(loader), WithAuditLog(audit.New(&buf)))
	spec := pipelineOf(t,
		stageDef{name: "a"},
		stageDef{name: "b", cfg: map[string]any{"fail": "diverged"}},
		stageDef{name: "c"},
		stageDef{name: "d", deps: []string{"b"}},
	)

	res, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
	if res != nil {
		t.Errorf("expected nil result on failure, got %+v", res)
	}
	var se *ScheduleError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScheduleError, got %v", err)
	}
	if se.Stage != "b" || !reflect.DeepEqual(se.NotStarted, []string{"c", "d"}) {
		t.Errorf("unexpected schedule error %+v", se)
	}
	var sx *StageExecutionError
	if !errors.As(err, &sx) || sx.Kind != KindPlugin || sx.PluginID != "rec" {
		t.Errorf("expected plugin StageExecutionError, got %v", err)
	}
	if got := rec.order(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected only a and b to run, got %v", got)
	}
	got := kinds(auditEvents(t, &buf))
	want := []string{"run.start", "stage.start:a", "stage.end:a", "stage.start:b", "stage.error:b", "run.error"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected audit sequence %v", got)
	}
}

func TestEngine_ContinueOnError(t *testing.T) {
	for _, sched := range []string{SchedulerLocal, SchedulerParallel} {
		t.Run(sched, func(t *testing.T) {
			reg, loader, _ := testSetup(t)
			eng, _ := New(reg, WithLoader(loader), WithScheduler(sched), WithContinueOnError(true))
			spec := pipelineOf(t,
				stageDef{name: "a", cfg: map[string]any{"fail": "bad input"}},
				stageDef{name: "b", deps: []string{"a"}},
				stageDef{name: "c", deps: []string{"b"}},
				stageDef{name: "d"},
			)
			res, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
			var se *ScheduleError
			if !errors.As(err, &se) {
				t.Fatalf("expected ScheduleError, got %v", err)
			}
			if !reflect.DeepEqual(se.NotStarted, []string{"b", "c"}) {
				t.Errorf("expected dependents not started, got %v", se.NotStarted)
			}
			if res == nil || !reflect.DeepEqual(res.Order, []string{"d"}) {
				t.Fatalf("expected partial result with d, got %+v", res)
			}
		})
	}
}

func TestEngine_Timeout(t *testing.T) {
	reg, loader, _ := testSetup(t)
	eng, _ := New(reg, WithLoader(loader), WithLimits(plugin.Limits{Timeout: 20 * time.Millisecond}))
	spec := pipelineOf(t, stageDef{name: "slow", cfg: map[string]any{"block": true}})

	_, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
	var sx *StageExecutionError
	if !errors.As(err, &sx) || sx.Kind != KindTimeout {
		t.Fatalf("expected timeout StageExecutionError, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Stage != "slow" || te.Timeout != 20*time.Millisecond {
		t.Errorf("expected TimeoutError for slow, got %v", err)
	}
}

func TestEngine_TimeoutIgnoredByPlugin(t *testing.T) {
	reg, loader, _ := testSetup(t)
	release := make(chan struct{})
	defer close(release)
	loader.Register("test:rec", func(manifest.Manifest) (plugin.Plugin, error) {
		return plugin.Func(func(context.Context, map[string]any, plugin.RuntimeContext) (map[string]any, error) {
			<-release
			return nil, nil
		}), nil
	})
	eng, _ := New(reg, WithLoader(loader), WithLimits(plugin.Limits{Timeout: 10 * time.Millisecond}))
	_, err := eng.Run(context.Background(), pipelineOf(t, stageDef{name: "stuck"}), plugin.RuntimeContext{})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestEngine_PanicRecovered(t *testing.T) {
	reg, loader, _ := testSetup(t)
	eng, _ := New(reg, WithLoader(loader))
	_, err := eng.Run(context.Background(), pipelineOf(t, stageDef{name: "p", cfg: map[string]any{"panic": true}}), plugin.RuntimeContext{})
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
	var sx *StageExecutionError
	if !errors.As(err, &sx) || sx.Kind != KindPlugin {
		t.Errorf("expected plugin kind, got %v", err)
	}
}

func TestEngine_SelectionAndLoadFailures(t *testing.T) {
	tests := []struct {
		name string
		uses registry.Selector
		kind ErrorKind
	}{
		{"no candidate", registry.Selector{PluginType: "uq"}, KindSelection},
		{"bad constraint", registry.Selector{PluginType: "solver", Version: "~=1"}, KindSelection},
		{"unknown entrypoint", registry.Selector{PluginType: "io"}, KindLoad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, loader, _ := testSetup(t)
			var buf bytes.Buffer
			eng, _ := New(reg, WithLoader(loader), WithAuditLog(audit.New(&buf)))
			_, err := eng.Run(context.Background(), pipelineOf(t, stageDef{name: "s", uses: tt.uses}), plugin.RuntimeContext{})
			var sx *StageExecutionError
			if !errors.As(err, &sx) || sx.Kind != tt.kind {
				t.Fatalf("expected %s StageExecutionError, got %v", tt.kind, err)
			}
			got := kinds(auditEvents(t, &buf))
			if !reflect.DeepEqual(got, []string{"run.start", "stage.error:s", "run.error"}) {
				t.Errorf("unexpected audit sequence %v", got)
			}
		})
	}
}

func TestParallelScheduler_RespectsDependencies(t *testing.T) {
	reg, loader, rec := testSetup(t)
	eng, _ := New(reg, WithLoader(loader), WithScheduler(SchedulerParallel), WithWorkers(2))
	sleep := map[string]any{"sleep": 5 * time.Millisecond}
	spec := pipelineOf(t,
		stageDef{name: "a", cfg: sleep},
		stageDef{name: "b", cfg: sleep},
		stageDef{name: "c", cfg: sleep},
		stageDef{name: "d", deps: []string{"a", "b"}, cfg: sleep},
		stageDef{name: "e", deps: []string{"d"}, cfg: sleep},
		stageDef{name: "f", deps: []string{"c"}, cfg: sleep},
	)
	res, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Order) != 6 {
		t.Fatalf("expected 6 completed stages, got %v", res.Order)
	}
	if peak := rec.peak.Load(); peak > 2 {
		t.Errorf("worker bound exceeded: %d concurrent stages", peak)
	}
	if len(rec.order()) != 6 {
		t.Errorf("each stage must run exactly once, got %v", rec.order())
	}
	for _, st := range spec.Stages {
		for _, dep := range spec.Dependencies(st.Name) {
			if rec.started[st.Name].Before(rec.finished[dep]) {
				t.Errorf("stage %s started before dependency %s finished", st.Name, dep)
			}
		}
	}
}

func TestParallelScheduler_FailFastCancelsSiblings(t *testing.T) {
	reg, loader, _ := testSetup(t)
	eng, _ := New(reg, WithLoader(loader), WithScheduler(SchedulerParallel), WithWorkers(4))
	spec := pipelineOf(t,
		stageDef{name: "blocker", cfg: map[string]any{"block": true}},
		stageDef{name: "bad", cfg: map[string]any{"sleep": 5 * time.Millisecond, "fail": "boom"}},
		stageDef{name: "after", deps: []string{"bad"}},
	)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{})
		done <- err
	}()
	select {
	case err := <-done:
		var se *ScheduleError
		if !errors.As(err, &se) {
			t.Fatalf("expected ScheduleError, got %v", err)
		}
		if se.Stage != "bad" {
			t.Errorf("expected bad as first failure, got %q", se.Stage)
		}
		if !reflect.DeepEqual(se.NotStarted, []string{"after"}) {
			t.Errorf("expected after not started, got %v", se.NotStarted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("parallel scheduler did not cancel the blocked sibling")
	}
}

func TestScheduler_ContextCancelled(t *testing.T) {
	for _, name := range []string{SchedulerLocal, SchedulerParallel} {
		t.Run(name, func(t *testing.T) {
			reg, loader, rec := testSetup(t)
			eng, _ := New(reg, WithLoader(loader), WithScheduler(name))
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := eng.Run(ctx, pipelineOf(t, stageDef{name: "a"}, stageDef{name: "b"}), plugin.RuntimeContext{})
			var se *ScheduleError
			if !errors.As(err, &se) || !errors.Is(err, context.Canceled) {
				t.Fatalf("expected cancelled ScheduleError, got %v", err)
			}
			if se.Stage != "" || len(se.Failed) != 0 {
				t.Errorf("expected no stage blamed for the cancellation, got stage %q failed %v", se.Stage, se.Failed)
			}
			if !reflect.DeepEqual(se.NotStarted, []string{"a", "b"}) {
				t.Errorf("expected nothing started, got %v", se.NotStarted)
			}
			if msg := err.Error(); !strings.Contains(msg, "run cancelled") || strings.Contains(msg, "failed") {
				t.Errorf("unexpected error text %q", msg)
			}
			if len(rec.order()) != 0 {
				t.Errorf("no stage should run, got %v", rec.order())
			}
		})
	}
}

type fixedScheduler struct{ calls int }

func (f *fixedScheduler) Name() string { return "fixed" }

func (f *fixedScheduler) Schedule(ctx context.Context, plan *Plan, fn StageFunc) (map[string]StageResult, error) {
	f.calls++
	return (&LocalScheduler{}).Schedule(ctx, plan, fn)
}

func TestSchedulerRegistry(t *testing.T) {
	if _, err := NewScheduler("nope", SchedulerOptions{}); !errors.Is(err, ErrUnknownScheduler) {
		t.Errorf("expected ErrUnknownScheduler, got %v", err)
	}
	if s, err := NewScheduler("", SchedulerOptions{}); err != nil || s.Name() != SchedulerLocal {
		t.Errorf("expected local default, got %v, %v", s, err)
	}

	fs := &fixedScheduler{}
	RegisterScheduler("fixed", func(SchedulerOptions) Scheduler { return fs })
	reg, loader, _ := testSetup(t)
	eng, err := New(reg, WithLoader(loader), WithScheduler("fixed"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background(), pipelineOf(t, stageDef{name: "a"}), plugin.RuntimeContext{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fs.calls != 1 {
		t.Errorf("expected custom scheduler to run once, got %d", fs.calls)
	}
	found := false
	for _, n := range Schedulers() {
		found = found || n == "fixed"
	}
	if !found {
		t.Error("expected fixed in Schedulers()")
	}

	if _, err := New(nil); err == nil {
		t.Error("expected error for nil registry")
	}
}

func TestEngine_MetricsAndSpans(t *testing.T) {
	reg, loader, _ := testSetup(t)
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	mc := metrics.New()

	eng, _ := New(reg, WithLoader(loader), WithMetrics(mc), WithTracer(tracing.NewRunTracer(tp.Tracer("test"))))
	spec := pipelineOf(t, stageDef{name: "a"}, stageDef{name: "b", uses: registry.Selector{PluginType: "solver", Prefer: "rec"}})
	if _, err := eng.Run(context.Background(), spec, plugin.RuntimeContext{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(mc.RunsTotal.WithLabelValues("local", "ok")); got != 1 {
		t.Errorf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(mc.StagesTotal.WithLabelValues("solver", "rec", "ok")); got != 2 {
		t.Errorf("expected 2 stage executions, got %v", got)
	}
	if got := testutil.ToFloat64(mc.SelectionsTotal.WithLabelValues("solver", "preferred")); got != 1 {
		t.Errorf("expected 1 preferred selection, got %v", got)
	}
	if got := testutil.ToFloat64(mc.ActiveStages); got != 0 {
		t.Errorf("expected no active stages, got %v", got)
	}

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"upi.run", "upi.stage.a", "upi.stage.b"} {
		if !names[want] {
			t.Errorf("missing span %s in %v", want, names)
		}
	}
}

func ExampleNewScheduler() {
	s, _ := NewScheduler(SchedulerParallel, SchedulerOptions{Workers: 4})
	fmt.Println(s.Name())
	// Output: parallel
}
