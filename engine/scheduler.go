package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/upi/config"
	"golang.org/x/sync/errgroup"
)

// StageResult is the outcome of one successful stage.
type StageResult struct {
	Stage         string         `json:"stage"`
	PluginID      string         `json:"plugin_id"`
	PluginVersion string         `json:"plugin_version"`
	Outputs       map[string]any `json:"outputs"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
}

// StageFunc executes one stage.
type StageFunc func(ctx context.Context, stage config.StageSpec) (StageResult, error)

// Scheduler drives a plan. Schedule returns the results of every stage that
// succeeded, including on failure, together with a *ScheduleError.
type Scheduler interface {
	Name() string
	Schedule(ctx context.Context, plan *Plan, fn StageFunc) (map[string]StageResult, error)
}

// SchedulerOptions configures scheduler construction.
type SchedulerOptions struct {
	// Workers bounds concurrently executing stages. Zero means GOMAXPROCS.
	Workers int
	// ContinueOnError keeps running stages that do not depend on a failed
	// stage instead of stopping at the first failure.
	ContinueOnError bool
	Logger          *slog.Logger
}

func (o SchedulerOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// SchedulerFactory creates a scheduler.
type SchedulerFactory func(opts SchedulerOptions) Scheduler

// Built-in scheduler names.
const (
	SchedulerLocal    = "local"
	SchedulerParallel = "parallel"
)

var (
	schedulerMu sync.RWMutex
	schedulers  = map[string]SchedulerFactory{
		SchedulerLocal:    func(o SchedulerOptions) Scheduler { return &LocalScheduler{opts: o} },
		SchedulerParallel: func(o SchedulerOptions) Scheduler { return &ParallelScheduler{opts: o} },
	}
)

// RegisterScheduler makes a scheduler available by name, replacing any
// existing registration.
func RegisterScheduler(name string, factory SchedulerFactory) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	schedulers[name] = factory
}

// NewScheduler creates the named scheduler.
func NewScheduler(name string, opts SchedulerOptions) (Scheduler, error) {
	if name == "" {
		name = SchedulerLocal
	}
	schedulerMu.RLock()
	f, ok := schedulers[name]
	schedulerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownScheduler, name, Schedulers())
	}
	return f(opts), nil
}

// Schedulers returns the registered scheduler names, sorted.
func Schedulers() []string {
	schedulerMu.RLock()
	defer schedulerMu.RUnlock()
	names := make([]string, 0, len(schedulers))
	for n := range schedulers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// tracker keeps the failure bookkeeping shared by both schedulers.
type tracker struct {
	plan    *Plan
	results map[string]StageResult
	failed  map[string]error
	skipped map[string]bool
	started map[string]bool
	first   string
	// cancelled is the context error that stopped the run before any
	// stage failed.
	cancelled error
}

func newTracker(plan *Plan) *tracker {
	return &tracker{
		plan:    plan,
		results: make(map[string]StageResult, plan.Len()),
		failed:  map[string]error{},
		skipped: map[string]bool{},
		started: map[string]bool{},
	}
}

func (t *tracker) fail(name string, err error) {
	if t.first == "" {
		t.first = name
	}
	t.failed[name] = err
}

func (t *tracker) cancel(err error) {
	if t.cancelled == nil {
		t.cancelled = err
	}
}

// blocked reports whether any dependency of name failed or was skipped.
func (t *tracker) blocked(name string) bool {
	for _, d := range t.plan.Dependencies(name) {
		if _, bad := t.failed[d]; bad || t.skipped[d] {
			return true
		}
	}
	return false
}

func (t *tracker) err() error {
	var se *ScheduleError
	switch {
	case t.first != "":
		se = &ScheduleError{Stage: t.first, Err: t.failed[t.first]}
	case t.cancelled != nil:
		se = &ScheduleError{Err: t.cancelled}
	default:
		return nil
	}
	for _, n := range t.plan.order {
		if _, bad := t.failed[n]; bad {
			se.Failed = append(se.Failed, n)
		}
		if !t.started[n] {
			se.NotStarted = append(se.NotStarted, n)
		}
	}
	return se
}

// LocalScheduler runs one stage at a time in plan order.
type LocalScheduler struct {
	opts SchedulerOptions
}

func (s *LocalScheduler) Name() string { return SchedulerLocal }

func (s *LocalScheduler) Schedule(ctx context.Context, plan *Plan, fn StageFunc) (map[string]StageResult, error) {
	t := newTracker(plan)
	logger := s.opts.logger()
	for _, st := range plan.Stages() {
		if err := ctx.Err(); err != nil {
			t.cancel(err)
			break
		}
		if t.blocked(st.Name) {
			t.skipped[st.Name] = true
			logger.Warn("Stage skipped", "stage", st.Name, "reason", "dependency failed")
			continue
		}
		t.started[st.Name] = true
		res, err := fn(ctx, st)
		if err != nil {
			t.fail(st.Name, err)
			if !s.opts.ContinueOnError {
				break
			}
			continue
		}
		t.results[st.Name] = res
	}
	return t.results, t.err()
}

// ParallelScheduler runs independent stages concurrently. A stage starts
// only after every stage it references has succeeded, and the number of
// concurrently executing stages never exceeds Workers.
type ParallelScheduler struct {
	opts SchedulerOptions
}

func (s *ParallelScheduler) Name() string { return SchedulerParallel }

func (s *ParallelScheduler) Schedule(ctx context.Context, plan *Plan, fn StageFunc) (map[string]StageResult, error) {
	workers := s.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := s.opts.logger()

	type completion struct {
		name string
		res  StageResult
		err  error
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan completion)
	t := newTracker(plan)

	waiting := make(map[string]int, plan.Len())
	var ready []string
	for _, n := range plan.order {
		waiting[n] = len(plan.Dependencies(n))
		if waiting[n] == 0 {
			ready = append(ready, n)
		}
	}
	byPosition := func(a, b string) int { return plan.position(a) - plan.position(b) }

	var skip func(string)
	skip = func(name string) {
		for _, d := range plan.Dependents(name) {
			if !t.skipped[d] {
				t.skipped[d] = true
				logger.Warn("Stage skipped", "stage", d, "reason", "dependency failed")
				skip(d)
			}
		}
	}

	inflight := 0
	stopping := false
	for {
		if !stopping {
			if err := ctx.Err(); err != nil {
				stopping = true
				t.cancel(err)
			}
		}
		for !stopping && inflight < workers && len(ready) > 0 {
			name := ready[0]
			ready = ready[1:]
			t.started[name] = true
			inflight++
			st := plan.Stage(name)
			g.Go(func() error {
				res, err := fn(gctx, st)
				done <- completion{name: st.Name, res: res, err: err}
				if err != nil && !s.opts.ContinueOnError {
					return err
				}
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		c := <-done
		inflight--
		if c.err != nil {
			if stopping && t.first != "" {
				// Sibling cancelled after the first failure.
				t.failed[c.name] = c.err
				continue
			}
			t.fail(c.name, c.err)
			if !s.opts.ContinueOnError {
				stopping = true
				continue
			}
			skip(c.name)
			continue
		}
		t.results[c.name] = c.res
		for _, d := range plan.Dependents(c.name) {
			waiting[d]--
			if waiting[d] == 0 && !t.skipped[d] {
				ready = append(ready, d)
				slices.SortFunc(ready, byPosition)
			}
		}
	}
	_ = g.Wait()
	return t.results, t.err()
}
