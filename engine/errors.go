package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownScheduler is returned by NewScheduler for unregistered names.
var ErrUnknownScheduler = errors.New("engine: unknown scheduler")

// ErrorKind classifies stage failures.
type ErrorKind string

const (
	KindSelection ErrorKind = "selection"
	KindLoad      ErrorKind = "load"
	KindPlugin    ErrorKind = "plugin"
	KindTimeout   ErrorKind = "timeout"
)

// StageExecutionError wraps every failure of a single stage.
type StageExecutionError struct {
	Stage    string
	PluginID string
	Kind     ErrorKind
	Err      error
}

func (e *StageExecutionError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("engine: stage %q failed (%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("engine: stage %q failed in plugin %s (%s): %v", e.Stage, e.PluginID, e.Kind, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a stage that exceeded its time limit.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %q exceeded its %s time limit", e.Stage, e.Timeout)
}

// PanicError carries a value recovered from a panicking plugin.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", e.Value)
}

// ScheduleError is returned by schedulers when a run stops on failure.
type ScheduleError struct {
	// Stage is the first stage that failed. It is empty when the run was
	// cancelled before any stage failed.
	Stage string
	// Failed lists every failed stage in plan order.
	Failed []string
	// NotStarted lists stages that never ran, in plan order.
	NotStarted []string
	Err        error
}

func (e *ScheduleError) Error() string {
	var b strings.Builder
	if e.Stage == "" {
		fmt.Fprintf(&b, "engine: run cancelled: %v", e.Err)
	} else {
		fmt.Fprintf(&b, "engine: stage %q failed: %v", e.Stage, e.Err)
	}
	if len(e.Failed) > 1 {
		fmt.Fprintf(&b, " (%d stages failed: %s)", len(e.Failed), strings.Join(e.Failed, ", "))
	}
	if len(e.NotStarted) > 0 {
		fmt.Fprintf(&b, "; not started: %s", strings.Join(e.NotStarted, ", "))
	}
	return b.String()
}

func (e *ScheduleError) Unwrap() error { return e.Err }
