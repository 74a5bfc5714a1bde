// Package audit writes the append-only run log: one JSON object per line,
// serialized under a mutex so concurrent stages never interleave records.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("audit: log is closed")

// EventKind classifies audit records.
type EventKind string

const (
	EventRunStart   EventKind = "run.start"
	EventStageStart EventKind = "stage.start"
	EventStageEnd   EventKind = "stage.end"
	EventStageError EventKind = "stage.error"
	EventRunError   EventKind = "run.error"
	EventRunEnd     EventKind = "run.end"
)

// Status values carried by records.
const (
	StatusOK      = "ok"
	StatusRunning = "running"
	StatusError   = "error"
)

// Record is a single audit log entry.
type Record struct {
	Timestamp     time.Time      `json:"timestamp"`
	RunID         string         `json:"run_id"`
	Event         EventKind      `json:"event"`
	Stage         string         `json:"stage,omitempty"`
	PluginID      string         `json:"plugin_id,omitempty"`
	PluginVersion string         `json:"plugin_version,omitempty"`
	DurationMS    float64        `json:"duration_ms,omitempty"`
	Status        string         `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Option configures a Log.
type Option func(*Log)

// WithRunID stamps every record that does not carry its own run id.
func WithRunID(id string) Option {
	return func(l *Log) { l.runID = id }
}

// WithLogger sets the logger used to report write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an append-only JSON-lines audit sink. It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
	closed bool
	path   string

	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log writing to w. If w is nil, it defaults to os.Stdout.
// Close does not close w.
func New(w io.Writer, opts ...Option) *Log {
	if w == nil {
		w = os.Stdout
	}
	l := &Log{
		writer: w,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open appends to the file at path, creating it and its parent directories.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l := New(f, opts...)
	l.closer = f
	l.path = path
	return l, nil
}

// Path returns the file backing the log, or "" for writer-backed logs.
func (l *Log) Path() string { return l.path }

// RunID returns the run id stamped on records.
func (l *Log) RunID() string { return l.runID }

// Write appends one record. Timestamp and run id are filled in when unset.
func (l *Log) Write(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.RunID == "" {
		rec.RunID = l.runID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal %s record: %w", rec.Event, err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.writer.Write(data); err != nil {
		l.logger.Error("failed to write audit record", "event", rec.Event, "error", err)
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file. It is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// RunStart records the start of a run.
func (l *Log) RunStart(ctx context.Context, detail string, metadata map[string]any) error {
	return l.Write(ctx, Record{Event: EventRunStart, Status: StatusRunning, Detail: detail, Metadata: metadata})
}

// RunEnd records a successful run.
func (l *Log) RunEnd(ctx context.Context, elapsed time.Duration, metadata map[string]any) error {
	return l.Write(ctx, Record{Event: EventRunEnd, Status: StatusOK, DurationMS: millis(elapsed), Metadata: metadata})
}

// RunError records a failed run.
func (l *Log) RunError(ctx context.Context, elapsed time.Duration, cause error) error {
	return l.Write(ctx, Record{Event: EventRunError, Status: StatusError, DurationMS: millis(elapsed), Detail: errString(cause)})
}

// StageStart records that a stage began executing with the given plugin.
func (l *Log) StageStart(ctx context.Context, stage, pluginID, pluginVersion string) error {
	return l.Write(ctx, Record{Event: EventStageStart, Stage: stage, PluginID: pluginID,
		PluginVersion: pluginVersion, Status: StatusRunning})
}

// StageEnd records a successful stage.
func (l *Log) StageEnd(ctx context.Context, stage, pluginID, pluginVersion string, elapsed time.Duration, metadata map[string]any) error {
	return l.Write(ctx, Record{Event: EventStageEnd, Stage: stage, PluginID: pluginID,
		PluginVersion: pluginVersion, DurationMS: millis(elapsed), Status: StatusOK, Metadata: metadata})
}

// StageError records a failed stage.
func (l *Log) StageError(ctx context.Context, stage, pluginID, pluginVersion string, elapsed time.Duration, cause error) error {
	return l.Write(ctx, Record{Event: EventStageError, Stage: stage, PluginID: pluginID,
		PluginVersion: pluginVersion, DurationMS: millis(elapsed), Status: StatusError, Detail: errString(cause)})
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
