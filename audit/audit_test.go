package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readRecords(t *testing.T, data []byte) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("failed to parse audit line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNew_DefaultWriter(t *testing.T) {
	l := New(nil)
	if l == nil {
		t.Fatal("expected non-nil log")
	}
}

func TestLog_Write(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WithRunID("run-1"))

	err := l.Write(context.Background(), Record{
		Event:    EventStageStart,
		Stage:    "solve",
		PluginID: "b1",
		Status:   StatusRunning,
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	recs := readRecords(t, buf.Bytes())
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.RunID != "run-1" {
		t.Errorf("expected run id 'run-1', got %q", rec.RunID)
	}
	if rec.Event != EventStageStart || rec.Stage != "solve" || rec.PluginID != "b1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestLog_Write_PreservesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	if err := l.Write(context.Background(), Record{Timestamp: ts, Event: EventRunEnd, Status: StatusOK}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	recs := readRecords(t, buf.Bytes())
	if !recs[0].Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, recs[0].Timestamp)
	}
}

func TestLog_Helpers(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	l := New(&buf, WithRunID("r"), WithClock(func() time.Time { return ts }))
	ctx := context.Background()

	_ = l.RunStart(ctx, "2 stages", map[string]any{"scheduler": "local"})
	_ = l.StageStart(ctx, "a", "p1", "1.0.0")
	_ = l.StageEnd(ctx, "a", "p1", "1.0.0", 1500*time.Microsecond, nil)
	_ = l.StageError(ctx, "b", "p2", "2.0.0", time.Millisecond, errors.New("boom"))
	_ = l.RunError(ctx, 2*time.Millisecond, errors.New("boom"))

	recs := readRecords(t, buf.Bytes())
	want := []EventKind{EventRunStart, EventStageStart, EventStageEnd, EventStageError, EventRunError}
	if len(recs) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(recs))
	}
	for i, ev := range want {
		if recs[i].Event != ev {
			t.Errorf("record %d: expected %s, got %s", i, ev, recs[i].Event)
		}
		if !recs[i].Timestamp.Equal(ts) {
			t.Errorf("record %d: clock not applied", i)
		}
	}
	if recs[2].DurationMS != 1.5 {
		t.Errorf("expected 1.5ms, got %v", recs[2].DurationMS)
	}
	if recs[3].Status != StatusError || recs[3].Detail != "boom" {
		t.Errorf("unexpected stage.error record %+v", recs[3])
	}
}

func TestLog_ConcurrentWritersOneLineEach(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WithRunID("r"))

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = l.Write(context.Background(), Record{
					Event:  EventStageEnd,
					Stage:  fmt.Sprintf("s%d-%d", w, i),
					Status: StatusOK,
					Detail: strings.Repeat("x", 256),
				})
			}
		}(w)
	}
	wg.Wait()

	recs := readRecords(t, buf.Bytes())
	if len(recs) != writers*perWriter {
		t.Fatalf("expected %d records, got %d", writers*perWriter, len(recs))
	}
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		seen[r.Stage] = true
	}
	if len(seen) != writers*perWriter {
		t.Errorf("expected unique stages, got %d", len(seen))
	}
}

func TestOpen_AppendsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1", "audit.jsonl")
	l, err := Open(path, WithRunID("r1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if l.Path() != path {
		t.Errorf("expected path %q, got %q", path, l.Path())
	}
	if err := l.RunStart(context.Background(), "", nil); err != nil {
		t.Fatalf("RunStart failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := l.RunEnd(context.Background(), 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	_ = l2.RunEnd(context.Background(), 0, nil)
	_ = l2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if recs := readRecords(t, data); len(recs) != 2 {
		t.Errorf("expected appended log with 2 records, got %d", len(recs))
	}
}
