package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/plugin"
)

func stageContext(t *testing.T, stage, id string) plugin.RuntimeContext {
	t.Helper()
	rc := plugin.NewRuntimeContext(plugin.RuntimeOptions{RunID: "r", Seed: 3, Rundir: t.TempDir()})
	return rc.ForStage(stage, manifest.Manifest{ID: id, Version: Version})
}

func TestBuiltinRecordsValidate(t *testing.T) {
	var records []manifest.Record
	for _, b := range plugin.Builtins() {
		if plugin.IsBuiltin(b.Entrypoint) {
			records = append(records, b.Record)
		}
	}
	valid, rejected := manifest.Validate(records, nil)
	if len(rejected) != 0 {
		t.Fatalf("builtin manifests rejected: %+v", rejected)
	}
	ids := map[string]bool{}
	for _, m := range valid {
		ids[m.ID] = true
	}
	for _, id := range []string{EchoID, SleepID, FailID, WriteID} {
		if !ids[id] {
			t.Errorf("builtin %s not registered", id)
		}
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), map[string]any{"x": 1}, stageContext(t, "a", EchoID))
	if err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if out["x"] != 1 || out["stage"] != "a" || out["plugin"] != EchoID || out["seed"] != int64(3) {
		t.Errorf("unexpected output %v", out)
	}
}

func TestSleep(t *testing.T) {
	out, err := Sleep(context.Background(), map[string]any{"duration": "1ms"}, stageContext(t, "s", SleepID))
	if err != nil || out["slept"] != "1ms" {
		t.Fatalf("unexpected result %v, %v", out, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = Sleep(ctx, map[string]any{"duration": 10}, stageContext(t, "s", SleepID))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if _, err := Sleep(context.Background(), map[string]any{"duration": "soon"}, stageContext(t, "s", SleepID)); err == nil {
		t.Error("expected invalid duration error")
	}
}

func TestFail(t *testing.T) {
	_, err := Fail(context.Background(), map[string]any{"message": "diverged"}, stageContext(t, "f", FailID))
	if err == nil || err.Error() != "diverged" {
		t.Errorf("expected diverged error, got %v", err)
	}
}

func TestWrite(t *testing.T) {
	rc := stageContext(t, "report", WriteID)
	out, err := Write(context.Background(), map[string]any{
		"file":    "summary.yaml",
		"content": map[string]any{"residual": 0.5},
	}, rc)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	path := out["path"].(string)
	if path != filepath.Join(rc.StageDir(), "summary.yaml") {
		t.Errorf("unexpected path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "residual: 0.5\n" {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := Write(context.Background(), map[string]any{"file": "../escape"}, rc); err == nil {
		t.Error("expected error for path outside the stage directory")
	}
}
