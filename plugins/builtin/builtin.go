// Package builtin registers the compiled-in smoke-test plugins. Importing it
// for side effects makes them available to discovery and to the loader.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/plugin"
)

// Builtin manifest ids.
const (
	EchoID  = "upi.builtin.echo"
	SleepID = "upi.builtin.sleep"
	FailID  = "upi.builtin.fail"
	WriteID = "upi.builtin.write"
)

// Version is the version every builtin manifest declares.
const Version = "1.0.0"

func init() {
	register("echo", EchoID, manifest.TypeIO, []string{"echo", "smoke"}, Echo)
	register("sleep", SleepID, manifest.TypeIO, []string{"sleep", "smoke"}, Sleep)
	register("fail", FailID, manifest.TypeIO, []string{"fail", "smoke"}, Fail)
	register("write", WriteID, manifest.TypeReport, []string{"write", "smoke"}, Write)
}

func register(name, id string, pt manifest.PluginType, caps []string, fn plugin.Func) {
	capabilities := make([]any, len(caps))
	for i, c := range caps {
		capabilities[i] = c
	}
	plugin.RegisterBuiltin(name, func(manifest.Manifest) (plugin.Plugin, error) { return fn, nil }, map[string]any{
		"id":           id,
		"name":         name,
		"plugin_type":  string(pt),
		"capabilities": capabilities,
		"version":      Version,
		"quality_tier": string(manifest.TierStable),
		"metadata":     map[string]any{"builtin": true},
	})
}

// Echo returns its configuration together with the stage and plugin that ran.
func Echo(_ context.Context, config map[string]any, rc plugin.RuntimeContext) (map[string]any, error) {
	out := make(map[string]any, len(config)+3)
	for k, v := range config {
		out[k] = v
	}
	out["stage"] = rc.Stage()
	out["plugin"] = rc.PluginID()
	out["seed"] = rc.Seed()
	return out, nil
}

// Sleep waits for config["duration"] (a Go duration string or a number of
// seconds) or until the context is done.
func Sleep(ctx context.Context, config map[string]any, rc plugin.RuntimeContext) (map[string]any, error) {
	d, err := durationValue(config["duration"])
	if err != nil {
		return nil, err
	}
	rc.Logger().Debug("Sleeping", "duration", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return map[string]any{"slept": d.String()}, nil
}

// Fail always returns an error carrying config["message"].
func Fail(_ context.Context, config map[string]any, _ plugin.RuntimeContext) (map[string]any, error) {
	msg, _ := config["message"].(string)
	if msg == "" {
		msg = "requested failure"
	}
	return nil, errors.New(msg)
}

// Write stores config["content"] in config["file"] (default output.txt)
// below the stage directory. Non-string content is written as YAML.
func Write(_ context.Context, config map[string]any, rc plugin.RuntimeContext) (map[string]any, error) {
	name, _ := config["file"].(string)
	if name == "" {
		name = "output.txt"
	}
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("write: file %q must be a relative path inside the stage directory", name)
	}

	var data []byte
	switch c := config["content"].(type) {
	case string:
		data = []byte(c)
	case nil:
	default:
		b, err := yaml.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("write: encode content: %w", err)
		}
		data = b
	}

	path := filepath.Join(rc.StageDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return map[string]any{"path": path, "bytes": len(data)}, nil
}

func durationValue(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("sleep: invalid duration %q: %w", d, err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("sleep: duration must be a string or a number, got %T", v)
	}
}
