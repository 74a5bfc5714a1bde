package upi

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/GoCodeAlone/upi/discovery"
	"github.com/GoCodeAlone/upi/engine"
	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/plugin"
)

// PluginDir is one plugin directory checked by Doctor.
type PluginDir struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Diagnostics describes the environment pipelines would run in.
type Diagnostics struct {
	Version         string      `json:"version"`
	APILevel        int         `json:"api_level"`
	GoVersion       string      `json:"go_version"`
	OS              string      `json:"os"`
	Arch            string      `json:"arch"`
	NumCPU          int         `json:"num_cpu"`
	Hostname        string      `json:"hostname,omitempty"`
	RepoRoot        string      `json:"repo_root"`
	EnablelistFound bool        `json:"enablelist_found"`
	EnablelistPath  string      `json:"enablelist_path,omitempty"`
	EnablelistError string      `json:"enablelist_error,omitempty"`
	PluginDirs      []PluginDir `json:"plugin_dirs"`
	Builtins        []string    `json:"builtins"`
	Schedulers      []string    `json:"schedulers"`
}

// Doctor inspects the platform and the repository rooted at root (the
// working directory when empty). It never fails; problems are reported in
// the returned Diagnostics.
func Doctor(root string) Diagnostics {
	d := Diagnostics{
		Version:    Version,
		APILevel:   APILevel,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		PluginDirs: []PluginDir{},
		Builtins:   []string{},
		Schedulers: engine.Schedulers(),
	}
	d.Hostname, _ = os.Hostname()

	abs, err := resolveRoot(root)
	if err != nil {
		abs = root
	}
	d.RepoRoot = abs

	el, err := manifest.LoadEnablelist(abs)
	switch {
	case err != nil:
		d.EnablelistError = err.Error()
	case el != nil:
		d.EnablelistFound = true
		d.EnablelistPath = el.Source()
	}

	for _, dir := range discovery.DefaultDirs {
		p := filepath.Join(abs, dir)
		info, err := os.Stat(p)
		d.PluginDirs = append(d.PluginDirs, PluginDir{Path: p, Exists: err == nil && info.IsDir()})
	}
	for _, b := range plugin.Builtins() {
		d.Builtins = append(d.Builtins, b.Record.ID())
	}
	return d
}
