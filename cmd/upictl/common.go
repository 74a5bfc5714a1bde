package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/GoCodeAlone/upi"
	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/registry"
)

// globalFlags are shared by every command that touches the repository.
type globalFlags struct {
	root       string
	pluginDirs string
	noBuiltins bool
	logFormat  string
	logLevel   string
	jsonOut    bool
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.root, "root", "", "Repository root (default: working directory)")
	fs.StringVar(&g.pluginDirs, "plugin-dirs", "", "Comma-separated plugin directories relative to the root (default: plugins,packages/plugins)")
	fs.BoolVar(&g.noBuiltins, "no-builtins", false, "Do not register compiled-in plugins")
	fs.StringVar(&g.logFormat, "log-format", "text", "Log format (text, json)")
	fs.StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	fs.BoolVar(&g.jsonOut, "json", false, "Print machine-readable JSON")
	return g
}

func (g *globalFlags) logger() *slog.Logger {
	var level slog.Level
	switch g.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (g *globalFlags) scanOptions(logger *slog.Logger) upi.ScanOptions {
	opts := upi.ScanOptions{Root: g.root, SkipBuiltins: g.noBuiltins, Logger: logger}
	for _, d := range strings.Split(g.pluginDirs, ",") {
		if d = strings.TrimSpace(d); d != "" {
			opts.Dirs = append(opts.Dirs, d)
		}
	}
	return opts
}

func (g *globalFlags) registry(logger *slog.Logger) (*registry.Registry, *upi.ScanReport, error) {
	reg, rep, err := upi.ScanPlugins(g.scanOptions(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan plugins: %w", err)
	}
	return reg, rep, nil
}

// loadPipeline loads the pipeline named by the first positional argument.
// Relative ${path:...} placeholders resolve against -root, or the working
// directory when it is unset.
func (g *globalFlags) loadPipeline(fs *flag.FlagSet) (*config.PipelineSpec, error) {
	if fs.NArg() < 1 {
		fs.Usage()
		return nil, fmt.Errorf("pipeline file path is required")
	}
	spec, err := upi.LoadPipeline(fs.Arg(0), upi.LoadOptions{Root: g.root})
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	return spec, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
