package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/GoCodeAlone/upi"
	"github.com/GoCodeAlone/upi/engine"
	"github.com/GoCodeAlone/upi/observability/metrics"
	"github.com/GoCodeAlone/upi/observability/tracing"
	"github.com/GoCodeAlone/upi/plugin"
)

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	g := addGlobalFlags(fs)
	scheduler := fs.String("scheduler", engine.SchedulerLocal, "Scheduler (local, parallel)")
	workers := fs.Int("workers", 0, "Parallel scheduler worker bound (default: number of CPUs)")
	continueOnError := fs.Bool("continue-on-error", false, "Keep running independent stages after a failure")
	timeout := fs.Duration("timeout", 0, "Per-stage time limit (0 disables)")
	memory := fs.String("memory", "", "Per-stage memory cap exposed to plugins, e.g. 512MiB")
	runID := fs.String("run-id", "", "Run id (default: generated)")
	metricsFile := fs.String("metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	otlpEndpoint := fs.String("otlp-endpoint", "", "Export traces to this OTLP HTTP endpoint (e.g. localhost:4318)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: upictl run [options] <pipeline.yaml>\n\nValidate and execute a pipeline.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	limits := plugin.Limits{Timeout: *timeout}
	if *memory != "" {
		n, err := humanize.ParseBytes(*memory)
		if err != nil {
			return fmt.Errorf("invalid -memory: %w", err)
		}
		limits.MemoryBytes = n
	}

	spec, err := g.loadPipeline(fs)
	if err != nil {
		return err
	}
	logger := g.logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := upi.RunOptions{
		Root:            g.root,
		RunID:           *runID,
		Scheduler:       *scheduler,
		Workers:         *workers,
		ContinueOnError: *continueOnError,
		Limits:          limits,
		Logger:          logger,
	}
	if *metricsFile != "" {
		opts.Metrics = metrics.New()
	}
	if *otlpEndpoint != "" {
		cfg := tracing.DefaultConfig()
		cfg.Endpoint = *otlpEndpoint
		cfg.ServiceVersion = upi.Version
		provider, err := tracing.NewProvider(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Trace export shutdown failed", "error", err)
			}
		}()
		opts.Tracer = tracing.NewRunTracer(provider.Tracer())
	}

	scan := g.scanOptions(logger)
	scan.Metrics = opts.Metrics
	reg, _, err := upi.ScanPlugins(scan)
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	res, runErr := upi.Run(ctx, spec, reg, opts)
	if *metricsFile != "" {
		if err := opts.Metrics.WriteTextfile(*metricsFile); err != nil {
			logger.Error("Failed to write metrics textfile", "path", *metricsFile, "error", err)
		}
	}
	if res != nil && res.Result != nil {
		if g.jsonOut {
			if err := printJSON(res); err != nil {
				return err
			}
		} else {
			printRunSummary(res)
		}
	}
	if runErr != nil {
		var se *engine.ScheduleError
		if !g.jsonOut && errors.As(runErr, &se) && len(se.NotStarted) > 0 {
			fmt.Fprintf(stdout, "not started: %v\n", se.NotStarted)
		}
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

func printRunSummary(res *upi.RunResult) {
	for _, name := range res.Order {
		sr := res.Stages[name]
		keys := make([]string, 0, len(sr.Outputs))
		for k := range sr.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(stdout, "  %-20s %-28s %8s  outputs: %v\n", name, sr.PluginID+"@"+sr.PluginVersion,
			sr.Duration.Round(time.Millisecond), keys)
	}
	auditSize := "unknown size"
	if info, err := os.Stat(res.AuditPath); err == nil {
		auditSize = humanize.Bytes(uint64(info.Size()))
	}
	fmt.Fprintf(stdout, "run %s finished %d stages in %s\n", res.RunID, len(res.Order), res.Duration.Round(time.Millisecond))
	fmt.Fprintf(stdout, "audit log: %s (%s)\n", res.AuditPath, auditSize)
}
