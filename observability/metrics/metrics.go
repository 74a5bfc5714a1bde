// Package metrics exposes Prometheus metrics for pipeline runs, stage
// executions and plugin selection.
package metrics

import (
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric groups that can be enabled independently.
const (
	GroupRuns      = "runs"
	GroupStages    = "stages"
	GroupSelection = "selection"
	GroupRegistry  = "registry"
)

// Config holds configuration for a Collector.
type Config struct {
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Subsystem      string   `yaml:"subsystem" json:"subsystem"`
	EnabledMetrics []string `yaml:"enabledMetrics" json:"enabledMetrics"`
}

// DefaultConfig enables every metric group under the "upi" namespace.
func DefaultConfig() Config {
	return Config{
		Namespace:      "upi",
		EnabledMetrics: []string{GroupRuns, GroupStages, GroupSelection, GroupRegistry},
	}
}

// Collector wraps the Prometheus vectors the engine records into. It owns
// its registry, so several collectors can coexist in one process. A nil
// *Collector records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	StagesTotal       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	ActiveStages      prometheus.Gauge
	SelectionsTotal   *prometheus.CounterVec
	RegisteredPlugins *prometheus.GaugeVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector registering only the enabled groups.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	enabled := func(g string) bool { return slices.Contains(cfg.EnabledMetrics, g) }
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{config: cfg, registry: reg}

	if enabled(GroupRuns) {
		c.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs",
		}, []string{"scheduler", "status"})

		c.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheduler"})

		reg.MustRegister(c.RunsTotal, c.RunDuration)
	}

	if enabled(GroupStages) {
		c.StagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		}, []string{"plugin_type", "plugin_id", "status"})

		c.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin_type"})

		c.ActiveStages = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_stages",
			Help:      "Number of stages currently executing",
		})

		reg.MustRegister(c.StagesTotal, c.StageDuration, c.ActiveStages)
	}

	if enabled(GroupSelection) {
		c.SelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "selections_total",
			Help:      "Total number of plugin selections by outcome",
		}, []string{"plugin_type", "outcome"})

		reg.MustRegister(c.SelectionsTotal)
	}

	if enabled(GroupRegistry) {
		c.RegisteredPlugins = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registered_plugins",
			Help:      "Number of registered plugin manifests by type",
		}, []string{"plugin_type"})

		reg.MustRegister(c.RegisteredPlugins)
	}

	return c
}

// Registry returns the Prometheus registry metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordRun records a finished run.
func (c *Collector) RecordRun(scheduler, status string, d time.Duration) {
	if c == nil {
		return
	}
	if c.RunsTotal != nil {
		c.RunsTotal.WithLabelValues(scheduler, status).Inc()
	}
	if c.RunDuration != nil {
		c.RunDuration.WithLabelValues(scheduler).Observe(d.Seconds())
	}
}

// StageStarted increments the active stage gauge.
func (c *Collector) StageStarted() {
	if c != nil && c.ActiveStages != nil {
		c.ActiveStages.Inc()
	}
}

// RecordStage records a finished stage and decrements the active gauge.
func (c *Collector) RecordStage(pluginType, pluginID, status string, d time.Duration) {
	if c == nil {
		return
	}
	if c.ActiveStages != nil {
		c.ActiveStages.Dec()
	}
	if c.StagesTotal != nil {
		c.StagesTotal.WithLabelValues(pluginType, pluginID, status).Inc()
	}
	if c.StageDuration != nil {
		c.StageDuration.WithLabelValues(pluginType).Observe(d.Seconds())
	}
}

// RecordSelection counts a selection outcome ("selected", "preferred",
// "no_candidate", "invalid").
func (c *Collector) RecordSelection(pluginType, outcome string) {
	if c != nil && c.SelectionsTotal != nil {
		c.SelectionsTotal.WithLabelValues(pluginType, outcome).Inc()
	}
}

// SetRegisteredPlugins replaces the per-type registered manifest counts.
func (c *Collector) SetRegisteredPlugins(counts map[string]int) {
	if c == nil || c.RegisteredPlugins == nil {
		return
	}
	c.RegisteredPlugins.Reset()
	for t, n := range counts {
		c.RegisteredPlugins.WithLabelValues(t).Set(float64(n))
	}
}

// WriteTextfile writes every metric in the Prometheus text format, for the
// node exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
