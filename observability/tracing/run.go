package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GoCodeAlone/upi"

// Span attribute keys.
const (
	AttrRunID         = attribute.Key("upi.run.id")
	AttrScheduler     = attribute.Key("upi.run.scheduler")
	AttrStageCount    = attribute.Key("upi.run.stages")
	AttrStage         = attribute.Key("upi.stage.name")
	AttrPluginType    = attribute.Key("upi.stage.plugin_type")
	AttrPluginID      = attribute.Key("upi.plugin.id")
	AttrPluginVersion = attribute.Key("upi.plugin.version")
)

// RunTracer creates spans around pipeline runs and their stages.
type RunTracer struct {
	tracer trace.Tracer
}

// NewRunTracer creates a RunTracer. If tracer is nil, the global tracer
// provider is used.
func NewRunTracer(tracer trace.Tracer) *RunTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return &RunTracer{tracer: tracer}
}

// StartRun begins the root span of a run.
func (r *RunTracer) StartRun(ctx context.Context, runID, scheduler string, stages int) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "upi.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrRunID.String(runID),
			AttrScheduler.String(scheduler),
			AttrStageCount.Int(stages),
		),
	)
}

// StartStage begins a child span for one stage. Plugin attributes are added
// with SetPlugin once selection has happened.
func (r *RunTracer) StartStage(ctx context.Context, stage, pluginType string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "upi.stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrStage.String(stage),
			AttrPluginType.String(pluginType),
		),
	)
}

// SetPlugin annotates a stage span with the selected plugin.
func SetPlugin(span trace.Span, id, version string) {
	span.SetAttributes(AttrPluginID.String(id), AttrPluginVersion.String(version))
}

// End closes span, recording err when it is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
