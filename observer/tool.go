package observer

import (
	"context"
	"encoding/json"
	"time"

	engine "github.com/ninthseat/engine"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an engine.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner engine.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner engine.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []engine.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := spanOutcome(span, err)

	// Size on the wire form, which is what reaches the model.
	resultBytes := 0
	if raw, merr := json.Marshal(result); merr == nil {
		resultBytes = len(raw)
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultBytes.Int(resultBytes),
	)
	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))
	emitLog(ctx, o.inst.Logger, "tool executed",
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_bytes", resultBytes),
		otellog.Float64("tool.duration_ms", durationMs),
	)

	return result, err
}

var _ engine.Tool = (*ObservedTool)(nil)
