package observer

import (
	"context"
	"time"

	engine "github.com/ninthseat/engine"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps an engine.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner engine.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner engine.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(o.baseAttrs()...))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	o.record(ctx, span, spanOutcome(span, err), time.Since(start), resp.Usage)
	return resp, err
}

// baseAttrs returns the model and provider attributes shared by every
// span and metric this wrapper emits.
func (o *ObservedProvider) baseAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, status string, elapsed time.Duration, usage engine.Usage) {
	cost := o.inst.Cost.Price(o.model, usage)
	durationMs := float64(elapsed.Milliseconds())
	base := o.baseAttrs()

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "output"))...))

	chatAttrs := metric.WithAttributes(append(base, AttrLLMMethod.String("chat"))...)
	o.inst.CostTotal.Add(ctx, cost, chatAttrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		append(base, AttrLLMMethod.String("chat"), attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, durationMs, chatAttrs)

	emitLog(ctx, o.inst.Logger, "llm call completed",
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
}

var _ engine.Provider = (*ObservedProvider)(nil)
