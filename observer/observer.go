// Package observer provides OTEL-based observability for workflow runs.
//
// It implements the engine Tracer seam (run and node spans) and wraps
// Provider and Tool values with instrumented versions that emit traces,
// metrics, and logs via OpenTelemetry. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/ninthseat/engine/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	CostTotal      metric.Float64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter

	// Histograms
	LLMDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters
// and registers them globally. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME, etc.). The returned shutdown
// flushes every pipeline started so far and must be called on exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("ninthseat")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range shutdowns {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	for _, setup := range []func(context.Context, *resource.Resource) (func(context.Context) error, error){
		setupTraces,
		setupMetrics,
		setupLogs,
	} {
		stop, err := setup(ctx, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, nil, err
		}
		shutdowns = append(shutdowns, stop)
	}

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return inst, shutdown, nil
}

func setupTraces(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func setupMetrics(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	exp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func setupLogs(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	exp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	return lp.Shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)

	var errs []error
	int64Counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	float64Counter := func(name, desc, unit string) metric.Float64Counter {
		c, err := meter.Float64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc, unit string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return h
	}

	inst := &Instruments{
		Tracer:         otel.Tracer(scopeName),
		Meter:          meter,
		Logger:         global.GetLoggerProvider().Logger(scopeName),
		TokenUsage:     int64Counter("llm.token.usage", "Total tokens consumed", "{token}"),
		CostTotal:      float64Counter("llm.cost.total", "Cumulative LLM cost in USD", "USD"),
		LLMRequests:    int64Counter("llm.requests", "LLM request count", "{request}"),
		ToolExecutions: int64Counter("tool.executions", "Tool execution count", "{execution}"),
		LLMDuration:    histogram("llm.duration", "LLM call duration", "ms"),
		ToolDuration:   histogram("tool.duration", "Tool execution duration", "ms"),
		Cost:           NewCostCalculator(pricing),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return inst, nil
}
