// Package telemetry wires OpenTelemetry tracing and metrics for polos
// workers. Spans always ship to the orchestrator through its span store;
// optionally they also go to any OTLP backend configured via the standard
// OTEL env vars.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	polos "github.com/polos-ai/polos-go"
)

const scopeName = "github.com/polos-ai/polos-go/telemetry"

// Options configures Init.
type Options struct {
	// ServiceName overrides the OTel service name (default "polos-worker").
	ServiceName string
	// Orchestrator receives span records; required.
	Orchestrator polos.Orchestrator
	// OTLP additionally exports traces and metrics over OTLP HTTP, configured
	// via the standard OTEL_EXPORTER_OTLP_* env vars.
	OTLP bool
}

// Instruments holds the tracer and the worker metrics.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionsWaiting   metric.Int64Counter
	ExecutionDuration   metric.Float64Histogram
	StepsExecuted       metric.Int64Counter
	StepsReplayed       metric.Int64Counter
}

// Init sets up the global trace and metric providers. Returns the
// instruments and a shutdown function that must be called on exit.
func Init(ctx context.Context, opts Options) (*Instruments, func(context.Context) error, error) {
	name := opts.ServiceName
	if name == "" {
		name = "polos-worker"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Orchestrator != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(NewSpanExporter(opts.Orchestrator)))
	}
	var shutdowns []func(context.Context) error
	if opts.OTLP {
		traceExp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	shutdowns = append(shutdowns, tp.Shutdown)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.OTLP {
		metricExp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, nil, err
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	inst, err := newInstruments()
	if err != nil {
		for _, s := range shutdowns {
			_ = s(ctx)
		}
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, s := range shutdowns {
			errs = append(errs, s(ctx))
		}
		return errors.Join(errs...)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	started, err := meter.Int64Counter("polos.executions.started",
		metric.WithDescription("Executions accepted by this worker"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("polos.executions.completed",
		metric.WithDescription("Executions that reported success"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("polos.executions.failed",
		metric.WithDescription("Executions that reported failure"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	waiting, err := meter.Int64Counter("polos.executions.waiting",
		metric.WithDescription("Execution passes that ended in a wait"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("polos.execution.duration",
		metric.WithDescription("Wall-clock seconds per execution pass"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("polos.steps.executed",
		metric.WithDescription("Durable steps executed live"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	replayed, err := meter.Int64Counter("polos.steps.replayed",
		metric.WithDescription("Durable steps satisfied from records"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		ExecutionsWaiting:   waiting,
		ExecutionDuration:   duration,
		StepsExecuted:       steps,
		StepsReplayed:       replayed,
	}, nil
}
