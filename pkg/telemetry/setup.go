package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// newTracerProvider returns a no-op provider unless tracing is enabled.
func newTracerProvider(ctx context.Context, cfg config, opts Options) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Tracing {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		))
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to build trace resource")
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to create OTLP trace exporter")
	}

	// Refresh cycles are root spans; pipelines and batches inherit the cycle's decision.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRate))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(provider)
	return provider, provider.Shutdown, nil
}

func newLogger(opts Options) zerolog.Logger {
	level, err := opts.level()
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if opts.LogFormat == LogFormatPretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		Hook(spanHook{}).
		With().
		Timestamp().
		Logger()
}

// spanHook stamps events logged with Event.Ctx with the ids of the span active in that context.
type spanHook struct{}

func (spanHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	sc := trace.SpanContextFromContext(e.GetCtx())
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
}
