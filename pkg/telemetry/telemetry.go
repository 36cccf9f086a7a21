// Package telemetry builds the logger and tracer provider shared by scatterdump's components.
//
// Events logged with zerolog's Event.Ctx carry the trace and span id of the span active in that
// context, so a refresh cycle's pipeline and batch logs can be joined with its trace.
package telemetry

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Telemetry struct {
	logger   zerolog.Logger
	provider trace.TracerProvider
	service  string
	shutdown func(context.Context) error
}

// New reads the SCATTERDUMP_* environment, merges opts over it and sets up logging and tracing.
func New(opts Options) (*Telemetry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load telemetry config")
	}

	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid telemetry options")
	}

	provider, shutdown, err := newTracerProvider(context.Background(), cfg, options)
	if err != nil {
		return nil, eris.Wrap(err, "failed to set up tracing")
	}

	return &Telemetry{
		logger:   newLogger(options),
		provider: provider,
		service:  options.ServiceName,
		shutdown: shutdown,
	}, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// Logger returns the logger for component, e.g. "scatter" or "snapshot".
func (t *Telemetry) Logger(component string) zerolog.Logger {
	return t.logger.With().Str("component", t.service+"."+component).Logger()
}

// Tracer returns the tracer for component.
func (t *Telemetry) Tracer(component string) trace.Tracer {
	return t.provider.Tracer(t.service + "." + component)
}
