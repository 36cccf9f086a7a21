package scatter

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// MaxRounds bounds the number of rounds a pooled pipeline may have.
const MaxRounds = 64

// NoIdle disables pipeline reuse when set as PoolOptions.MaxIdle. A zero MaxIdle means "use the
// environment default".
const NoIdle = -1

// poolConfig holds the pool configuration that can be set via environment variables.
type poolConfig struct {
	// Number of rounds of every pooled pipeline.
	Rounds int `env:"SCATTER_ROUNDS" envDefault:"8"`

	// Maximum number of idle pipelines kept for reuse.
	MaxIdle int `env:"SCATTER_POOL_IDLE" envDefault:"16"`

	// Number of recent execution samples retained.
	SampleWindow int `env:"SCATTER_SAMPLE_WINDOW" envDefault:"64"`
}

// loadPoolConfig loads the pool configuration from environment variables.
func loadPoolConfig() (poolConfig, error) {
	cfg := poolConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse pool config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate pool config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *poolConfig) validate() error {
	if cfg.Rounds < 1 || cfg.Rounds > MaxRounds {
		return eris.Errorf("rounds must be between 1 and %d", MaxRounds)
	}
	if cfg.MaxIdle < 0 {
		return eris.New("max idle cannot be negative")
	}
	if cfg.SampleWindow < 1 {
		return eris.New("sample window must be at least 1")
	}
	return nil
}

// applyToOptions applies the configuration values to the given PoolOptions.
func (cfg *poolConfig) applyToOptions(opt *PoolOptions) {
	opt.Rounds = cfg.Rounds
	opt.MaxIdle = cfg.MaxIdle
	opt.SampleWindow = cfg.SampleWindow
}

type PoolOptions struct {
	Rounds       int             // Rounds per pipeline
	MaxIdle      int             // Idle pipelines kept for reuse; NoIdle keeps none
	SampleWindow int             // Recent execution samples retained
	Logger       *zerolog.Logger // Logger handed to every pipeline
	Tracer       trace.Tracer    // Tracer handed to every pipeline
}

// newDefaultPoolOptions creates PoolOptions with default values.
func newDefaultPoolOptions() PoolOptions {
	// Set these to invalid values to force the config or caller to provide them.
	return PoolOptions{
		Rounds:       0,
		MaxIdle:      -2,
		SampleWindow: 0,
		Logger:       nil,
		Tracer:       nil,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *PoolOptions) apply(newOpt PoolOptions) {
	if newOpt.Rounds != 0 {
		opt.Rounds = newOpt.Rounds
	}
	switch {
	case newOpt.MaxIdle == NoIdle:
		opt.MaxIdle = 0
	case newOpt.MaxIdle != 0:
		opt.MaxIdle = newOpt.MaxIdle
	}
	if newOpt.SampleWindow != 0 {
		opt.SampleWindow = newOpt.SampleWindow
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
	if newOpt.Tracer != nil {
		opt.Tracer = newOpt.Tracer
	}
}

// validate checks that all required options are set and valid.
func (opt *PoolOptions) validate() error {
	if opt.Rounds < 1 || opt.Rounds > MaxRounds {
		return eris.Errorf("rounds must be between 1 and %d, got %d", MaxRounds, opt.Rounds)
	}
	if opt.MaxIdle < 0 {
		return eris.New("max idle cannot be negative")
	}
	if opt.SampleWindow < 1 {
		return eris.New("sample window must be at least 1")
	}
	return nil
}

func (opt *PoolOptions) pipelineOptions() []Option {
	var opts []Option
	if opt.Logger != nil {
		opts = append(opts, WithLogger(*opt.Logger))
	}
	if opt.Tracer != nil {
		opts = append(opts, WithTracer(opt.Tracer))
	}
	return opts
}
