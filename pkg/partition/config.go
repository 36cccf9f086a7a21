package partition

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// config holds the partitioner configuration that can be set via environment variables.
type config struct {
	// Maximum number of entities per pipeline.
	BatchSize int `env:"SCATTER_BATCH_SIZE" envDefault:"400"`

	// Maximum number of batches executing at the same time.
	MaxParallel int `env:"SCATTER_MAX_PARALLEL" envDefault:"4"`
}

// loadConfig loads the partitioner configuration from environment variables.
func loadConfig() (config, error) {
	cfg := config{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse partition config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate partition config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *config) validate() error {
	if cfg.BatchSize < 1 {
		return eris.New("batch size must be at least 1")
	}
	if cfg.MaxParallel < 1 {
		return eris.New("max parallel must be at least 1")
	}
	return nil
}

// applyToOptions applies the configuration values to the given Options.
func (cfg *config) applyToOptions(opt *Options) {
	opt.BatchSize = cfg.BatchSize
	opt.MaxParallel = cfg.MaxParallel
}

// Options controls how Run splits and schedules work. Zero fields are taken from the environment.
type Options struct {
	BatchSize   int             // Entities per pipeline
	MaxParallel int             // Batches in flight at once
	Logger      *zerolog.Logger // Debug logging of batch scheduling
}

// newDefaultOptions creates Options with default values.
func newDefaultOptions() Options {
	// Set these to invalid values to force the config or caller to provide them.
	return Options{
		BatchSize:   0,
		MaxParallel: 0,
		Logger:      nil,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.BatchSize != 0 {
		opt.BatchSize = newOpt.BatchSize
	}
	if newOpt.MaxParallel != 0 {
		opt.MaxParallel = newOpt.MaxParallel
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.BatchSize < 1 {
		return eris.Errorf("batch size must be at least 1, got %d", opt.BatchSize)
	}
	if opt.MaxParallel < 1 {
		return eris.Errorf("max parallel must be at least 1, got %d", opt.MaxParallel)
	}
	return nil
}

// Resolve fills zero fields of opts from the environment and validates the result.
func Resolve(opts Options) (Options, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Options{}, eris.Wrap(err, "failed to load partition config")
	}

	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return Options{}, eris.Wrap(err, "invalid partition options")
	}
	if options.Logger == nil {
		nop := zerolog.Nop()
		options.Logger = &nop
	}
	return options, nil
}
