package telemetry

import (
	"io"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// config is the part of the setup read from SCATTERDUMP_* environment variables.
type config struct {
	// Export spans over OTLP. Logging is always on.
	Tracing bool `env:"SCATTERDUMP_TRACING" envDefault:"false"`

	// OTLP/gRPC collector address, used when Tracing is set.
	Endpoint string `env:"SCATTERDUMP_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	// Fraction of refresh cycles whose spans are kept.
	SampleRate float64 `env:"SCATTERDUMP_TRACE_SAMPLE_RATE" envDefault:"1.0"`

	LogLevel  string `env:"SCATTERDUMP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SCATTERDUMP_LOG_FORMAT" envDefault:"pretty"`
}

func loadConfig() (config, error) {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry config")
	}
	return cfg, nil
}

func (cfg *config) applyToOptions(opt *Options) {
	opt.LogLevel = cfg.LogLevel
	opt.LogFormat = ParseLogFormat(cfg.LogFormat)
	opt.SampleRate = cfg.SampleRate
}

// Options override the environment. Zero values keep the environment's setting.
type Options struct {
	ServiceName    string
	ServiceVersion string
	LogLevel       string
	LogFormat      LogFormat
	SampleRate     float64
	Output         io.Writer // stderr when nil
}

func newDefaultOptions() Options {
	return Options{ServiceVersion: "dev"}
}

func (opt *Options) apply(newOpt Options) {
	if newOpt.ServiceName != "" {
		opt.ServiceName = newOpt.ServiceName
	}
	if newOpt.ServiceVersion != "" {
		opt.ServiceVersion = newOpt.ServiceVersion
	}
	if newOpt.LogLevel != "" {
		opt.LogLevel = newOpt.LogLevel
	}
	if newOpt.LogFormat != LogFormatUndefined {
		opt.LogFormat = newOpt.LogFormat
	}
	if newOpt.SampleRate != 0 {
		opt.SampleRate = newOpt.SampleRate
	}
	if newOpt.Output != nil {
		opt.Output = newOpt.Output
	}
}

func (opt *Options) validate() error {
	if opt.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if _, err := opt.level(); err != nil {
		return err
	}
	if opt.LogFormat == LogFormatUndefined {
		return eris.New("log format must be 'json' or 'pretty'")
	}
	if opt.SampleRate < 0 || opt.SampleRate > 1 {
		return eris.Errorf("trace sample rate must be between 0 and 1, got %g", opt.SampleRate)
	}
	return nil
}

func (opt *Options) level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opt.LogLevel))
	if err != nil || opt.LogLevel == "" {
		return zerolog.NoLevel, eris.Errorf("invalid log level %q", opt.LogLevel)
	}
	return level, nil
}

// LogFormat selects how log lines are rendered.
type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota
	LogFormatJSON                // one JSON object per line
	LogFormatPretty              // colored console output
)

var logFormatNames = map[LogFormat]string{
	LogFormatJSON:   "json",
	LogFormatPretty: "pretty",
}

func (f LogFormat) String() string {
	if name, ok := logFormatNames[f]; ok {
		return name
	}
	return "undefined"
}

// ParseLogFormat is case-insensitive and returns LogFormatUndefined for unknown names.
func ParseLogFormat(s string) LogFormat {
	for f, name := range logFormatNames {
		if strings.EqualFold(s, name) {
			return f
		}
	}
	return LogFormatUndefined
}
