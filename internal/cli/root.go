// Package cli implements the scatterdump commands.
package cli

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	tel *telemetry.Telemetry
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the scatterdump CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scatterdump",
		Short: "Read world snapshots through batched scatter pipelines",
		Long: `scatterdump reads player and loot lists from a memory image using round-based
scatter pipelines, and benchmarks refresh cycles against synthetic images.

Logging and tracing are configured with the SCATTERDUMP_* environment variables; pipeline
pools and partitioning with SCATTER_*.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			topts := telemetry.Options{ServiceName: "scatterdump", Output: cmd.ErrOrStderr()}
			if opts.Verbose {
				topts.LogLevel = zerolog.DebugLevel.String()
			}
			tel, err := telemetry.New(topts)
			if err != nil {
				return err
			}
			opts.tel = tel
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.tel == nil {
				return nil
			}
			return opts.tel.Shutdown(cmd.Context())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))

	return cmd
}

// logger returns a component logger, or a no-op logger before telemetry is set up.
func (o *RootOptions) logger(component string) zerolog.Logger {
	if o.tel == nil {
		return zerolog.Nop()
	}
	return o.tel.Logger(component)
}

func (o *RootOptions) tracer(component string) trace.Tracer {
	if o.tel == nil {
		return noop.NewTracerProvider().Tracer(component)
	}
	return o.tel.Tracer(component)
}
