package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/partition"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/snapshot"
	"github.com/spf13/cobra"
)

// PartitionFlags are shared by commands that read loot.
type PartitionFlags struct {
	BatchSize   int
	MaxParallel int
}

func (p *PartitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.BatchSize, "batch-size", 0, "loot entities per pipeline (default $SCATTER_BATCH_SIZE or 400)")
	cmd.Flags().IntVar(&p.MaxParallel, "parallel", 0, "loot pipelines in flight (default $SCATTER_MAX_PARALLEL or 4)")
}

func (p *PartitionFlags) options() partition.Options {
	return partition.Options{BatchSize: p.BatchSize, MaxParallel: p.MaxParallel}
}

// DumpResult is the output of the dump command.
type DumpResult struct {
	Frame snapshot.Frame `json:"frame"`
	Stats scatter.Stats  `json:"stats"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var part PartitionFlags

	cmd := &cobra.Command{
		Use:   "dump <scene.yaml>",
		Short: "Read one frame from a scene file",
		Long: `Load a scene (layout, list roots and memory image) and run a single refresh cycle
against it, printing the players and loot that were read.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "failed to open scene")
			}
			defer f.Close()

			scene, err := snapshot.LoadScene(f)
			if err != nil {
				return err
			}
			res, err := runDump(cmd, rootOpts, scene, part.options())
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(res)
		},
	}
	part.register(cmd)

	return cmd
}

func runDump(cmd *cobra.Command, rootOpts *RootOptions, scene *snapshot.Scene, part partition.Options) (*DumpResult, error) {
	logger := rootOpts.logger("dump")
	pool, err := scatter.NewPool(scene.Image, scatter.PoolOptions{
		Rounds: snapshot.Rounds,
		Logger: &logger,
		Tracer: rootOpts.tracer("scatter"),
	})
	if err != nil {
		return nil, err
	}
	part.Logger = &logger

	r, err := snapshot.NewRefresher(pool, scene.Layout, scene.Roots,
		snapshot.WithRefreshLogger(logger),
		snapshot.WithRefreshTracer(rootOpts.tracer("snapshot")),
		snapshot.WithPartition(part))
	if err != nil {
		return nil, err
	}
	frame, err := r.Refresh(cmd.Context())
	if err != nil {
		return nil, err
	}
	return &DumpResult{Frame: frame, Stats: pool.Stats().Recent}, nil
}

func (d *DumpResult) WriteText(w io.Writer) error {
	f := &d.Frame
	if _, err := fmt.Fprintf(w, "cycle %s: %d players, %d loot in %s (%d transactions, %d requests)\n",
		f.Cycle, len(f.Players), len(f.Loot), f.Elapsed, d.Stats.Transactions, d.Stats.Requests); err != nil {
		return err
	}
	for _, p := range f.Players {
		if _, err := fmt.Fprintf(w, "player %s %-16q side=%d pos=(%.1f, %.1f, %.1f) yaw=%.1f\n",
			p.Addr, p.Name, p.Side, p.Position.X, p.Position.Y, p.Position.Z, p.Rotation[0]); err != nil {
			return err
		}
	}
	for _, l := range f.Loot {
		kind := "item"
		if l.Container {
			kind = "container"
		}
		if _, err := fmt.Fprintf(w, "%-9s %s %s pos=(%.1f, %.1f, %.1f)\n",
			kind, l.Addr, l.ID, l.Position.X, l.Position.Y, l.Position.Z); err != nil {
			return err
		}
		for _, c := range l.Contents {
			if _, err := fmt.Fprintf(w, "  - %s\n", c); err != nil {
				return err
			}
		}
	}
	return nil
}
