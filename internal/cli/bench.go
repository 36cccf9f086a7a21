package cli

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/pkg/profile"
	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/snapshot"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"github.com/spf13/cobra"
)

// BenchOptions holds the bench command flags.
type BenchOptions struct {
	Players       int
	Loot          int
	ContainerRate float64
	BrokenRate    float64
	Latency       time.Duration
	Frames        int
	Seed          uint64
	Profile       string // "", "cpu" or "mem"
	ProfileDir    string
	Partition     PartitionFlags
}

// BenchResult summarizes a benchmark run.
type BenchResult struct {
	Frames       int           `json:"frames"`
	Players      int           `json:"players"`
	Loot         int           `json:"loot"`
	Transactions int64         `json:"transactions"`
	Requests     int64         `json:"requests"`
	Misses       int64         `json:"misses"`
	MaxInFlight  int64         `json:"max_in_flight"`
	Mean         time.Duration `json:"mean"`
	P50          time.Duration `json:"p50"`
	Max          time.Duration `json:"max"`
	Pipelines    int64         `json:"pipelines_allocated"`
	Reused       int64         `json:"pipelines_reused"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Refresh a synthetic world repeatedly over a slow transport",
		Long: `Synthesize a world image, wrap it in a transport that serializes transactions and
charges a fixed latency per transaction, and run a number of refresh cycles against it.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runBench(cmd, rootOpts, &opts)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(res)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Players, "players", 30, "players in the synthetic world")
	f.IntVar(&opts.Loot, "loot", 2000, "loot objects in the synthetic world")
	f.Float64Var(&opts.ContainerRate, "container-rate", 0.2, "fraction of loot that are containers")
	f.Float64Var(&opts.BrokenRate, "broken-rate", 0.02, "fraction of objects with broken pointer chains")
	f.DurationVar(&opts.Latency, "latency", 2*time.Millisecond, "per-transaction latency")
	f.IntVar(&opts.Frames, "frames", 10, "refresh cycles to run")
	f.Uint64Var(&opts.Seed, "seed", 1, "world generation seed")
	f.StringVar(&opts.Profile, "profile", "", "write a profile (cpu|mem)")
	f.StringVar(&opts.ProfileDir, "profile-dir", ".", "profile output directory")
	opts.Partition.register(cmd)

	return cmd
}

func (o *BenchOptions) validate() error {
	if o.Frames < 1 {
		return eris.New("frames must be at least 1")
	}
	if o.Latency < 0 {
		return eris.New("latency cannot be negative")
	}
	if !slices.Contains([]string{"", "cpu", "mem"}, o.Profile) {
		return eris.Errorf("invalid profile %q: must be cpu or mem", o.Profile)
	}
	return nil
}

func runBench(cmd *cobra.Command, rootOpts *RootOptions, opts *BenchOptions) (*BenchResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := rootOpts.logger("bench")

	layout := snapshot.DefaultLayout()
	img := transport.NewImage()
	prng := rand.New(rand.NewPCG(opts.Seed, opts.Seed)) //nolint:gosec // synthetic data
	world, err := snapshot.Synthesize(img, &layout, snapshot.SynthOptions{
		Players:       opts.Players,
		Loot:          opts.Loot,
		ContainerRate: opts.ContainerRate,
		BrokenRate:    opts.BrokenRate,
	}, prng)
	if err != nil {
		return nil, err
	}

	counter := transport.NewCounting(transport.NewSerial(img, opts.Latency))
	pool, err := scatter.NewPool(counter, scatter.PoolOptions{
		Rounds: snapshot.Rounds,
		Logger: &logger,
		Tracer: rootOpts.tracer("scatter"),
	})
	if err != nil {
		return nil, err
	}
	part := opts.Partition.options()
	part.Logger = &logger
	r, err := snapshot.NewRefresher(pool, layout, world.Roots,
		snapshot.WithRefreshLogger(logger),
		snapshot.WithRefreshTracer(rootOpts.tracer("snapshot")),
		snapshot.WithPartition(part))
	if err != nil {
		return nil, err
	}

	switch opts.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(opts.ProfileDir), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath(opts.ProfileDir), profile.NoShutdownHook).Stop()
	}

	durations := make([]time.Duration, 0, opts.Frames)
	res := &BenchResult{Frames: opts.Frames}
	for i := range opts.Frames {
		frame, err := r.Refresh(cmd.Context())
		if err != nil {
			return nil, eris.Wrapf(err, "frame %d", i)
		}
		durations = append(durations, frame.Elapsed)
		res.Players, res.Loot = len(frame.Players), len(frame.Loot)
		if len(frame.Players) != len(world.Players) || len(frame.Loot) != len(world.Loot) {
			logger.Warn().
				Int("players", len(frame.Players)).
				Int("want_players", len(world.Players)).
				Int("loot", len(frame.Loot)).
				Int("want_loot", len(world.Loot)).
				Msg("frame does not match the synthesized world")
		}
	}

	slices.Sort(durations)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	res.Mean = total / time.Duration(len(durations))
	res.P50 = durations[len(durations)/2]
	res.Max = durations[len(durations)-1]
	res.Transactions = counter.Transactions()
	res.Requests = counter.Requests()
	res.Misses = counter.Misses()
	res.MaxInFlight = counter.MaxInFlight()
	ps := pool.Stats()
	res.Pipelines, res.Reused = ps.Allocated, ps.Reused
	return res, nil
}

func (b *BenchResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, `frames        %d
players       %d
loot          %d
transactions  %d (%.1f per frame)
requests      %d
misses        %d
max in flight %d
frame time    mean %s, p50 %s, max %s
pipelines     %d allocated, %d reused
`,
		b.Frames, b.Players, b.Loot,
		b.Transactions, float64(b.Transactions)/float64(b.Frames),
		b.Requests, b.Misses, b.MaxInFlight,
		b.Mean, b.P50, b.Max,
		b.Pipelines, b.Reused)
	return err
}
