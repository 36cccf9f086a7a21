package partition

import (
	"context"
	"math/rand/v2"
	"testing"
	"testing/synctest"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/testutils"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tagPtr scatter.Tag = iota
	tagValue
)

const itemBase = transport.Address(0x10_0000)

type output struct {
	Idx   scatter.EntityIndex
	Value uint32
}

// writeItems lays out n two-hop items: item i at itemBase+i*8 points at a node whose +0x8 holds a
// value. Roughly missRate of the items hold a null pointer.
func writeItems(prng *rand.Rand, img *transport.Image, n int, missRate float64) []transport.Address {
	const nodeBase = transport.Address(0x80_0000)
	addrs := make([]transport.Address, n)
	for i := range n {
		addrs[i] = itemBase + transport.Address(i*8)
		node := nodeBase + transport.Address(i*0x10)
		if testutils.RandBool(prng, missRate) {
			img.WritePtr(addrs[i], 0)
			continue
		}
		img.WritePtr(addrs[i], node)
		img.WriteU32(node+8, uint32(i)^0x5a5a) //nolint:gosec // small test values
	}
	return addrs
}

func build(_ context.Context, p *scatter.Pipeline, b Batch[transport.Address], emit func(output)) error {
	for i, addr := range b.Items {
		idx := b.Index(i)
		scatter.Add[uint64](p.Round(1), idx, tagPtr, addr)
		p.Round(1).OnComplete(idx, func(v scatter.ResultView) {
			ptr, ok := scatter.TryPointer(v, tagPtr)
			if !ok {
				return
			}
			scatter.Add[uint32](p.Round(2), idx, tagValue, ptr.Add(8))
			p.Round(2).OnComplete(idx, func(v scatter.ResultView) {
				val, ok := scatter.TryGet[uint32](v, tagValue)
				if !ok {
					return
				}
				p.OnFinished(func() { emit(output{idx, val}) })
			})
		})
	}
	return nil
}

func newPool(t *testing.T, tr transport.Transport) *scatter.Pool {
	t.Helper()
	pool, err := scatter.NewPool(tr, scatter.PoolOptions{Rounds: 2, MaxIdle: 8, SampleWindow: 16})
	require.NoError(t, err)
	return pool
}

func TestCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Count(0, 400))
	assert.Equal(t, 1, Count(1, 400))
	assert.Equal(t, 1, Count(400, 400))
	assert.Equal(t, 2, Count(401, 400))
	assert.Equal(t, 3, Count(1200, 400))
	assert.Equal(t, 0, Count(10, 0))
}

func TestBatch_Index(t *testing.T) {
	t.Parallel()

	b := Batch[int]{Number: 2, Offset: 800, Items: make([]int, 5)}
	assert.Equal(t, scatter.EntityIndex(800), b.Index(0))
	assert.Equal(t, scatter.EntityIndex(804), b.Index(4))
}

func TestRun_Empty(t *testing.T) {
	t.Parallel()

	counter := transport.NewCounting(transport.NewImage())
	out, err := Run(context.Background(), newPool(t, counter), nil, Options{BatchSize: 4, MaxParallel: 2}, build)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)
	assert.Zero(t, counter.Transactions())
}

// -------------------------------------------------------------------------------------------------
// Partitioned versus unpartitioned
// -------------------------------------------------------------------------------------------------
// For random entity counts, batch sizes and parallelism, a partitioned run emits exactly what a
// single pipeline over the whole input emits, in the same order, and issues ⌈L/B⌉ transactions
// per round.
// -------------------------------------------------------------------------------------------------

func TestRun_MatchesUnpartitioned(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const (
		opsMax      = 1 << 5
		entitiesMax = 1000
	)

	for range opsMax {
		n := prng.IntN(entitiesMax) + 1
		img := transport.NewImage()
		items := writeItems(prng, img, n, 0.15)
		opts := Options{
			BatchSize:   testutils.RandRange(prng, 1, 300),
			MaxParallel: testutils.RandRange(prng, 1, 8),
		}

		single := scatter.NewPipeline(img, 2)
		var want []output
		require.NoError(t, build(context.Background(), single, Batch[transport.Address]{Items: items},
			func(o output) { want = append(want, o) }))
		require.NoError(t, single.Execute(context.Background()))

		counter := transport.NewCounting(img)
		got, err := Run(context.Background(), newPool(t, counter), items, opts, build)
		require.NoError(t, err)
		assert.Equal(t, want, got, "n=%d batch=%d parallel=%d", n, opts.BatchSize, opts.MaxParallel)

		batches := int64(Count(n, opts.BatchSize))
		assert.LessOrEqual(t, counter.Transactions(), 2*batches)
		assert.GreaterOrEqual(t, counter.Transactions(), batches)
	}
}

func TestRun_BoundedParallelism(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	img := transport.NewImage()
	items := writeItems(prng, img, 256, 0)
	// Counting sits above Serial so callers waiting on the channel count as in flight.
	counter := transport.NewCounting(transport.NewSerial(img, time.Millisecond))

	const parallel = 3
	out, err := Run(context.Background(), newPool(t, counter), items, Options{BatchSize: 16, MaxParallel: parallel}, build)
	require.NoError(t, err)
	assert.Len(t, out, 256)
	assert.LessOrEqual(t, counter.MaxInFlight(), int64(parallel))
	assert.Equal(t, int64(32), counter.Transactions())
}

func TestRun_TransportFailureDiscardsEverything(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	img := transport.NewImage()
	items := writeItems(prng, img, 100, 0)
	poison := items[57]
	failing := transport.Func(func(reqs []transport.Request) ([]transport.Outcome, error) {
		for _, r := range reqs {
			if r.Addr == poison {
				return nil, transport.ErrDeviceUnavailable
			}
		}
		return img.ReadBatch(reqs)
	})

	out, err := Run(context.Background(), newPool(t, failing), items, Options{BatchSize: 10, MaxParallel: 4}, build)
	require.Error(t, err)
	assert.True(t, eris.Is(err, transport.ErrDeviceUnavailable))
	assert.Nil(t, out, "no partial merge")
}

func TestRun_BuildError(t *testing.T) {
	t.Parallel()

	img := transport.NewImage()
	errBad := eris.New("bad batch")
	fn := func(ctx context.Context, p *scatter.Pipeline, b Batch[transport.Address], emit func(output)) error {
		if b.Number == 1 {
			return errBad
		}
		return build(ctx, p, b, emit)
	}
	items := make([]transport.Address, 30)
	out, err := Run(context.Background(), newPool(t, img), items, Options{BatchSize: 10, MaxParallel: 1}, fn)
	assert.True(t, eris.Is(err, errBad))
	assert.Nil(t, out)
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("already canceled", func(t *testing.T) {
		t.Parallel()

		counter := transport.NewCounting(transport.NewImage())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out, err := Run(ctx, newPool(t, counter), make([]transport.Address, 10), Options{BatchSize: 2, MaxParallel: 2}, build)
		assert.True(t, scatter.IsCanceled(err))
		assert.Nil(t, out)
		assert.Zero(t, counter.Transactions())
	})

	t.Run("during a batch", func(t *testing.T) {
		t.Parallel()
		prng := testutils.NewRand(t)

		img := transport.NewImage()
		items := writeItems(prng, img, 50, 0)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fn := func(ctx context.Context, p *scatter.Pipeline, b Batch[transport.Address], emit func(output)) error {
			if err := build(ctx, p, b, emit); err != nil {
				return err
			}
			if b.Number == 0 {
				p.Round(1).OnComplete(b.Index(0), func(scatter.ResultView) { cancel() })
			}
			return nil
		}
		out, err := Run(ctx, newPool(t, img), items, Options{BatchSize: 10, MaxParallel: 1}, fn)
		require.Error(t, err)
		assert.True(t, scatter.IsCanceled(err))
		assert.Nil(t, out)
	})
}

func TestResolve(t *testing.T) {
	t.Setenv("SCATTER_BATCH_SIZE", "128")
	t.Setenv("SCATTER_MAX_PARALLEL", "2")

	opts, err := Resolve(Options{})
	require.NoError(t, err)
	assert.Equal(t, 128, opts.BatchSize)
	assert.Equal(t, 2, opts.MaxParallel)
	assert.NotNil(t, opts.Logger)

	opts, err = Resolve(Options{BatchSize: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, opts.BatchSize)

	_, err = Resolve(Options{BatchSize: -1})
	require.Error(t, err)

	t.Setenv("SCATTER_MAX_PARALLEL", "0")
	_, err = Resolve(Options{})
	require.Error(t, err)
}

func TestSink(t *testing.T) {
	t.Parallel()

	var s Sink[int]
	done := make(chan struct{})
	for w := range 4 {
		go func() {
			for i := range 100 {
				s.Push(w*100 + i)
			}
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
	assert.Equal(t, 400, s.Len())

	var out []int
	s.Drain(&out)
	assert.Len(t, out, 400)
	assert.Zero(t, s.Len())
	s.Push(1)
	s.Drain(&out)
	assert.Len(t, out, 401)
}

// One batch at a time over a slow channel costs rounds × batches × latency. Parallel batches would
// wait on the channel's mutex, which the fake clock does not treat as blocked.
func TestRun_SerialChannelLatency(t *testing.T) {
	prng := testutils.NewRand(t)
	img := transport.NewImage()
	items := writeItems(prng, img, 100, 0)

	synctest.Test(t, func(t *testing.T) {
		const latency = 10 * time.Millisecond
		pool := newPool(t, transport.NewSerial(img, latency))

		start := time.Now()
		out, err := Run(context.Background(), pool, items, Options{BatchSize: 25, MaxParallel: 1}, build)
		require.NoError(t, err)
		assert.Len(t, out, 100)
		assert.Equal(t, 2*4*latency, time.Since(start))
	})
}
