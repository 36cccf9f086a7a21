// Package partition splits a large entity list into fixed-size batches, runs one pooled pipeline per
// batch with bounded parallelism, and merges the batch outputs in batch order.
//
// Batching bounds the size of a single transaction. Entity numbering is global: Batch.Index maps a
// batch-local position to the index the entity would have in a single unpartitioned pipeline, so
// partitioned and unpartitioned runs produce the same output.
package partition

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"golang.org/x/sync/errgroup"
)

// Batch is one contiguous slice of the input.
type Batch[T any] struct {
	Number int // 0-based position among all batches
	Offset int // Position of Items[0] in the full input
	Items  []T
}

// Index returns the global entity index of Items[i].
func (b Batch[T]) Index(i int) scatter.EntityIndex {
	return scatter.EntityIndex(b.Offset + i) //nolint:gosec // entity counts fit in uint32
}

// BuildFunc populates p with the work for batch b. Outputs are reported through emit, normally from
// the pipeline's completion queue. BuildFunc must not execute p.
type BuildFunc[T, R any] func(ctx context.Context, p *scatter.Pipeline, b Batch[T], emit func(R)) error

// Count returns the number of batches n items are split into.
func Count(n, batchSize int) int {
	if n <= 0 || batchSize <= 0 {
		return 0
	}
	return (n + batchSize - 1) / batchSize
}

// Run splits items into batches of opts.BatchSize, runs up to opts.MaxParallel of them at a time,
// and returns every emitted output in batch order. Outputs are merged only after every batch
// succeeded: the first failure cancels the remaining batches and Run returns that error and no
// output. A done ctx yields an error for which scatter.IsCanceled reports true.
func Run[T, R any](
	ctx context.Context, pool *scatter.Pool, items []T, opts Options, fn BuildFunc[T, R],
) ([]R, error) {
	opts, err := Resolve(opts)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []R{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(scatter.ErrCanceled, "before partitioning: %v", err)
	}

	start := time.Now()
	n := Count(len(items), opts.BatchSize)
	sinks := make([]Sink[R], n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxParallel)
	for i := range n {
		lo := i * opts.BatchSize
		hi := min(lo+opts.BatchSize, len(items))
		batch := Batch[T]{Number: i, Offset: lo, Items: items[lo:hi]}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrapf(scatter.ErrCanceled, "batch %d not started: %v", batch.Number, err)
			}
			return runBatch(gctx, pool, batch, &sinks[batch.Number], fn)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !scatter.IsCanceled(err) {
			err = eris.Wrapf(scatter.ErrCanceled, "%v", err)
		}
		opts.Logger.Debug().Ctx(ctx).Err(err).Int("batches", n).Msg("partitioned run failed")
		return nil, err
	}

	total := 0
	for i := range sinks {
		total += sinks[i].Len()
	}
	out := make([]R, 0, total)
	for i := range sinks {
		sinks[i].Drain(&out)
	}

	opts.Logger.Debug().Ctx(ctx).
		Int("entities", len(items)).
		Int("batches", n).
		Int("outputs", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("partitioned run finished")
	return out, nil
}

func runBatch[T, R any](
	ctx context.Context, pool *scatter.Pool, batch Batch[T], sink *Sink[R], fn BuildFunc[T, R],
) error {
	p := pool.Acquire()
	defer pool.Release(p)

	if err := fn(ctx, p, batch, sink.Push); err != nil {
		return eris.Wrapf(err, "batch %d build failed", batch.Number)
	}
	if err := p.Execute(ctx); err != nil {
		return eris.Wrapf(err, "batch %d failed", batch.Number)
	}
	return nil
}
