package scatter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/assert"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

// Pool hands out reset pipelines that share one transport. Reuse only saves allocations: a pooled
// pipeline behaves exactly like a new one. Safe for concurrent use.
type Pool struct {
	transport transport.Transport
	opts      PoolOptions

	mu   sync.Mutex
	idle []*Pipeline

	allocated atomic.Int64
	reused    atomic.Int64
	samples   *window
}

// NewPool creates a pool. Values missing from opts are read from the environment
// (SCATTER_ROUNDS, SCATTER_POOL_IDLE, SCATTER_SAMPLE_WINDOW).
func NewPool(t transport.Transport, opts PoolOptions) (*Pool, error) {
	cfg, err := loadPoolConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load pool config")
	}

	options := newDefaultPoolOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid pool options")
	}

	return &Pool{
		transport: t,
		opts:      options,
		idle:      make([]*Pipeline, 0, options.MaxIdle),
		samples:   newWindow(options.SampleWindow),
	}, nil
}

// Rounds returns the number of rounds of every pipeline handed out.
func (p *Pool) Rounds() int { return p.opts.Rounds }

// Transport returns the transport pipelines read through.
func (p *Pool) Transport() transport.Transport { return p.transport }

// Acquire returns a reset pipeline. Pair every Acquire with a Release.
func (p *Pool) Acquire() *Pipeline {
	p.mu.Lock()
	var pipe *Pipeline
	if n := len(p.idle); n > 0 {
		pipe = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if pipe == nil {
		pipe = NewPipeline(p.transport, p.opts.Rounds, p.opts.pipelineOptions()...)
		pipe.pool = p
		p.allocated.Add(1)
	} else {
		p.reused.Add(1)
	}

	pipe.Reset()
	pipe.leased = true
	return pipe
}

// Release records the pipeline's last execution and returns it to the pool. Releasing a pipeline
// that is not leased from this pool is a no-op.
func (p *Pool) Release(pipe *Pipeline) {
	if pipe == nil || pipe.pool != p || !pipe.leased {
		assert.That(false, "scatter: release of a pipeline not leased from this pool")
		return
	}
	pipe.leased = false
	if pipe.Executed() {
		p.samples.record(pipe.Stats())
	}
	// Drop closures and decoded values now rather than at the next Acquire.
	pipe.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.opts.MaxIdle {
		p.idle = append(p.idle, pipe)
	}
}

// Do acquires a pipeline, lets build populate it, executes it and releases it. Errors from build
// are returned without executing.
func (p *Pool) Do(ctx context.Context, build func(*Pipeline) error) (Stats, error) {
	pipe := p.Acquire()
	defer p.Release(pipe)

	if err := build(pipe); err != nil {
		return Stats{}, err
	}
	if err := pipe.Execute(ctx); err != nil {
		return pipe.Stats(), err
	}
	return pipe.Stats(), nil
}

// PoolStats summarizes pool usage.
type PoolStats struct {
	Allocated int64 // Pipelines created
	Reused    int64 // Acquires served from the idle list
	Idle      int   // Pipelines currently idle
	Executed  uint64
	Recent    Stats // Sum over the retained sample window
	Window    int   // Number of samples summed in Recent
}

// Stats returns a summary of pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	sum, n, executed := p.samples.totals()
	return PoolStats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Idle:      idle,
		Executed:  executed,
		Recent:    sum,
		Window:    n,
	}
}

// Recent appends the retained execution samples to dst[:0], oldest first.
func (p *Pool) Recent(dst []Stats) []Stats {
	return p.samples.appendTo(dst[:0])
}
