package scatter

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/assert"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type pipelineState uint8

const (
	stateIdle pipelineState = iota
	stateRunning
	stateDone
)

// Pipeline is an ordered, fixed list of rounds plus a completion queue. See the package
// documentation for the execution model.
type Pipeline struct {
	transport transport.Transport
	logger    zerolog.Logger
	tracer    trace.Tracer

	rounds   []Round
	finished []func()
	void     Round // returned for out-of-range round numbers; always sealed
	state    pipelineState
	sealed   bool // completion queue no longer accepts work
	stats    Stats

	// Reused across executions.
	reqs  []transport.Request
	index map[transport.Request]int
	seen  map[EntityIndex]struct{}

	pool   *Pool
	leased bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for debug output. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTracer sets the tracer used for execution spans. The default is a no-op tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// NewPipeline creates a pipeline with the given number of rounds reading through t.
func NewPipeline(t transport.Transport, rounds int, opts ...Option) *Pipeline {
	assert.That(rounds > 0, "scatter: pipeline needs at least one round, got %d", rounds)
	rounds = max(rounds, 1)

	p := &Pipeline{
		transport: t,
		logger:    zerolog.Nop(),
		tracer:    noop.NewTracerProvider().Tracer("scatter"),
		rounds:    make([]Round, rounds),
		index:     make(map[transport.Request]int),
		seen:      make(map[EntityIndex]struct{}),
	}
	for i := range p.rounds {
		p.rounds[i] = newRound(p, i+1)
	}
	p.void = newRound(p, 0)
	p.void.sealed = true
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Round returns round k, 1-indexed. Asking for a round outside 1..Rounds() is a programming error;
// release builds get a sealed round that ignores all work.
func (p *Pipeline) Round(k int) *Round {
	if k < 1 || k > len(p.rounds) {
		assert.That(false, "scatter: round %d out of range 1..%d", k, len(p.rounds))
		return &p.void
	}
	return &p.rounds[k-1]
}

// Rounds returns the number of rounds.
func (p *Pipeline) Rounds() int { return len(p.rounds) }

// OnFinished appends fn to the completion queue. The queue runs once, in registration order, after
// every round's transaction completed. It does not run when Execute fails or is canceled.
func (p *Pipeline) OnFinished(fn func()) {
	if p.sealed {
		p.reject(nil, 0, "completion after the queue ran")
		return
	}
	p.finished = append(p.finished, fn)
}

// Stats returns the statistics of the last execution.
func (p *Pipeline) Stats() Stats { return p.stats }

// Executed reports whether Execute has been called since the last reset.
func (p *Pipeline) Executed() bool { return p.state != stateIdle }

// Execute drives every round in order and then the completion queue. It returns a wrapped transport
// error when a transaction fails as a whole and ErrCanceled when ctx is done; in both cases the
// completion queue is skipped. Per-address misses are never errors.
func (p *Pipeline) Execute(ctx context.Context) error {
	if p.state != stateIdle {
		return eris.Wrap(ErrAlreadyExecuted, "reset the pipeline before executing it again")
	}
	p.state = stateRunning
	start := time.Now()
	defer func() {
		p.state = stateDone
		p.stats.Entities = p.countEntities()
		p.stats.Duration = time.Since(start)
	}()

	ctx, span := p.tracer.Start(ctx, "scatter.execute",
		trace.WithAttributes(attribute.Int("scatter.rounds", len(p.rounds))))
	defer span.End()

	for k := range p.rounds {
		r := &p.rounds[k]
		r.sealed = true

		if err := ctx.Err(); err != nil {
			return p.canceled(ctx, span, r.number, err)
		}
		if err := p.transact(r, span); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Debug().Ctx(ctx).Int("round", r.number).Err(err).Msg("round transaction failed")
			return eris.Wrapf(err, "round %d transaction failed", r.number)
		}
		if err := p.dispatch(ctx, r); err != nil {
			return p.canceled(ctx, span, r.number, err)
		}
	}

	p.sealed = true
	if err := ctx.Err(); err != nil {
		return p.canceled(ctx, span, len(p.rounds)+1, err)
	}
	for _, fn := range p.finished {
		fn()
	}
	p.stats.Completions = len(p.finished)

	span.SetAttributes(
		attribute.Int("scatter.transactions", p.stats.Transactions),
		attribute.Int("scatter.requests", p.stats.Requests),
		attribute.Int("scatter.misses", p.stats.Misses),
	)
	span.SetStatus(codes.Ok, "")
	p.logger.Trace().Ctx(ctx).
		Int("transactions", p.stats.Transactions).
		Int("requests", p.stats.Requests).
		Int("misses", p.stats.Misses).
		Int("continuations", p.stats.Continuations).
		Dur("elapsed", time.Since(start)).
		Msg("pipeline executed")
	return nil
}

// transact flattens every slot of r into one transaction and decodes the outcomes. Identical
// (address, size) pairs share a single request.
func (p *Pipeline) transact(r *Round, span trace.Span) error {
	if r.Empty() {
		return nil
	}

	p.reqs = p.reqs[:0]
	clear(p.index)
	coalesced := 0
	for gi := range r.groups {
		g := &r.groups[gi]
		for si := range g.slots {
			s := &g.slots[si]
			req := transport.Request{Addr: s.Addr, Size: s.Size}
			j, ok := p.index[req]
			if ok {
				coalesced++
			} else {
				j = len(p.reqs)
				p.index[req] = j
				p.reqs = append(p.reqs, req)
			}
			s.req = j
		}
	}

	out, err := p.transport.ReadBatch(p.reqs)
	p.stats.Transactions++
	p.stats.Requests += len(p.reqs)
	p.stats.Slots += r.nslots
	p.stats.Coalesced += coalesced
	if err != nil {
		return err
	}
	if len(out) != len(p.reqs) {
		return eris.Wrapf(ErrShortBatch, "sent %d requests, got %d outcomes", len(p.reqs), len(out))
	}

	misses := 0
	for gi := range r.groups {
		g := &r.groups[gi]
		for si := range g.slots {
			s := &g.slots[si]
			o := out[s.req]
			if !o.OK || len(o.Data) < s.Size {
				misses++
				continue
			}
			if s.decode == nil {
				s.data, s.ok = o.Data[:s.Size], true
				continue
			}
			s.value, s.ok = s.decode(o.Data[:s.Size])
			if !s.ok {
				misses++
			}
		}
	}
	p.stats.Misses += misses

	span.AddEvent("round", trace.WithAttributes(
		attribute.Int("scatter.round", r.number),
		attribute.Int("scatter.entities", r.Len()),
		attribute.Int("scatter.requests", len(p.reqs)),
		attribute.Int("scatter.misses", misses),
	))
	return nil
}

// dispatch runs r's continuations in registration order. ctx is checked before every entity.
func (p *Pipeline) dispatch(ctx context.Context, r *Round) error {
	for _, c := range r.conts {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.fn(ResultView{round: r, g: &r.groups[c.group]})
		p.stats.Continuations++
	}
	return nil
}

func (p *Pipeline) canceled(ctx context.Context, span trace.Span, round int, cause error) error {
	span.SetAttributes(attribute.Bool("scatter.canceled", true))
	p.logger.Debug().Ctx(ctx).Int("round", round).Err(cause).Msg("pipeline canceled")
	return eris.Wrapf(ErrCanceled, "at round %d: %v", round, cause)
}

// reject records caller misuse. The work is dropped so that earlier results are never disturbed.
func (p *Pipeline) reject(r *Round, idx EntityIndex, reason string) {
	p.stats.Rejected++
	ev := p.logger.Debug().Uint32("entity", uint32(idx)).Str("reason", reason)
	if r != nil {
		ev = ev.Int("round", r.number)
	}
	ev.Msg("rejected pipeline work")
}

// countEntities returns the number of distinct entities that added a slot to any round.
func (p *Pipeline) countEntities() int {
	clear(p.seen)
	for k := range p.rounds {
		r := &p.rounds[k]
		for gi := range r.groups {
			if len(r.groups[gi].slots) > 0 {
				p.seen[r.groups[gi].idx] = struct{}{}
			}
		}
	}
	return len(p.seen)
}

// Reset clears every round and the completion queue so the pipeline can be executed again. Storage
// is kept.
func (p *Pipeline) Reset() {
	for k := range p.rounds {
		p.rounds[k].reset()
	}
	p.void.reset()
	p.void.sealed = true
	clear(p.finished)
	p.finished = p.finished[:0]
	p.state = stateIdle
	p.sealed = false
	p.stats = Stats{}
}
