package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/partition"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Roots are the list headers a refresh starts from.
type Roots struct {
	Players uint64 `yaml:"players" json:"players"`
	Loot    uint64 `yaml:"loot" json:"loot"`
}

// Refresher produces frames. One refresh runs at a time per Refresher.
type Refresher struct {
	pool      *scatter.Pool
	layout    Layout
	roots     Roots
	tracker   *Tracker
	partition partition.Options
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

func WithRefreshLogger(logger zerolog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = logger }
}

// WithRefreshTracer sets the tracer for refresh spans. A nil tracer keeps the no-op default.
func WithRefreshTracer(tracer trace.Tracer) RefresherOption {
	return func(r *Refresher) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithTracker shares first-seen state with other refreshers.
func WithTracker(t *Tracker) RefresherOption {
	return func(r *Refresher) { r.tracker = t }
}

func WithPartition(opts partition.Options) RefresherOption {
	return func(r *Refresher) { r.partition = opts }
}

// NewRefresher validates the layout and the pool's round count.
func NewRefresher(pool *scatter.Pool, layout Layout, roots Roots, opts ...RefresherOption) (*Refresher, error) {
	if err := layout.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid layout")
	}
	if err := requireRounds(pool, lootRounds); err != nil {
		return nil, err
	}
	r := &Refresher{
		pool:    pool,
		layout:  layout,
		roots:   roots,
		tracker: NewTracker(nil),
		logger:  zerolog.Nop(),
		tracer:  noop.NewTracerProvider().Tracer("snapshot"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tracker returns the first-seen state.
func (r *Refresher) Tracker() *Tracker { return r.tracker }

// Refresh reads both lists, then players and loot in parallel. Loot that disappeared from the list
// is forgotten by the tracker.
func (r *Refresher) Refresh(ctx context.Context) (Frame, error) {
	frame := Frame{Cycle: uuid.New(), Time: time.Now()}
	log := r.logger.With().Str("cycle", frame.Cycle.String()).Logger()

	ctx, span := r.tracer.Start(ctx, "snapshot.refresh",
		trace.WithAttributes(attribute.String("snapshot.cycle", frame.Cycle.String())))
	defer span.End()

	err := r.refresh(ctx, &frame)
	frame.Elapsed = time.Since(frame.Time)
	switch {
	case err == nil:
	case scatter.IsCanceled(err):
		log.Debug().Ctx(ctx).Err(err).Msg("refresh canceled")
		return Frame{}, err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Ctx(ctx).Err(err).Msg("refresh failed")
		return Frame{}, err
	}

	span.SetAttributes(
		attribute.Int("snapshot.players", len(frame.Players)),
		attribute.Int("snapshot.loot", len(frame.Loot)),
	)
	log.Debug().Ctx(ctx).
		Int("players", len(frame.Players)).
		Int("loot", len(frame.Loot)).
		Int("tracked", r.tracker.Len()).
		Dur("elapsed", frame.Elapsed).
		Msg("refresh finished")
	return frame, nil
}

func (r *Refresher) refresh(ctx context.Context, frame *Frame) error {
	lists, err := ReadLists(ctx, r.pool, &r.layout,
		transport.Address(r.roots.Players), transport.Address(r.roots.Loot))
	if err != nil {
		return err
	}
	players, loot := lists[0], lists[1]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		frame.Players, err = ReadPlayers(gctx, r.pool, &r.layout, players)
		return err
	})
	g.Go(func() error {
		var err error
		frame.Loot, err = ReadLoot(gctx, r.pool, &r.layout, loot, r.tracker, r.partition)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	r.tracker.Retain(loot)
	return nil
}
