package snapshot

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

const (
	tagProfile scatter.Tag = iota
	tagTransform
	tagSide
	tagNamePtr
	tagPosition
	tagRotation
	tagNameLen
	tagNameChars
)

// ReadPlayers reads every player in a single three-round pipeline. Players whose chain misses are
// left out; the rest keep list order.
func ReadPlayers(ctx context.Context, pool *scatter.Pool, layout *Layout, addrs []transport.Address) ([]Player, error) {
	if err := requireRounds(pool, playerRounds); err != nil {
		return nil, err
	}

	players := make([]Player, 0, len(addrs))
	_, err := pool.Do(ctx, func(p *scatter.Pipeline) error {
		for i, addr := range addrs {
			if err := checkCanceled(ctx, scatter.EntityIndex(i)); err != nil { //nolint:gosec // bounded by MaxList
				return err
			}
			addPlayer(p, layout, scatter.EntityIndex(i), addr, func(pl Player) { //nolint:gosec // bounded by MaxList
				players = append(players, pl)
			})
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to read players")
	}
	return players, nil
}

func addPlayer(p *scatter.Pipeline, layout *Layout, idx scatter.EntityIndex, addr transport.Address, emit func(Player)) {
	l := &layout.Player
	r1, r2, r3 := p.Round(1), p.Round(2), p.Round(3)

	scatter.Add[uint64](r1, idx, tagProfile, addr.Add(l.Profile))
	scatter.Add[uint64](r1, idx, tagTransform, addr.Add(l.Transform))
	scatter.Add[int32](r1, idx, tagSide, addr.Add(l.Side))
	r1.OnComplete(idx, func(v scatter.ResultView) {
		profile, ok := scatter.TryPointer(v, tagProfile)
		if !ok {
			return
		}
		transform, ok := scatter.TryPointer(v, tagTransform)
		if !ok {
			return
		}
		side, ok := scatter.TryGet[int32](v, tagSide)
		if !ok {
			return
		}
		pl := Player{Addr: addr, Side: side}

		scatter.Add[uint64](r2, idx, tagNamePtr, profile.Add(l.Name))
		scatter.Add[Vec3](r2, idx, tagPosition, transform.Add(l.Position))
		scatter.Add[[2]float32](r2, idx, tagRotation, transform.Add(l.Rotation))
		r2.OnComplete(idx, func(v scatter.ResultView) {
			name, ok := scatter.TryPointer(v, tagNamePtr)
			if !ok {
				return
			}
			if pl.Position, ok = scatter.TryGet[Vec3](v, tagPosition); !ok {
				return
			}
			if pl.Rotation, ok = scatter.TryGet[[2]float32](v, tagRotation); !ok {
				return
			}

			addString(r3, &layout.String, idx, tagNameLen, tagNameChars, name, layout.Limits.MaxNameChars)
			r3.OnComplete(idx, func(v scatter.ResultView) {
				if pl.Name, ok = readString(v, tagNameLen, tagNameChars, layout.Limits.MaxNameChars); !ok {
					return
				}
				p.OnFinished(func() { emit(pl) })
			})
		})
	})
}
