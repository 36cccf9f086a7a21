// Package snapshot reads a world snapshot (player and loot lists) through scatter pipelines.
//
// Every builder expresses its pointer chain as rounds: all entities' first hops travel in one
// transaction, all second hops in the next, and so on. Players need three transactions, loot at most
// eight, regardless of how many objects exist.
package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

// Rounds is the pipeline length a Refresher needs.
const Rounds = lootRounds

const (
	listRounds   = 2
	playerRounds = 3
	lootRounds   = 8
)

// ErrTooFewRounds is returned when a pool's pipelines are too short for a builder.
var ErrTooFewRounds = eris.New("pool pipelines have too few rounds")

type Vec3 struct {
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
	Z float32 `json:"z" yaml:"z"`
}

type Player struct {
	Addr     transport.Address `json:"addr"`
	Name     string            `json:"name"`
	Side     int32             `json:"side"`
	Position Vec3              `json:"position"`
	Rotation [2]float32        `json:"rotation"`
}

type Loot struct {
	Addr      transport.Address `json:"addr"`
	ID        string            `json:"id"`
	Position  Vec3              `json:"position"`
	Container bool              `json:"container"`
	Contents  []string          `json:"contents,omitempty"`
	FirstSeen time.Time         `json:"first_seen"`
}

// Frame is the result of one refresh cycle.
type Frame struct {
	Cycle   uuid.UUID     `json:"cycle"`
	Time    time.Time     `json:"time"`
	Players []Player      `json:"players"`
	Loot    []Loot        `json:"loot"`
	Elapsed time.Duration `json:"elapsed"`
}

func requireRounds(pool *scatter.Pool, need int) error {
	if pool.Rounds() < need {
		return eris.Wrapf(ErrTooFewRounds, "need %d, have %d", need, pool.Rounds())
	}
	return nil
}

// checkCanceled reports a done ctx while a pipeline is being populated.
func checkCanceled(ctx context.Context, idx scatter.EntityIndex) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(scatter.ErrCanceled, "populating entity %d: %v", idx, err)
	}
	return nil
}

// addString queues the length and characters of the string object at ptr.
func addString(r *scatter.Round, l *StringLayout, idx scatter.EntityIndex, tagLen, tagChars scatter.Tag,
	ptr transport.Address, maxChars int) {
	scatter.Add[int32](r, idx, tagLen, ptr.Add(l.Length))
	scatter.AddBytes(r, idx, tagChars, ptr.Add(l.Chars), maxChars*2)
}

// readString decodes a string queued with addString. Lengths above maxChars are truncated.
func readString(v scatter.ResultView, tagLen, tagChars scatter.Tag, maxChars int) (string, bool) {
	n, ok := scatter.TryGet[int32](v, tagLen)
	if !ok || n < 0 {
		return "", false
	}
	return scatter.TryUTF16(v, tagChars, min(int(n), maxChars))
}
