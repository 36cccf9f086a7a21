package scatter

import (
	"encoding/binary"

	"github.com/kelindar/bitmap"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/assert"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

// ReadSlot is a single read registered in a round. The decoded value lives only until the pipeline is
// reset.
type ReadSlot struct {
	Tag  Tag
	Addr transport.Address
	Size int

	decode func([]byte) (any, bool) // nil for raw byte reads
	req    int                      // index into the round's flattened request list
	value  any
	data   []byte
	ok     bool
}

// OK reports whether the slot was read and decoded successfully.
func (s *ReadSlot) OK() bool { return s.ok }

// group holds one entity's slots for one round.
type group struct {
	idx   EntityIndex
	slots []ReadSlot
}

func (g *group) put(s ReadSlot) {
	for i := range g.slots {
		if g.slots[i].Tag == s.Tag {
			g.slots[i] = s // last write wins
			return
		}
	}
	g.slots = append(g.slots, s)
}

func (g *group) find(tag Tag) *ReadSlot {
	for i := range g.slots {
		if g.slots[i].Tag == tag {
			return &g.slots[i]
		}
	}
	return nil
}

type continuation struct {
	group int
	fn    func(ResultView)
}

// Round is one batched transaction stage of a Pipeline.
type Round struct {
	pipe   *Pipeline
	number int

	groups  []group
	lookup  map[EntityIndex]int
	members bitmap.Bitmap // group positions with at least one slot
	conts   []continuation
	nslots  int

	// sealed is set once execution reaches this round. A sealed round rejects new work.
	sealed bool
}

func newRound(p *Pipeline, number int) Round {
	return Round{
		pipe:   p,
		number: number,
		lookup: make(map[EntityIndex]int),
	}
}

// Number returns the 1-based position of the round in its pipeline.
func (r *Round) Number() int { return r.number }

// Has reports whether the entity added at least one slot to this round.
func (r *Round) Has(idx EntityIndex) bool {
	i, ok := r.lookup[idx]
	return ok && r.members.Contains(uint32(i)) //nolint:gosec // group positions are small
}

// Len returns the number of entities with at least one slot in this round.
func (r *Round) Len() int { return r.members.Count() }

// Slots returns the number of slots registered in this round.
func (r *Round) Slots() int { return r.nslots }

// Empty reports whether no entity added a slot to this round. Empty rounds still run their
// continuations but issue no transaction.
func (r *Round) Empty() bool { return r.nslots == 0 }

// Add registers a read of a fixed-size value of type T at addr. T must have a size known to
// encoding/binary (integers with explicit width, floats, bools, arrays and structs of those).
// Values are decoded little-endian. A second Add with the same tag for the same entity in the same
// round replaces the first.
func Add[T any](r *Round, idx EntityIndex, tag Tag, addr transport.Address) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		assert.That(false, "scatter: type %T has no fixed binary size", zero)
		r.pipe.reject(r, idx, "type has no fixed size")
		return
	}
	r.add(idx, ReadSlot{Tag: tag, Addr: addr, Size: size, decode: decodeAs[T]})
}

// AddBytes registers a raw read of size bytes at addr. The bytes are available through TryBytes and
// the string helpers.
func AddBytes(r *Round, idx EntityIndex, tag Tag, addr transport.Address, size int) {
	if size <= 0 {
		r.pipe.reject(r, idx, "non-positive read size")
		return
	}
	r.add(idx, ReadSlot{Tag: tag, Addr: addr, Size: size})
}

// OnComplete registers fn to run once after this round's transaction, before the next round's. fn
// receives the entity's own view of the round. Continuations run in registration order.
func (r *Round) OnComplete(idx EntityIndex, fn func(ResultView)) {
	if r.sealed {
		r.pipe.reject(r, idx, "continuation for an executed round")
		return
	}
	r.conts = append(r.conts, continuation{group: r.groupFor(idx), fn: fn})
}

func (r *Round) add(idx EntityIndex, s ReadSlot) {
	if r.sealed {
		r.pipe.reject(r, idx, "entry for an executed round")
		return
	}
	gi := r.groupFor(idx)
	g := &r.groups[gi]
	before := len(g.slots)
	g.put(s)
	r.nslots += len(g.slots) - before
	r.members.Set(uint32(gi)) //nolint:gosec // group positions are small
}

// groupFor returns the position of idx's group, creating it when needed. Truncated groups keep their
// slot storage so pooled pipelines do not reallocate.
func (r *Round) groupFor(idx EntityIndex) int {
	if i, ok := r.lookup[idx]; ok {
		return i
	}
	i := len(r.groups)
	if i < cap(r.groups) {
		r.groups = r.groups[:i+1]
		r.groups[i].idx = idx
		r.groups[i].slots = r.groups[i].slots[:0]
	} else {
		r.groups = append(r.groups, group{idx: idx})
	}
	r.lookup[idx] = i
	return i
}

// reset drops all work while keeping allocated storage.
func (r *Round) reset() {
	full := r.groups[:cap(r.groups)]
	for i := range full {
		clear(full[i].slots[:cap(full[i].slots)])
		full[i].slots = full[i].slots[:0]
	}
	r.groups = r.groups[:0]
	clear(r.lookup)
	r.members.Clear()
	clear(r.conts)
	r.conts = r.conts[:0]
	r.nslots = 0
	r.sealed = false
}

func decodeAs[T any](b []byte) (any, bool) {
	var v T
	if _, err := binary.Decode(b, binary.LittleEndian, &v); err != nil {
		return nil, false
	}
	return v, true
}
