package snapshot

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/partition"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

const (
	tagItem scatter.Tag = iota
	tagClass
	tagLootPosition
	tagTemplate
	tagClassName
	tagIDPtr
	tagGrid
	tagIDLen
	tagIDChars
	tagGridItems
	tagGridCount
	tagChildren

	// Per-child tags are tagChild + 4*j + k.
	tagChild
)

const (
	childTemplate scatter.Tag = iota
	childIDPtr
	childIDLen
	childIDChars
)

func childTag(j int, k scatter.Tag) scatter.Tag {
	return tagChild + scatter.Tag(4*j) + k //nolint:gosec // j bounded by MaxContents
}

// ReadLoot reads the loot objects at addrs, partitioned into batches that run in parallel. Items keep
// the order of addrs. Every emitted item is stamped with its first-seen time from tracker once all
// batches succeeded.
func ReadLoot(
	ctx context.Context, pool *scatter.Pool, layout *Layout, addrs []transport.Address,
	tracker *Tracker, opts partition.Options,
) ([]Loot, error) {
	if err := requireRounds(pool, lootRounds); err != nil {
		return nil, err
	}
	loot, err := partition.Run(ctx, pool, addrs, opts, lootBuilder(layout))
	if err != nil {
		return nil, eris.Wrap(err, "failed to read loot")
	}
	for i := range loot {
		loot[i].FirstSeen = tracker.Observe(loot[i].Addr)
	}
	return loot, nil
}

func lootBuilder(layout *Layout) partition.BuildFunc[transport.Address, Loot] {
	return func(ctx context.Context, p *scatter.Pipeline, b partition.Batch[transport.Address], emit func(Loot)) error {
		for i, addr := range b.Items {
			if err := checkCanceled(ctx, b.Index(i)); err != nil {
				return err
			}
			addLoot(p, layout, b.Index(i), addr, emit)
		}
		return nil
	}
}

// addLoot expresses the loot chain:
//
//	r1 item, class, position
//	r2 template, class name
//	r3 id string pointer (+ grid pointer for containers)
//	r4 id string (+ grid header)
//	r5 child array
//	r6 child templates
//	r7 child id string pointers
//	r8 child id strings
//
// Each entity queues its completion entry before any round runs, so items leave the queue in entity
// order. The entry emits only if the chain reached its end.
func addLoot(p *scatter.Pipeline, layout *Layout, idx scatter.EntityIndex, addr transport.Address, emit func(Loot)) {
	l := &layout.Loot
	lim := &layout.Limits
	r := func(k int) *scatter.Round { return p.Round(k) }
	var (
		loot Loot
		done bool
	)
	finish := func() { done = true }
	p.OnFinished(func() {
		if done {
			emit(loot)
		}
	})

	scatter.Add[uint64](r(1), idx, tagItem, addr.Add(l.Item))
	scatter.Add[uint64](r(1), idx, tagClass, addr.Add(l.Class))
	scatter.Add[Vec3](r(1), idx, tagLootPosition, addr.Add(l.Position))
	r(1).OnComplete(idx, func(v scatter.ResultView) {
		item, ok := scatter.TryPointer(v, tagItem)
		if !ok {
			return
		}
		class, ok := scatter.TryPointer(v, tagClass)
		if !ok {
			return
		}
		pos, ok := scatter.TryGet[Vec3](v, tagLootPosition)
		if !ok {
			return
		}
		loot = Loot{Addr: addr, Position: pos}

		scatter.Add[uint64](r(2), idx, tagTemplate, item.Add(l.Template))
		scatter.AddBytes(r(2), idx, tagClassName, class.Add(l.ClassName), lim.ClassNameSize)
		r(2).OnComplete(idx, func(v scatter.ResultView) {
			template, ok := scatter.TryPointer(v, tagTemplate)
			if !ok {
				return
			}
			name, ok := scatter.TryString(v, tagClassName)
			if !ok {
				return
			}
			loot.Container = name == l.ContainerClass

			scatter.Add[uint64](r(3), idx, tagIDPtr, template.Add(l.ID))
			if loot.Container {
				scatter.Add[uint64](r(3), idx, tagGrid, item.Add(l.Grid))
			}
			r(3).OnComplete(idx, func(v scatter.ResultView) {
				id, ok := scatter.TryPointer(v, tagIDPtr)
				if !ok {
					return
				}
				addString(r(4), &layout.String, idx, tagIDLen, tagIDChars, id, lim.MaxIDChars)
				grid, hasGrid := scatter.TryPointer(v, tagGrid)
				if hasGrid {
					scatter.Add[uint64](r(4), idx, tagGridItems, grid.Add(l.GridItems))
					scatter.Add[int32](r(4), idx, tagGridCount, grid.Add(l.GridCount))
				}
				r(4).OnComplete(idx, func(v scatter.ResultView) {
					if loot.ID, ok = readString(v, tagIDLen, tagIDChars, lim.MaxIDChars); !ok {
						return
					}
					array, ok := scatter.TryPointer(v, tagGridItems)
					count, _ := scatter.TryGet[int32](v, tagGridCount)
					n := min(int(count), lim.MaxContents)
					if !ok || n <= 0 {
						finish()
						return
					}
					addContents(p, layout, idx, &loot, array, n, finish)
				})
			})
		})
	})
}

// addContents reads up to n children of a container in rounds 5 to 8. Children whose chain misses are
// dropped; the container itself is always emitted.
func addContents(p *scatter.Pipeline, layout *Layout, idx scatter.EntityIndex, loot *Loot,
	array transport.Address, n int, finish func()) {
	lim := &layout.Limits
	r5, r6, r7, r8 := p.Round(5), p.Round(6), p.Round(7), p.Round(8)

	scatter.AddBytes(r5, idx, tagChildren, array.Add(layout.List.First), n*8)
	r5.OnComplete(idx, func(v scatter.ResultView) {
		raw, ok := scatter.TryBytes(v, tagChildren)
		if !ok {
			finish()
			return
		}
		children := decodePointers(raw)
		for j, child := range children {
			scatter.Add[uint64](r6, idx, childTag(j, childTemplate), child.Add(layout.Loot.Template))
		}
		r6.OnComplete(idx, func(v scatter.ResultView) {
			for j := range children {
				if tpl, ok := scatter.TryPointer(v, childTag(j, childTemplate)); ok {
					scatter.Add[uint64](r7, idx, childTag(j, childIDPtr), tpl.Add(layout.Loot.ID))
				}
			}
			r7.OnComplete(idx, func(v scatter.ResultView) {
				for j := range children {
					if id, ok := scatter.TryPointer(v, childTag(j, childIDPtr)); ok {
						addString(r8, &layout.String, idx, childTag(j, childIDLen), childTag(j, childIDChars),
							id, lim.MaxIDChars)
					}
				}
				r8.OnComplete(idx, func(v scatter.ResultView) {
					for j := range children {
						if s, ok := readString(v, childTag(j, childIDLen), childTag(j, childIDChars), lim.MaxIDChars); ok {
							loot.Contents = append(loot.Contents, s)
						}
					}
					finish()
				})
			})
		})
	})
}
