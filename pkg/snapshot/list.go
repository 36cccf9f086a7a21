package snapshot

import (
	"context"
	"encoding/binary"

	"github.com/rotisserie/eris"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

const (
	tagListArray scatter.Tag = iota
	tagListCount
	tagListElems
)

// ReadList returns the non-null element pointers of the list whose header is at head. An
// unreadable header yields an empty list.
func ReadList(ctx context.Context, pool *scatter.Pool, layout *Layout, head transport.Address) ([]transport.Address, error) {
	lists, err := ReadLists(ctx, pool, layout, head)
	if err != nil {
		return nil, err
	}
	return lists[0], nil
}

// ReadLists reads several lists in the same two transactions.
func ReadLists(
	ctx context.Context, pool *scatter.Pool, layout *Layout, heads ...transport.Address,
) ([][]transport.Address, error) {
	if err := requireRounds(pool, listRounds); err != nil {
		return nil, err
	}

	out := make([][]transport.Address, len(heads))
	_, err := pool.Do(ctx, func(p *scatter.Pipeline) error {
		for i, head := range heads {
			addList(p, layout, scatter.EntityIndex(i), head, &out[i]) //nolint:gosec // few heads
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to read lists")
	}
	for i := range out {
		if out[i] == nil {
			out[i] = []transport.Address{}
		}
	}
	return out, nil
}

func addList(p *scatter.Pipeline, layout *Layout, idx scatter.EntityIndex, head transport.Address,
	dst *[]transport.Address) {
	if !head.Valid() {
		return
	}
	l := &layout.List
	scatter.Add[uint64](p.Round(1), idx, tagListArray, head.Add(l.Array))
	scatter.Add[int32](p.Round(1), idx, tagListCount, head.Add(l.Count))
	p.Round(1).OnComplete(idx, func(v scatter.ResultView) {
		array, ok := scatter.TryPointer(v, tagListArray)
		if !ok {
			return
		}
		count, ok := scatter.TryGet[int32](v, tagListCount)
		if !ok || count <= 0 {
			return
		}
		n := min(int(count), layout.Limits.MaxList)
		scatter.AddBytes(p.Round(2), idx, tagListElems, array.Add(l.First), n*8)
		p.Round(2).OnComplete(idx, func(v scatter.ResultView) {
			raw, ok := scatter.TryBytes(v, tagListElems)
			if !ok {
				return
			}
			elems := decodePointers(raw)
			p.OnFinished(func() { *dst = elems })
		})
	})
}

// decodePointers splits raw into 8-byte little-endian pointers, dropping nulls. The result does not
// alias raw.
func decodePointers(raw []byte) []transport.Address {
	out := make([]transport.Address, 0, len(raw)/8)
	for i := 0; i+8 <= len(raw); i += 8 {
		if ptr := transport.Address(binary.LittleEndian.Uint64(raw[i:])); ptr.Valid() {
			out = append(out, ptr)
		}
	}
	return out
}
