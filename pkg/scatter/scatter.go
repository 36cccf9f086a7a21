// Package scatter turns many dependent pointer-chasing reads into a small number of batched
// transport transactions.
//
// Callers describe work as rounds. Every entity adds the reads it can address up front to round 1
// and registers a continuation. When round 1's transaction returns, each continuation inspects its
// own decoded values and adds the next hop to a later round. Round k's transaction therefore carries
// the k-th hop of every entity at once, so a chain of depth D costs D transactions no matter how
// many entities take part.
//
//	p := scatter.NewPipeline(t, 2)
//	for i, obj := range objects {
//		idx := scatter.EntityIndex(i)
//		scatter.Add[uint64](p.Round(1), idx, tagPtr, obj)
//		p.Round(1).OnComplete(idx, func(v scatter.ResultView) {
//			ptr, ok := scatter.TryPointer(v, tagPtr)
//			if !ok {
//				return
//			}
//			scatter.Add[uint32](p.Round(2), idx, tagID, ptr.Add(0x10))
//			p.Round(2).OnComplete(idx, func(v scatter.ResultView) { ... })
//		})
//	}
//	err := p.Execute(ctx)
//
// A Pipeline is single threaded: rounds and continuations run on the goroutine calling Execute.
// Parallelism comes from running independent pipelines side by side, see package partition.
package scatter

import (
	"github.com/rotisserie/eris"
)

// Tag identifies a read within one entity's slots of one round. Tags are chosen by the caller.
type Tag uint32

// EntityIndex identifies the logical object a read belongs to. It is stable across all rounds of a
// pipeline and distinct entities never share state. Any value may be used; indices need not be dense.
type EntityIndex uint32

var (
	// ErrCanceled is returned when the context passed to Execute is done before the pipeline
	// finished. It is an expected outcome, not a failure.
	ErrCanceled = eris.New("pipeline canceled")

	// ErrAlreadyExecuted is returned when Execute is called twice without a Reset in between.
	ErrAlreadyExecuted = eris.New("pipeline already executed")

	// ErrShortBatch is returned when a transport answers with a different number of outcomes than
	// requests. The whole transaction is treated as failed.
	ErrShortBatch = eris.New("transport returned a mismatched number of outcomes")
)

// IsCanceled reports whether err is a cancellation outcome.
func IsCanceled(err error) bool {
	return eris.Is(err, ErrCanceled)
}
