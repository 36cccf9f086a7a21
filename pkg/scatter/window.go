package scatter

import "sync"

// window keeps the most recent execution samples of a pool together with their running total.
type window struct {
	mu       sync.Mutex
	samples  []Stats
	next     int  // slot the next sample overwrites
	full     bool // every slot holds a sample
	sum      Stats
	executed uint64
}

func newWindow(size int) *window {
	return &window{samples: make([]Stats, max(size, 1))}
}

// record adds s, evicting the oldest sample once the window is full.
func (w *window) record(s Stats) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.full {
		w.sum.sub(w.samples[w.next])
	}
	w.samples[w.next] = s
	w.sum.Add(s)
	w.executed++

	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// totals returns the sum over retained samples, how many are retained and how many were ever
// recorded.
func (w *window) totals() (Stats, int, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sum, w.len(), w.executed
}

// appendTo appends the retained samples to dst, oldest first.
func (w *window) appendTo(dst []Stats) []Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.full {
		dst = append(dst, w.samples[w.next:]...)
	}
	return append(dst, w.samples[:w.next]...)
}
