package partition

import "sync"

// Sink is an unbounded queue of batch outputs. Push may be called from any goroutine.
type Sink[R any] struct {
	items []R
	mu    sync.Mutex
}

// Push appends v to the sink.
func (s *Sink[R]) Push(v R) {
	s.mu.Lock()
	s.items = append(s.items, v)
	s.mu.Unlock()
}

// Len returns the number of queued items.
func (s *Sink[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Drain appends all queued items to target and empties the sink.
func (s *Sink[R]) Drain(target *[]R) {
	s.mu.Lock()
	defer s.mu.Unlock()

	*target = append(*target, s.items...)
	clear(s.items)
	s.items = s.items[:0]
}
