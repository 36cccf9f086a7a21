package scatter

import "time"

// Stats describes one execution of a Pipeline.
type Stats struct {
	Transactions  int           // Transport calls; one per non-empty round
	Requests      int           // Requests sent after coalescing
	Slots         int           // Slots registered across all executed rounds
	Coalesced     int           // Slots that shared a request with an identical read
	Misses        int           // Slots whose address could not be read or decoded
	Rejected      int           // Work dropped because it targeted an executed round
	Entities      int           // Distinct entities that added at least one slot
	Continuations int           // Round continuations invoked
	Completions   int           // Completion queue entries invoked
	Duration      time.Duration // Wall time of Execute
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Transactions += o.Transactions
	s.Requests += o.Requests
	s.Slots += o.Slots
	s.Coalesced += o.Coalesced
	s.Misses += o.Misses
	s.Rejected += o.Rejected
	s.Entities += o.Entities
	s.Continuations += o.Continuations
	s.Completions += o.Completions
	s.Duration += o.Duration
}

func (s *Stats) sub(o Stats) {
	s.Transactions -= o.Transactions
	s.Requests -= o.Requests
	s.Slots -= o.Slots
	s.Coalesced -= o.Coalesced
	s.Misses -= o.Misses
	s.Rejected -= o.Rejected
	s.Entities -= o.Entities
	s.Continuations -= o.Continuations
	s.Completions -= o.Completions
	s.Duration -= o.Duration
}
