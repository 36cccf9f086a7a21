package snapshot

import (
	"sync"
	"time"

	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
)

// Tracker remembers when each loot address was first observed. Safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	seen map[transport.Address]time.Time
	now  func() time.Time
}

// NewTracker creates a tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{seen: make(map[transport.Address]time.Time), now: now}
}

// Observe returns the first time addr was observed, recording the current time if it is new.
func (t *Tracker) Observe(addr transport.Address) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok := t.seen[addr]; ok {
		return ts
	}
	ts := t.now()
	t.seen[addr] = ts
	return ts
}

// Retain forgets every address not in present and returns the number forgotten.
func (t *Tracker) Retain(present []transport.Address) int {
	keep := make(map[transport.Address]struct{}, len(present))
	for _, a := range present {
		keep[a] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for a := range t.seen {
		if _, ok := keep[a]; !ok {
			delete(t.seen, a)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked addresses.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
