package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counting wraps a Transport and records how it is used. It is safe for concurrent use.
type Counting struct {
	inner Transport

	transactions atomic.Int64
	requests     atomic.Int64
	misses       atomic.Int64
	failures     atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
}

var _ Transport = &Counting{}

// NewCounting wraps inner.
func NewCounting(inner Transport) *Counting {
	return &Counting{inner: inner}
}

func (c *Counting) ReadBatch(reqs []Request) ([]Outcome, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	c.transactions.Add(1)
	c.requests.Add(int64(len(reqs)))

	out, err := c.inner.ReadBatch(reqs)
	if err != nil {
		c.failures.Add(1)
		return out, err
	}
	var misses int64
	for _, o := range out {
		if !o.OK {
			misses++
		}
	}
	c.misses.Add(misses)
	return out, nil
}

// Transactions returns the number of ReadBatch calls.
func (c *Counting) Transactions() int64 { return c.transactions.Load() }

// Requests returns the total number of requests across all transactions.
func (c *Counting) Requests() int64 { return c.requests.Load() }

// Misses returns the number of requests that came back unreadable.
func (c *Counting) Misses() int64 { return c.misses.Load() }

// Failures returns the number of transactions that failed as a whole.
func (c *Counting) Failures() int64 { return c.failures.Load() }

// MaxInFlight returns the highest number of concurrent transactions observed.
func (c *Counting) MaxInFlight() int64 { return c.maxInFlight.Load() }

// Reset zeroes all counters.
func (c *Counting) Reset() {
	c.transactions.Store(0)
	c.requests.Store(0)
	c.misses.Store(0)
	c.failures.Store(0)
	c.maxInFlight.Store(0)
}

// Serial models a hardware channel that serializes transactions and charges a fixed latency for each
// one, regardless of how many requests it carries.
type Serial struct {
	mu      sync.Mutex
	inner   Transport
	latency time.Duration
}

var _ Transport = &Serial{}

// NewSerial wraps inner. A zero latency only serializes.
func NewSerial(inner Transport, latency time.Duration) *Serial {
	return &Serial{inner: inner, latency: latency}
}

func (s *Serial) ReadBatch(reqs []Request) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	return s.inner.ReadBatch(reqs)
}
