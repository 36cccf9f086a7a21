// Package transport defines the boundary between the scatter scheduler and the physical channel that
// reads foreign process memory. A Transport executes one batched transaction: many discontiguous
// (address, size) reads for the price of one fixed-latency round trip.
package transport

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrDeviceUnavailable is returned by transports that cannot reach the hardware at all.
	ErrDeviceUnavailable = eris.New("device unavailable")

	// ErrOverlap is returned when mapping a region that overlaps an existing one.
	ErrOverlap = eris.New("region overlaps an existing mapping")
)

// Address is a location in the foreign process. It is a plain integer, never a Go pointer.
type Address uint64

// Add returns the address offset by off bytes.
func (a Address) Add(off uint64) Address { return a + Address(off) }

// Valid reports whether the address is non-null. The scheduler never validates addresses; builders
// use this to stop a pointer chain.
func (a Address) Valid() bool { return a != 0 }

func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Request is a single read inside a transaction.
type Request struct {
	Addr Address
	Size int
}

// Outcome is the result of a single Request. OK is false when the address could not be read; Data is
// then nil.
type Outcome struct {
	Data []byte
	OK   bool
}

// Transport executes batched reads. ReadBatch must return exactly len(reqs) outcomes in request
// order, or a non-nil error when the whole transaction failed. It must tolerate concurrent callers.
// An in-flight transaction is never interrupted, so there is no context parameter; timeout policy
// belongs to the implementation.
type Transport interface {
	ReadBatch(reqs []Request) ([]Outcome, error)
}

// Func adapts a plain function to the Transport interface.
type Func func(reqs []Request) ([]Outcome, error)

var _ Transport = Func(nil)

func (f Func) ReadBatch(reqs []Request) ([]Outcome, error) { return f(reqs) }
