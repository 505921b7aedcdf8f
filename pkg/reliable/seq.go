package reliable

import (
	"sync/atomic"
)

// Seq atomically manipulates a per-sender 64-bit sequence number. Sequence
// numbers never wrap in practice, so acceptance is plain monotonic
// comparison.
type Seq uint64

// Atomically read the sequence number.
func (s *Seq) Get() uint64 {
	return atomic.LoadUint64((*uint64)(s))
}

// Atomically increment the sequence number, returning the new value.
func (s *Seq) Increment() uint64 {
	return atomic.AddUint64((*uint64)(s), 1)
}

// Witness raises this sequence to at least the given value.
func (s *Seq) Witness(v uint64) uint64 {
	for {
		this := atomic.LoadUint64((*uint64)(s))
		if v <= this {
			return this
		}
		if atomic.CompareAndSwapUint64((*uint64)(s), this, v) {
			return v
		}
		// another writer advanced the sequence, try again
	}
}
