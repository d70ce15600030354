// Package rollover reconstructs a fixed-width hardware packet counter into a
// monotonic 64-bit logical counter, the same extension every consumer state
// machine in pkg/consumer needs (spec.md §4.F, §8 property 6): a 24-bit
// counter for continuous channel, a 32-bit counter for station beam.
//
// Grounded on the teacher's small single-purpose stateful helpers (e.g.
// internal/crc's running checksum) generalized to a running reconstruction
// rather than a running digest: both hold one word of state mutated by
// successive calls and expose no concurrency control of their own, leaving
// that to the caller's single-threaded consumer loop.
package rollover

// Counter reconstructs a wrapping hardware counter of a given bit width into
// a monotonic 64-bit value. It is not safe for concurrent use; each consumer
// owns one Counter per physical hardware counter it tracks.
type Counter struct {
	width    uint
	mask     uint64
	rollover uint64
	last     uint64
	seen     bool
}

// New creates a Counter for a hardware field of the given bit width (e.g. 24
// for continuous channel, 32 for station beam).
func New(width uint) *Counter {
	return &Counter{
		width: width,
		mask:  (uint64(1) << width) - 1,
	}
}

// Reconstruct extends raw (the width-bit hardware counter value) into a
// 64-bit logical counter, incrementing the internal rollover term whenever
// raw wraps back to zero at the designated reference point (tile 0 / pol 0
// for continuous channel, tile 0 / channel 0 for station beam — the caller
// decides when to call Reconstruct based on that gating, this type only
// tracks the wrap).
//
// Per spec.md §9 Open Question 1, the rollover term is added back
// unconditionally on every call, not only when raw has actually wrapped;
// this matches observed behaviour rather than a stricter reading of the
// invariant and is deliberately not "fixed" here.
func (c *Counter) Reconstruct(raw uint64) uint64 {
	raw &= c.mask
	if c.seen && raw == 0 && c.last != 0 {
		c.rollover += uint64(1) << c.width
	}
	c.last = raw
	c.seen = true
	return raw + c.rollover
}

// Reset clears all accumulated rollover state, for use when a consumer
// re-synchronises at stream start.
func (c *Counter) Reset() {
	c.rollover = 0
	c.last = 0
	c.seen = false
}
