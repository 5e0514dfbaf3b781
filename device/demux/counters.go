package demux

import "sync/atomic"

// Counters tracks demultiplexer statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	ControlBytes   atomic.Uint64 // Bytes delivered to the control queue
	ControlDropped atomic.Uint64 // Control bytes lost to a full control queue
	DataBytes      atomic.Uint64 // Payload bytes delivered to the data queue
	Frames         atomic.Uint64 // Complete +IPD headers seen
	Mismatches     atomic.Uint64 // Partial headers replayed to control
	Malformed      atomic.Uint64 // Headers with an invalid length field
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	ControlBytes   uint64
	ControlDropped uint64
	DataBytes      uint64
	Frames         uint64
	Mismatches     uint64
	Malformed      uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		ControlBytes:   c.ControlBytes.Load(),
		ControlDropped: c.ControlDropped.Load(),
		DataBytes:      c.DataBytes.Load(),
		Frames:         c.Frames.Load(),
		Mismatches:     c.Mismatches.Load(),
		Malformed:      c.Malformed.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.ControlBytes.Store(0)
	c.ControlDropped.Store(0)
	c.DataBytes.Store(0)
	c.Frames.Store(0)
	c.Mismatches.Store(0)
	c.Malformed.Store(0)
}
