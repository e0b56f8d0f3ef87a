package models

import "sync/atomic"

// Counters accumulates delivered hits and bytes between keepalive reports.
// Increments are lock-free; a report subtracts exactly what it sent.
type Counters struct {
	hits  atomic.Int64
	bytes atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters
type CounterSnapshot struct {
	Hits  int64 `json:"hits"`
	Bytes int64 `json:"bytes"`
}

// Add records delivered content
func (c *Counters) Add(hits, bytes int64) {
	if hits != 0 {
		c.hits.Add(hits)
	}
	if bytes != 0 {
		c.bytes.Add(bytes)
	}
}

// Snapshot returns the current values
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Hits:  c.hits.Load(),
		Bytes: c.bytes.Load(),
	}
}

// Subtract removes a previously reported snapshot. Increments made after
// the snapshot are preserved.
func (c *Counters) Subtract(s CounterSnapshot) {
	c.hits.Add(-s.Hits)
	c.bytes.Add(-s.Bytes)
}
