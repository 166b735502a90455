// Package metrics tracks per-source dispatch progress. A single writer (the
// dispatch loop) updates an Observer; readers take immutable snapshots
// without locking.
package metrics

import (
	"sync/atomic"
)

// Snapshot is an immutable view of one source's run progress.
type Snapshot struct {
	DispatchedCount int64 `json:"dispatched_count"`
	SkippedCount    int64 `json:"skipped_count"`
	DroppedCount    int64 `json:"dropped_count"`
	ErrorCount      int64 `json:"error_count"`

	// LastSequence is the highest source sequence number observed on the
	// dispatch path, including skipped records. -1 until the first record.
	LastSequence int64 `json:"last_sequence_number"`

	// FirstEventNs and LastEventNs bound the run in wall-clock nanoseconds.
	// Zero until the first dispatch.
	FirstEventNs int64 `json:"first_event_ns"`
	LastEventNs  int64 `json:"last_event_ns"`
}

// Observer publishes snapshots for one source. Update and Reset must be
// called from a single goroutine; Snapshot is safe from any goroutine.
type Observer struct {
	cur atomic.Pointer[Snapshot]
}

func NewObserver() *Observer {
	o := &Observer{}
	o.cur.Store(&Snapshot{LastSequence: -1})
	return o
}

// Snapshot returns the current view. The returned value never mutates.
func (o *Observer) Snapshot() Snapshot {
	return *o.cur.Load()
}

// Update applies fn to a copy of the current snapshot and publishes it.
func (o *Observer) Update(fn func(*Snapshot)) Snapshot {
	next := *o.cur.Load()
	fn(&next)
	o.cur.Store(&next)
	return next
}

// Reset returns the observer to its initial state.
func (o *Observer) Reset() {
	o.cur.Store(&Snapshot{LastSequence: -1})
}
