// Package trigger evaluates stop conditions against dispatch progress. A run
// may carry several triggers; the first one satisfied stops the source.
package trigger

import (
	"fmt"
	"time"

	"github.com/agentofreality/drasi-test-infra/internal/metrics"
)

// Kind enumerates the supported stop conditions.
type Kind string

const (
	// KindRecordCount fires once the given number of records has been
	// dispatched or skipped.
	KindRecordCount Kind = "record_count"

	// KindSequence fires once the observed source sequence number reaches
	// the given value.
	KindSequence Kind = "record_sequence_number"

	// KindDuration fires once the given wall-clock time has elapsed since
	// the first dispatched record.
	KindDuration Kind = "duration"
)

// Spec describes a single stop condition.
type Spec struct {
	Kind     Kind
	Count    int64
	Sequence int64
	Duration time.Duration
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindRecordCount:
		if s.Count <= 0 {
			return fmt.Errorf("trigger: record_count must be positive, got %d", s.Count)
		}
	case KindSequence:
		if s.Sequence < 0 {
			return fmt.Errorf("trigger: record_sequence_number must be non-negative, got %d", s.Sequence)
		}
	case KindDuration:
		if s.Duration <= 0 {
			return fmt.Errorf("trigger: duration must be positive, got %s", s.Duration)
		}
	default:
		return fmt.Errorf("trigger: unknown kind %q", s.Kind)
	}
	return nil
}

func (s Spec) String() string {
	switch s.Kind {
	case KindRecordCount:
		return fmt.Sprintf("record_count=%d", s.Count)
	case KindSequence:
		return fmt.Sprintf("record_sequence_number=%d", s.Sequence)
	case KindDuration:
		return fmt.Sprintf("duration=%s", s.Duration)
	}
	return string(s.Kind)
}

// satisfied reports whether the condition holds for the given progress.
// Duration counts from the wall-clock instant of the first dispatch, so a
// leading pacing gap does not erode the window.
func (s Spec) satisfied(snap metrics.Snapshot, now time.Time) bool {
	switch s.Kind {
	case KindRecordCount:
		return snap.DispatchedCount+snap.SkippedCount >= s.Count
	case KindSequence:
		return snap.LastSequence >= s.Sequence
	case KindDuration:
		return snap.FirstEventNs != 0 && now.UnixNano()-snap.FirstEventNs >= int64(s.Duration)
	}
	return false
}

// Evaluator checks a set of specs on the dispatch path. It is owned by a
// single goroutine; Observe must not be called concurrently. The callback
// runs at most once for the evaluator's lifetime, until Reset.
type Evaluator struct {
	specs  []Spec
	onFire func(Spec)
	fired  bool
}

// NewEvaluator validates the specs and builds an evaluator. onFire is invoked
// synchronously on the goroutine that calls Observe and must not block.
func NewEvaluator(specs []Spec, onFire func(Spec)) (*Evaluator, error) {
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &Evaluator{specs: specs, onFire: onFire}, nil
}

// Fired reports whether a trigger has already gone off.
func (e *Evaluator) Fired() bool { return e.fired }

// Observe evaluates all specs against the latest progress snapshot and fires
// the callback on the first satisfied one.
func (e *Evaluator) Observe(snap metrics.Snapshot, now time.Time) {
	if e.fired {
		return
	}
	for _, s := range e.specs {
		if s.satisfied(snap, now) {
			e.fired = true
			if e.onFire != nil {
				e.onFire(s)
			}
			return
		}
	}
}

// Reset rearms the evaluator for a fresh run.
func (e *Evaluator) Reset() {
	e.fired = false
}
