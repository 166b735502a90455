// Package pacing maps a change record's recorded offset to the absolute
// instant at which it should be released to the dispatcher.
//
// A Plan is the timing mode (where the run is anchored in wall-clock time)
// crossed with a spacing mode (what inter-event delay to impose). The plan
// is immutable; a Schedule is resolved from it at every start so that a
// pause/start cycle never replays the paused interval.
package pacing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimingMode anchors a run in wall-clock time.
type TimingMode string

const (
	// TimingRecorded preserves recorded gaps, anchored at the instant the
	// run starts.
	TimingRecorded TimingMode = "recorded"
	// TimingRebased preserves recorded gaps, anchored at an operator-chosen
	// epoch so multiple sources can share one timeline.
	TimingRebased TimingMode = "rebased"
	// TimingLive ignores recorded instants; records release at generation
	// time.
	TimingLive TimingMode = "live"
)

// SpacingKind is the inter-event delay policy, independent of timing.
type SpacingKind string

const (
	// SpacingRecorded preserves the recorded inter-event gaps.
	SpacingRecorded SpacingKind = "recorded"
	// SpacingNone releases as fast as the dispatcher accepts.
	SpacingNone SpacingKind = "none"
	// SpacingFixed imposes a constant delay between releases.
	SpacingFixed SpacingKind = "fixed"
	// SpacingScaled multiplies recorded gaps by a constant factor.
	SpacingScaled SpacingKind = "scaled"
)

// Spacing is a spacing kind plus its parameter, if any.
type Spacing struct {
	Kind   SpacingKind
	Fixed  time.Duration // SpacingFixed only
	Factor float64       // SpacingScaled only
}

// Plan is a fully resolved pacing selection. RebaseNs is the rebased epoch
// in unix nanoseconds and is meaningful only with TimingRebased.
type Plan struct {
	Timing   TimingMode
	RebaseNs int64
	Spacing  Spacing
}

// DefaultPlan is recorded timing with recorded spacing, the script-faithful
// replay configuration.
func DefaultPlan() Plan {
	return Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingRecorded}}
}

// Validate rejects meaningless combinations. Recorded or scaled spacing
// needs recorded instants to work from, so timing live is incompatible
// with both.
func (p Plan) Validate() error {
	switch p.Timing {
	case TimingRecorded, TimingLive:
	case TimingRebased:
		if p.RebaseNs <= 0 {
			return fmt.Errorf("pacing: rebased timing requires a positive epoch, got %d", p.RebaseNs)
		}
	default:
		return fmt.Errorf("pacing: unknown timing mode %q", p.Timing)
	}

	switch p.Spacing.Kind {
	case SpacingRecorded, SpacingScaled:
		if p.Timing == TimingLive {
			return fmt.Errorf("pacing: spacing %q requires recorded or rebased timing", p.Spacing.Kind)
		}
		if p.Spacing.Kind == SpacingScaled && p.Spacing.Factor <= 0 {
			return fmt.Errorf("pacing: scaled spacing requires a positive factor, got %g", p.Spacing.Factor)
		}
	case SpacingNone:
	case SpacingFixed:
		if p.Spacing.Fixed <= 0 {
			return fmt.Errorf("pacing: fixed spacing requires a positive delay, got %s", p.Spacing.Fixed)
		}
	default:
		return fmt.Errorf("pacing: unknown spacing mode %q", p.Spacing.Kind)
	}
	return nil
}

// ParseTimingMode parses the script config form: "recorded", "live", or an
// RFC3339 instant which selects rebased timing anchored at that instant.
func ParseTimingMode(s string) (TimingMode, int64, error) {
	switch strings.ToLower(s) {
	case "recorded", "":
		return TimingRecorded, 0, nil
	case "live":
		return TimingLive, 0, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", 0, fmt.Errorf("pacing: timing mode %q is not recorded, live, or an RFC3339 instant: %w", s, err)
	}
	return TimingRebased, t.UnixNano(), nil
}

// ParseSpacing parses the script config form: "recorded", "none",
// "fixed:<duration>", or "scaled:<factor>".
func ParseSpacing(s string) (Spacing, error) {
	switch strings.ToLower(s) {
	case "recorded", "":
		return Spacing{Kind: SpacingRecorded}, nil
	case "none":
		return Spacing{Kind: SpacingNone}, nil
	}

	kind, arg, ok := strings.Cut(s, ":")
	if !ok {
		return Spacing{}, fmt.Errorf("pacing: unknown spacing mode %q", s)
	}
	switch strings.ToLower(kind) {
	case "fixed":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return Spacing{}, fmt.Errorf("pacing: fixed spacing %q: %w", s, err)
		}
		return Spacing{Kind: SpacingFixed, Fixed: d}, nil
	case "scaled":
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return Spacing{}, fmt.Errorf("pacing: scaled spacing %q: %w", s, err)
		}
		return Spacing{Kind: SpacingScaled, Factor: f}, nil
	}
	return Spacing{}, fmt.Errorf("pacing: unknown spacing mode %q", s)
}

// String renders the plan in its config form.
func (p Plan) String() string {
	timing := string(p.Timing)
	if p.Timing == TimingRebased {
		timing = time.Unix(0, p.RebaseNs).UTC().Format(time.RFC3339)
	}
	spacing := string(p.Spacing.Kind)
	switch p.Spacing.Kind {
	case SpacingFixed:
		spacing = "fixed:" + p.Spacing.Fixed.String()
	case SpacingScaled:
		spacing = fmt.Sprintf("scaled:%g", p.Spacing.Factor)
	}
	return timing + "/" + spacing
}

// Schedule computes release instants for one run. It is resolved fresh at
// every start: the anchor is the start instant (or the rebased epoch), and
// the first offset seen becomes the base so the first record releases
// immediately while later gaps are preserved. A schedule is owned by the
// generation loop and is not safe for concurrent use.
type Schedule struct {
	plan       Plan
	anchor     time.Time
	baseSet    bool
	baseOffset int64
	last       time.Time // previous release, fixed spacing only
}

// NewSchedule resolves a plan at the given start instant.
func NewSchedule(plan Plan, start time.Time) *Schedule {
	s := &Schedule{plan: plan, anchor: start}
	if plan.Timing == TimingRebased {
		s.anchor = time.Unix(0, plan.RebaseNs).UTC()
		s.baseSet = true // rebased offsets are absolute against the epoch
	}
	return s
}

// ReleaseAt returns the absolute instant at which the record with the given
// recorded offset should be released. Instants already in the past mean
// "release now"; callers compare against the clock and must not sleep a
// negative duration. No catch-up acceleration is ever applied.
func (s *Schedule) ReleaseAt(now time.Time, offsetNs int64) time.Time {
	switch s.plan.Spacing.Kind {
	case SpacingNone:
		return now
	case SpacingFixed:
		if s.last.IsZero() {
			s.last = now
			return now
		}
		at := s.last.Add(s.plan.Spacing.Fixed)
		if at.Before(now) {
			at = now
		}
		s.last = at
		return at
	}

	// Recorded or scaled spacing against a recorded/rebased anchor.
	if s.plan.Timing == TimingLive {
		return now
	}
	if !s.baseSet {
		s.baseOffset = offsetNs
		s.baseSet = true
	}
	gap := offsetNs - s.baseOffset
	if gap < 0 {
		gap = 0
	}
	if s.plan.Spacing.Kind == SpacingScaled {
		gap = int64(float64(gap) * s.plan.Spacing.Factor)
	}
	return s.anchor.Add(time.Duration(gap))
}
