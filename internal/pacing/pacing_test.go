package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimingMode(t *testing.T) {
	mode, ns, err := ParseTimingMode("recorded")
	require.NoError(t, err)
	assert.Equal(t, TimingRecorded, mode)
	assert.Zero(t, ns)

	mode, _, err = ParseTimingMode("live")
	require.NoError(t, err)
	assert.Equal(t, TimingLive, mode)

	mode, ns, err = ParseTimingMode("2026-01-02T15:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, TimingRebased, mode)
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC).UnixNano()
	assert.Equal(t, want, ns)

	_, _, err = ParseTimingMode("yesterday")
	require.Error(t, err)
}

func TestParseSpacing(t *testing.T) {
	sp, err := ParseSpacing("recorded")
	require.NoError(t, err)
	assert.Equal(t, SpacingRecorded, sp.Kind)

	sp, err = ParseSpacing("none")
	require.NoError(t, err)
	assert.Equal(t, SpacingNone, sp.Kind)

	sp, err = ParseSpacing("fixed:25ms")
	require.NoError(t, err)
	assert.Equal(t, SpacingFixed, sp.Kind)
	assert.Equal(t, 25*time.Millisecond, sp.Fixed)

	sp, err = ParseSpacing("scaled:0.5")
	require.NoError(t, err)
	assert.Equal(t, SpacingScaled, sp.Kind)
	assert.InDelta(t, 0.5, sp.Factor, 1e-9)

	_, err = ParseSpacing("sometimes")
	require.Error(t, err)
	_, err = ParseSpacing("fixed:fast")
	require.Error(t, err)
}

func TestPlan_Validate(t *testing.T) {
	require.NoError(t, DefaultPlan().Validate())

	// Live timing with recorded spacing has no gaps to preserve.
	p := Plan{Timing: TimingLive, Spacing: Spacing{Kind: SpacingRecorded}}
	require.Error(t, p.Validate())

	p = Plan{Timing: TimingLive, Spacing: Spacing{Kind: SpacingNone}}
	require.NoError(t, p.Validate())

	p = Plan{Timing: TimingRebased, Spacing: Spacing{Kind: SpacingRecorded}}
	require.Error(t, p.Validate()) // missing epoch

	p = Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingScaled, Factor: 0}}
	require.Error(t, p.Validate())

	p = Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingFixed}}
	require.Error(t, p.Validate())
}

func TestSchedule_RecordedPreservesGaps(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSchedule(DefaultPlan(), start)

	// First record anchors the run; its offset becomes the base.
	first := s.ReleaseAt(start, 5_000_000)
	assert.Equal(t, start, first)

	second := s.ReleaseAt(start, 35_000_000)
	assert.Equal(t, 30*time.Millisecond, second.Sub(first))

	third := s.ReleaseAt(start, 135_000_000)
	assert.Equal(t, 130*time.Millisecond, third.Sub(first))
}

func TestSchedule_ScaledGaps(t *testing.T) {
	start := time.Now()
	plan := Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingScaled, Factor: 0.5}}
	s := NewSchedule(plan, start)

	first := s.ReleaseAt(start, 0)
	second := s.ReleaseAt(start, 100_000_000)
	assert.Equal(t, 50*time.Millisecond, second.Sub(first))
}

func TestSchedule_Rebased(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	plan := Plan{Timing: TimingRebased, RebaseNs: epoch.UnixNano(), Spacing: Spacing{Kind: SpacingRecorded}}
	s := NewSchedule(plan, time.Now())

	// Rebased offsets are absolute against the epoch, not re-anchored.
	at := s.ReleaseAt(time.Now(), 250_000_000)
	assert.Equal(t, epoch.Add(250*time.Millisecond), at)
}

func TestSchedule_NoneReleasesImmediately(t *testing.T) {
	now := time.Now()
	plan := Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingNone}}
	s := NewSchedule(plan, now)

	assert.Equal(t, now, s.ReleaseAt(now, 0))
	assert.Equal(t, now, s.ReleaseAt(now, 10_000_000_000))
}

func TestSchedule_FixedSpacing(t *testing.T) {
	now := time.Now()
	plan := Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingFixed, Fixed: 20 * time.Millisecond}}
	s := NewSchedule(plan, now)

	first := s.ReleaseAt(now, 0)
	assert.Equal(t, now, first)

	second := s.ReleaseAt(now, 999) // offsets irrelevant in fixed mode
	assert.Equal(t, 20*time.Millisecond, second.Sub(first))

	// A late caller gets "now", never an accelerated catch-up burst.
	late := now.Add(time.Second)
	third := s.ReleaseAt(late, 0)
	assert.Equal(t, late, third)
}

func TestSchedule_PastInstantMeansImmediate(t *testing.T) {
	start := time.Now()
	s := NewSchedule(DefaultPlan(), start)
	s.ReleaseAt(start, 0)

	// Offset 10ms but we ask 50ms later: release instant is in the past,
	// the caller must release immediately rather than accumulate delay.
	at := s.ReleaseAt(start.Add(50*time.Millisecond), 10_000_000)
	assert.True(t, at.Before(start.Add(50*time.Millisecond)))
}

func TestPlan_String(t *testing.T) {
	assert.Equal(t, "recorded/recorded", DefaultPlan().String())

	p := Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingFixed, Fixed: 10 * time.Millisecond}}
	assert.Equal(t, "recorded/fixed:10ms", p.String())

	p = Plan{Timing: TimingRecorded, Spacing: Spacing{Kind: SpacingScaled, Factor: 2}}
	assert.Equal(t, "recorded/scaled:2", p.String())
}
