package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentofreality/drasi-test-infra/internal/change"
	"github.com/agentofreality/drasi-test-infra/internal/dispatch"
	"github.com/agentofreality/drasi-test-infra/internal/pacing"
	"github.com/agentofreality/drasi-test-infra/internal/sink"
	"github.com/agentofreality/drasi-test-infra/internal/source"
	"github.com/agentofreality/drasi-test-infra/internal/trigger"
)

// memorySource serves a fixed record slice, for exact control in tests.
type memorySource struct {
	recs []*change.Record
	pos  int
}

func (m *memorySource) Pull(ctx context.Context) (*change.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pos >= len(m.recs) {
		return nil, source.ErrEndOfStream
	}
	rec := m.recs[m.pos]
	m.pos++
	return rec, nil
}

func (m *memorySource) Seek(ctx context.Context, index int64) error {
	m.pos = int(index)
	return nil
}

func (m *memorySource) Reset(ctx context.Context) error {
	m.pos = 0
	return nil
}

func (m *memorySource) Close() error { return nil }

func memRecords(n int, gapNs int64) []*change.Record {
	recs := make([]*change.Record, n)
	for i := range recs {
		recs[i] = &change.Record{
			Op: change.OpInsert,
			Payload: change.Payload{
				After: &change.Element{ID: "n1", Properties: map[string]any{"i": float64(i)}},
				Source: change.Provenance{
					Dataset: "d", Table: "t",
					TimestampNs: int64(i) * gapNs,
					LSN:         int64(i + 1),
				},
			},
			OffsetNs: int64(i) * gapNs,
		}
	}
	return recs
}

type fixture struct {
	r    *Runner
	sink *sink.ChannelSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cs := sink.NewChannelSink(1024)
	if opts.Sink == nil {
		opts.Sink = cs
	}
	if opts.ID == "" {
		opts.ID = "src-test"
	}
	if opts.Plan.Timing == "" {
		opts.Plan = pacing.Plan{Timing: pacing.TimingLive, Spacing: pacing.Spacing{Kind: pacing.SpacingNone}}
	}
	if opts.Dispatch.BatchSize == 0 {
		opts.Dispatch = dispatch.DefaultConfig()
		opts.Dispatch.BatchEvents = false
	}
	if opts.GraceTimeout == 0 {
		opts.GraceTimeout = 5 * time.Second
	}
	r, err := New(opts)
	require.NoError(t, err)
	r.Run(context.Background())
	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return &fixture{r: r, sink: cs}
}

func (f *fixture) drain() []*change.Record {
	var recs []*change.Record
	for {
		select {
		case batch, ok := <-f.sink.Batches():
			if !ok {
				return recs
			}
			recs = append(recs, batch...)
		default:
			return recs
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(10, 0)}})

	// Before bootstrap nothing but bootstrap is legal.
	require.True(t, IsInvalidTransition(f.r.Start(ctx)))
	require.True(t, IsInvalidTransition(f.r.Pause(ctx)))
	require.True(t, IsInvalidTransition(f.r.Step(ctx, 1)))
	require.True(t, IsInvalidTransition(f.r.Reset(ctx)))

	require.NoError(t, f.r.Bootstrap(ctx))
	require.Equal(t, StateReady, f.r.State())

	// Bootstrap is once-only; pause needs active generation; reset needs a
	// stopped run.
	require.True(t, IsAlreadyBootstrapped(f.r.Bootstrap(ctx)))
	require.True(t, IsInvalidTransition(f.r.Pause(ctx)))
	require.True(t, IsInvalidTransition(f.r.Reset(ctx)))

	require.NoError(t, f.r.Stop(ctx))
	<-f.r.Done()
	require.Equal(t, StateStopped, f.r.State())
	require.True(t, IsInvalidTransition(f.r.Start(ctx)))
	require.True(t, IsInvalidTransition(f.r.Step(ctx, 1)))
	require.True(t, IsInvalidTransition(f.r.Stop(ctx)))

	require.NoError(t, f.r.Close(ctx))
	require.True(t, IsRunnerClosed(f.r.Reset(ctx)))
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(25, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Start(ctx))

	select {
	case <-f.r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete")
	}
	require.Equal(t, StateStopped, f.r.State())

	snap := f.r.Metrics()
	require.Equal(t, int64(25), snap.DispatchedCount)
	require.Equal(t, int64(25), snap.LastSequence)
	require.Len(t, f.drain(), 25)
}

func TestStepDispatchesExactly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(10, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Step(ctx, 3))

	require.Eventually(t, func() bool {
		return f.r.State() == StatePaused && f.r.Metrics().DispatchedCount == 3
	}, 5*time.Second, 5*time.Millisecond)

	// No further records flow while paused.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(3), f.r.Metrics().DispatchedCount)
}

func TestSkipConsumesWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(10, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Skip(ctx, 2))

	require.Eventually(t, func() bool {
		snap := f.r.Metrics()
		return f.r.State() == StatePaused && snap.SkippedCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.r.Step(ctx, 1))
	require.Eventually(t, func() bool {
		return f.r.Metrics().DispatchedCount == 1
	}, 5*time.Second, 5*time.Millisecond)

	snap := f.r.Metrics()
	require.Equal(t, int64(2), snap.SkippedCount)
	// Skips advance the observed sequence, so the stepped record is the third.
	require.Equal(t, int64(3), snap.LastSequence)
	recs := f.drain()
	require.Len(t, recs, 1)
	require.Equal(t, int64(3), recs[0].Payload.Source.LSN)
}

func TestStepDefaultsToOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(5, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Step(ctx, 0))
	require.Eventually(t, func() bool {
		return f.r.State() == StatePaused && f.r.Metrics().DispatchedCount == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStopTriggerEndsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{
		Source: &memorySource{recs: memRecords(1000, 0)},
		Plan: pacing.Plan{
			Timing:  pacing.TimingLive,
			Spacing: pacing.Spacing{Kind: pacing.SpacingFixed, Fixed: 2 * time.Millisecond},
		},
		Triggers: []trigger.Spec{{Kind: trigger.KindRecordCount, Count: 5}},
	})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Start(ctx))

	select {
	case <-f.r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("trigger did not stop the run")
	}
	require.Equal(t, StateStopped, f.r.State())
	require.GreaterOrEqual(t, f.r.Metrics().DispatchedCount, int64(5))
	require.Less(t, f.r.Metrics().DispatchedCount, int64(100))
}

func TestResetAfterStopReplaysIdentically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(10, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	firstRunID := f.r.RunID()

	require.NoError(t, f.r.Start(ctx))
	select {
	case <-f.r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("first run did not complete")
	}
	require.Equal(t, StateStopped, f.r.State())
	first := f.drain()
	require.Len(t, first, 10)

	require.NoError(t, f.r.Reset(ctx))
	require.Equal(t, StateReady, f.r.State())
	require.Equal(t, int64(0), f.r.Metrics().DispatchedCount)
	require.Equal(t, int64(-1), f.r.Metrics().LastSequence)
	require.NotEqual(t, firstRunID, f.r.RunID())

	require.NoError(t, f.r.Start(ctx))
	select {
	case <-f.r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("second run did not complete")
	}
	second := f.drain()

	require.Len(t, second, len(first))
	for i := range first {
		a, err := change.MarshalCanonical(first[i])
		require.NoError(t, err)
		b, err := change.MarshalCanonical(second[i])
		require.NoError(t, err)
		require.Equal(t, a, b, "record %d diverged after reset", i)
	}
}

func TestPauseRetainsProgress(t *testing.T) {
	ctx := context.Background()
	src := &memorySource{recs: memRecords(100, 50_000_000)} // 50ms recorded gaps
	f := newFixture(t, Options{
		Source: src,
		Plan:   pacing.DefaultPlan(),
	})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Start(ctx))

	require.Eventually(t, func() bool {
		return f.r.Metrics().DispatchedCount >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, f.r.Pause(ctx))
	require.Equal(t, StatePaused, f.r.State())

	at := f.r.Metrics().DispatchedCount
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, at, f.r.Metrics().DispatchedCount)

	require.NoError(t, f.r.Start(ctx))
	require.Eventually(t, func() bool {
		return f.r.Metrics().DispatchedCount > at
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFixedSpacingPacesReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{
		Source: &memorySource{recs: memRecords(5, 0)},
		Plan: pacing.Plan{
			Timing:  pacing.TimingLive,
			Spacing: pacing.Spacing{Kind: pacing.SpacingFixed, Fixed: 20 * time.Millisecond},
		},
	})

	require.NoError(t, f.r.Bootstrap(ctx))
	start := time.Now()
	require.NoError(t, f.r.Start(ctx))
	select {
	case <-f.r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete")
	}

	// Four inter-record gaps of 20ms; allow generous scheduling slack.
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.Equal(t, int64(5), f.r.Metrics().DispatchedCount)
}

func TestStepReleasesBackToBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{
		Source: &memorySource{recs: memRecords(5, 0)},
		Plan: pacing.Plan{
			Timing:  pacing.TimingLive,
			Spacing: pacing.Spacing{Kind: pacing.SpacingFixed, Fixed: 200 * time.Millisecond},
		},
	})

	require.NoError(t, f.r.Bootstrap(ctx))
	start := time.Now()
	require.NoError(t, f.r.Step(ctx, 3))
	require.Eventually(t, func() bool {
		return f.r.State() == StatePaused && f.r.Metrics().DispatchedCount == 3
	}, 5*time.Second, time.Millisecond)

	// Stepped records ignore the 200ms spacing; paced they would take 400ms+.
	require.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestStopRepliesAfterDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Source: &memorySource{recs: memRecords(10, 0)}})

	require.NoError(t, f.r.Bootstrap(ctx))
	require.NoError(t, f.r.Step(ctx, 2))
	require.Eventually(t, func() bool {
		return f.r.Metrics().DispatchedCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.r.Stop(ctx))

	// The terminal state and the done signal are observable the moment Stop
	// returns.
	require.Equal(t, StateStopped, f.r.State())
	select {
	case <-f.r.Done():
	default:
		t.Fatal("done not signaled after stop returned")
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	g := NewRegistry()

	f1 := newFixture(t, Options{ID: "src-1", Source: &memorySource{recs: memRecords(5, 0)}})
	f2 := newFixture(t, Options{ID: "src-2", Source: &memorySource{recs: memRecords(5, 0)}})

	require.NoError(t, g.Register(f1.r))
	require.NoError(t, g.Register(f2.r))
	require.Error(t, g.Register(f1.r))
	require.Equal(t, []string{"src-1", "src-2"}, g.IDs())

	got, ok := g.Get("src-1")
	require.True(t, ok)
	require.Same(t, f1.r, got)

	require.NoError(t, f1.r.Bootstrap(ctx))
	require.NoError(t, f2.r.Bootstrap(ctx))
	g.StopAll(ctx)
	require.Equal(t, StateStopped, f1.r.State())
	require.Equal(t, StateStopped, f2.r.State())

	g.Remove("src-1")
	_, ok = g.Get("src-1")
	require.False(t, ok)
}
