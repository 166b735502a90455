// Package runner drives one source through its run lifecycle: a single
// goroutine owns the source, the pacing schedule and the state machine, and
// feeds records to the dispatcher. Control operations are messages into that
// goroutine, so transitions are serialized without locks.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentofreality/drasi-test-infra/internal/change"
	"github.com/agentofreality/drasi-test-infra/internal/dispatch"
	"github.com/agentofreality/drasi-test-infra/internal/metrics"
	"github.com/agentofreality/drasi-test-infra/internal/pacing"
	"github.com/agentofreality/drasi-test-infra/internal/sink"
	"github.com/agentofreality/drasi-test-infra/internal/source"
	"github.com/agentofreality/drasi-test-infra/internal/trigger"
)

// State is the runner lifecycle state.
type State int32

const (
	// StateBootstrapping is the initial state; the source is not yet prepared.
	StateBootstrapping State = iota

	// StateReady means the source is prepared and generation can start.
	StateReady

	// StateRunning means records are flowing continuously.
	StateRunning

	// StateStepping means a bounded number of records is flowing, after which
	// the runner pauses itself.
	StateStepping

	// StateSkipping means a bounded number of records is being consumed
	// without dispatch, after which the runner pauses itself.
	StateSkipping

	// StatePaused means generation is suspended; progress is retained.
	StatePaused

	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStepping:
		return "stepping"
	case StateSkipping:
		return "skipping"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const defaultGraceTimeout = 30 * time.Second

// Options configures one source runner.
type Options struct {
	ID       string
	Source   source.ChangeSource
	Plan     pacing.Plan
	Dispatch dispatch.Config
	Sink     sink.TransportSink
	Triggers []trigger.Spec
	Exporter *metrics.Exporter
	Logger   *slog.Logger

	// GraceTimeout bounds the wait for the dispatcher to drain on stop.
	GraceTimeout time.Duration
}

type cmdOp string

const (
	opBootstrap cmdOp = "bootstrap"
	opStart     cmdOp = "start"
	opPause     cmdOp = "pause"
	opStep      cmdOp = "step"
	opSkip      cmdOp = "skip"
	opStop      cmdOp = "stop"
	opReset     cmdOp = "reset"
	opClose     cmdOp = "close"
)

type command struct {
	op    cmdOp
	n     int64
	reply chan error
}

// Runner executes one source's test run.
type Runner struct {
	id      string
	runID   string
	opts    Options
	baseLog *slog.Logger
	log     *slog.Logger

	src  source.ChangeSource
	plan pacing.Plan
	obs  *metrics.Observer
	eval *trigger.Evaluator

	newDispatcher func() *dispatch.Dispatcher
	disp          *dispatch.Dispatcher

	cmds     chan command
	stopCh   chan trigger.Spec
	loopDone chan struct{}

	mu      sync.Mutex
	stopped chan struct{}

	state atomic.Int32

	// loop-owned generation state
	sched     *pacing.Schedule
	pending   *change.Record
	remaining int64
}

// New validates the options and builds a runner. Run must be called before
// control operations are accepted.
func New(opts Options) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("runner: source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("runner: sink is required")
	}
	if err := opts.Plan.Validate(); err != nil {
		return nil, err
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaultGraceTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		id:       opts.ID,
		runID:    uuid.NewString(),
		opts:     opts,
		src:      opts.Source,
		plan:     opts.Plan,
		obs:      metrics.NewObserver(),
		cmds:     make(chan command),
		stopCh:   make(chan trigger.Spec, 1),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	r.baseLog = logger
	r.log = logger.With("source", opts.ID, "run_id", r.runID)

	eval, err := trigger.NewEvaluator(opts.Triggers, func(spec trigger.Spec) {
		select {
		case r.stopCh <- spec:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	r.eval = eval

	r.newDispatcher = func() *dispatch.Dispatcher {
		return dispatch.New(opts.Dispatch, opts.ID, opts.Sink, r.obs, r.eval, opts.Exporter, logger)
	}
	r.state.Store(int32(StateBootstrapping))
	return r, nil
}

// ID returns the source id.
func (r *Runner) ID() string { return r.id }

// RunID returns the unique id assigned to this run.
func (r *Runner) RunID() string { return r.runID }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Metrics returns the current progress snapshot.
func (r *Runner) Metrics() metrics.Snapshot { return r.obs.Snapshot() }

// Done closes when the current run reaches Stopped. Reset rearms it for the
// next run.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Run starts the control loop. It returns immediately.
func (r *Runner) Run(ctx context.Context) {
	go r.loop(ctx)
}

// Bootstrap prepares the source. Legal only once, from the initial state.
func (r *Runner) Bootstrap(ctx context.Context) error { return r.do(ctx, opBootstrap, 0) }

// Start begins continuous generation from Ready or Paused.
func (r *Runner) Start(ctx context.Context) error { return r.do(ctx, opStart, 0) }

// Pause suspends generation, retaining progress and any in-flight record.
func (r *Runner) Pause(ctx context.Context) error { return r.do(ctx, opPause, 0) }

// Step dispatches exactly n records (default 1) and pauses.
func (r *Runner) Step(ctx context.Context, n int64) error { return r.do(ctx, opStep, n) }

// Skip consumes exactly n records (default 1) without dispatching and pauses.
func (r *Runner) Skip(ctx context.Context, n int64) error { return r.do(ctx, opSkip, n) }

// Stop ends the run, draining the dispatcher. It returns once the drain has
// completed and the state is Stopped. Only Reset and Close are accepted
// afterwards.
func (r *Runner) Stop(ctx context.Context) error { return r.do(ctx, opStop, 0) }

// Reset rewinds the source and zeroes progress for a fresh run, returning to
// Ready. Legal only from Stopped.
func (r *Runner) Reset(ctx context.Context) error { return r.do(ctx, opReset, 0) }

// Close ends the control loop and releases the source and the sink, stopping
// the run first if it is still live. The runner accepts no commands after
// Close.
func (r *Runner) Close(ctx context.Context) error {
	err := r.do(ctx, opClose, 0)
	if err != nil && !IsRunnerClosed(err) {
		return err
	}
	select {
	case <-r.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) do(ctx context.Context, op cmdOp, n int64) error {
	cmd := command{op: op, n: n, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.loopDone:
		return NewClosedError(string(op))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.log.Debug("state transition", "from", prev.String(), "to", s.String())
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.loopDone)
	defer r.release()

	for {
		switch r.State() {
		case StateRunning, StateStepping, StateSkipping:
			if !r.generate(ctx) {
				return
			}
		case StateStopped:
			// The run is over but the loop stays alive so reset can
			// rearm it. A trigger racing the stop is stale here.
			select {
			case cmd := <-r.cmds:
				if !r.handle(ctx, cmd) {
					return
				}
			case <-r.stopCh:
			case <-ctx.Done():
				return
			}
		default:
			select {
			case cmd := <-r.cmds:
				if !r.handle(ctx, cmd) {
					return
				}
			case spec := <-r.stopCh:
				r.log.Info("stop trigger fired", "trigger", spec.String())
				r.shutdown()
			case <-ctx.Done():
				r.shutdown()
				return
			}
		}
	}
}

// handle applies one control command. Returns false when the loop must exit.
func (r *Runner) handle(ctx context.Context, cmd command) bool {
	st := r.State()
	switch cmd.op {
	case opBootstrap:
		if st != StateBootstrapping {
			cmd.reply <- NewAlreadyBootstrappedError(st)
			return true
		}
		if err := r.bootstrap(ctx); err != nil {
			cmd.reply <- err
			return true
		}
		r.setState(StateReady)
		cmd.reply <- nil

	case opStart:
		if st != StateReady && st != StatePaused {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		r.arm()
		r.setState(StateRunning)
		cmd.reply <- nil

	case opPause:
		if st != StateRunning && st != StateStepping && st != StateSkipping {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		r.remaining = 0
		r.setState(StatePaused)
		cmd.reply <- nil

	case opStep:
		if st != StateReady && st != StatePaused {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		r.remaining = max(cmd.n, 1)
		r.setState(StateStepping)
		cmd.reply <- nil

	case opSkip:
		if st != StateReady && st != StatePaused {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		r.remaining = max(cmd.n, 1)
		r.setState(StateSkipping)
		cmd.reply <- nil

	case opStop:
		if st == StateStopped {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		r.shutdown()
		cmd.reply <- nil

	case opReset:
		if st != StateStopped {
			cmd.reply <- NewTransitionError(string(cmd.op), st)
			return true
		}
		cmd.reply <- r.reset(ctx)

	case opClose:
		if st != StateStopped {
			r.shutdown()
		}
		cmd.reply <- nil
		return false

	default:
		cmd.reply <- NewTransitionError(string(cmd.op), st)
	}
	return true
}

// bootstrap prepares the source and brings up the dispatcher.
func (r *Runner) bootstrap(ctx context.Context) error {
	if err := r.src.Reset(ctx); err != nil {
		return NewBootstrapError(err)
	}
	r.disp = r.newDispatcher()
	r.disp.Start(ctx)
	r.log.Info("source bootstrapped", "plan", r.plan.String())
	return nil
}

// arm establishes the pacing schedule for a fresh stretch of continuous
// generation. Each resume re-anchors, so time spent paused is not replayed
// as a catch-up burst.
func (r *Runner) arm() {
	r.sched = pacing.NewSchedule(r.plan, time.Now())
}

// generate advances one record through pace-then-dispatch, staying
// responsive to control commands and the stop trigger at every blocking
// point. Returns false when the loop must exit.
func (r *Runner) generate(ctx context.Context) bool {
	if r.pending == nil {
		rec, err := r.src.Pull(ctx)
		if err != nil {
			if errors.Is(err, source.ErrEndOfStream) {
				r.log.Info("source exhausted", "dispatched", r.obs.Snapshot().DispatchedCount)
			} else {
				r.log.Error("source read failed", "error", err)
			}
			r.shutdown()
			return true
		}
		r.pending = rec
	}

	skipping := r.State() == StateSkipping

	// Only continuous generation honors the schedule; stepped records go
	// out back to back and skips consume the backlog as fast as the
	// dispatcher accepts markers.
	if r.State() == StateRunning {
		release := r.sched.ReleaseAt(time.Now(), r.pending.OffsetNs)
		if wait := time.Until(release); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case cmd := <-r.cmds:
				timer.Stop()
				return r.handle(ctx, cmd)
			case spec := <-r.stopCh:
				timer.Stop()
				r.log.Info("stop trigger fired", "trigger", spec.String())
				r.shutdown()
				return true
			case <-ctx.Done():
				timer.Stop()
				r.shutdown()
				return false
			}
		}
	}

	item := dispatch.Item{Record: r.pending, Skipped: skipping}
	select {
	case r.disp.Input() <- item:
		r.pending = nil
	case cmd := <-r.cmds:
		return r.handle(ctx, cmd)
	case spec := <-r.stopCh:
		r.log.Info("stop trigger fired", "trigger", spec.String())
		r.shutdown()
		return true
	case <-ctx.Done():
		r.shutdown()
		return false
	}

	if r.State() == StateStepping || skipping {
		r.remaining--
		if r.remaining <= 0 {
			r.setState(StatePaused)
		}
	}
	return true
}

// shutdown drains the dispatcher and moves to Stopped. The source and sink
// stay open so a reset can start a fresh run over them.
func (r *Runner) shutdown() {
	if r.disp != nil {
		r.disp.CloseInput()
		select {
		case <-r.disp.Done():
		case <-time.After(r.opts.GraceTimeout):
			r.log.Warn("dispatcher did not drain within grace period",
				"grace", r.opts.GraceTimeout)
		}
		r.disp = nil
	}
	r.pending = nil
	r.remaining = 0
	r.setState(StateStopped)

	r.mu.Lock()
	close(r.stopped)
	r.mu.Unlock()

	snap := r.obs.Snapshot()
	r.log.Info("run stopped",
		"dispatched", snap.DispatchedCount,
		"skipped", snap.SkippedCount,
		"dropped", snap.DroppedCount,
		"last_sequence", snap.LastSequence)
}

// reset rewinds everything for a fresh run under a new run id. It runs only
// from Stopped, after shutdown has drained the previous dispatcher, so late
// flushes cannot write into the zeroed observer.
func (r *Runner) reset(ctx context.Context) error {
	if err := r.src.Reset(ctx); err != nil {
		return NewBootstrapError(err)
	}
	r.obs.Reset()
	r.eval.Reset()
	// Rearm the stop channel in case a trigger fired just before the stop.
	select {
	case <-r.stopCh:
	default:
	}
	r.runID = uuid.NewString()
	r.log = r.baseLog.With("source", r.id, "run_id", r.runID)
	r.mu.Lock()
	r.stopped = make(chan struct{})
	r.mu.Unlock()
	r.disp = r.newDispatcher()
	r.disp.Start(ctx)
	r.setState(StateReady)
	r.log.Info("run reset", "run_id", r.runID)
	return nil
}

// release closes the source and the sink when the control loop exits.
func (r *Runner) release() {
	if err := r.src.Close(); err != nil {
		r.log.Warn("source close failed", "error", err)
	}
	if err := r.opts.Sink.Close(); err != nil {
		r.log.Warn("sink close failed", "error", err)
	}
}
