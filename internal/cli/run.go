package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentofreality/drasi-test-infra/internal/config"
	"github.com/agentofreality/drasi-test-infra/internal/metrics"
	"github.com/agentofreality/drasi-test-infra/internal/runner"
)

const stopDrainTimeout = 30 * time.Second

// RunSummary reports the final state of every source after a run.
type RunSummary struct {
	Sources []SourceSummary `json:"sources"`
}

// SourceSummary is the end-of-run accounting for one source.
type SourceSummary struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	State      string           `json:"state"`
	Dispatched int64            `json:"dispatched"`
	Skipped    int64            `json:"skipped"`
	Dropped    int64            `json:"dropped"`
	Snapshot   metrics.Snapshot `json:"metrics"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Host the configured test run sources",
		Long: `Host the configured test run sources until every run completes or the
process receives SIGINT or SIGTERM.

Sources marked start_immediately begin generating as soon as the host is up.
When a metrics port is configured, per-source counters are served on
/metrics in Prometheus format.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runHost(opts *RootOptions, path string, cmd *cobra.Command) error {
	logger := newLogger(opts)

	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading configuration", err)
	}

	host, err := BuildHost(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "building sources", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Launch(ctx, cfg); err != nil {
		return WrapExitError(ExitFailure, "starting sources", err)
	}

	if cfg.MetricsPort > 0 {
		go func() {
			logger.Info("serving metrics", "port", cfg.MetricsPort)
			if err := host.Exporter.Serve(cfg.MetricsPort); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	waitForRuns(ctx, host.Registry, logger)

	drainCtx, cancel := context.WithTimeout(context.Background(), stopDrainTimeout)
	defer cancel()
	host.Registry.StopAll(drainCtx)

	return printSummary(opts, cmd, host.Registry)
}

// waitForRuns blocks until every runner terminates or the signal context is
// canceled. Sources not started immediately stay idle until a trigger or
// signal ends the host, so they do not hold the host open by themselves.
func waitForRuns(ctx context.Context, reg *runner.Registry, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, id := range reg.IDs() {
		r, ok := reg.Get(id)
		if !ok || r.State() == runner.StateBootstrapping {
			continue
		}
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			select {
			case <-r.Done():
			case <-ctx.Done():
			}
		}(r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all runs completed")
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
}

func printSummary(opts *RootOptions, cmd *cobra.Command, reg *runner.Registry) error {
	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}

	var summary RunSummary
	for _, id := range reg.IDs() {
		r, ok := reg.Get(id)
		if !ok {
			continue
		}
		snap := r.Metrics()
		summary.Sources = append(summary.Sources, SourceSummary{
			ID:         r.ID(),
			RunID:      r.RunID(),
			State:      r.State().String(),
			Dispatched: snap.DispatchedCount,
			Skipped:    snap.SkippedCount,
			Dropped:    snap.DroppedCount,
			Snapshot:   snap,
		})
	}

	return formatter.Print(summary, func(w io.Writer) {
		for _, s := range summary.Sources {
			fmt.Fprintf(w, "%s: %s dispatched=%d skipped=%d dropped=%d\n",
				s.ID, s.State, s.Dispatched, s.Skipped, s.Dropped)
		}
	})
}
