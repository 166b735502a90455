package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentofreality/drasi-test-infra/internal/config"
	"github.com/agentofreality/drasi-test-infra/internal/metrics"
	"github.com/agentofreality/drasi-test-infra/internal/runner"
	"github.com/agentofreality/drasi-test-infra/internal/sink"
	"github.com/agentofreality/drasi-test-infra/internal/source"
)

// Host owns the runners built from one configuration file.
type Host struct {
	Registry *runner.Registry
	Exporter *metrics.Exporter
	log      *slog.Logger
}

// BuildHost assembles sources, sinks and runners from a validated config.
func BuildHost(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	h := &Host{
		Registry: runner.NewRegistry(),
		Exporter: metrics.NewExporter(),
		log:      logger,
	}

	for i := range cfg.Sources {
		sc := &cfg.Sources[i]
		r, err := buildRunner(sc, h.Exporter, logger)
		if err != nil {
			return nil, err
		}
		if err := h.Registry.Register(r); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func buildRunner(sc *config.SourceConfig, exp *metrics.Exporter, logger *slog.Logger) (*runner.Runner, error) {
	src, err := buildSource(sc)
	if err != nil {
		return nil, err
	}
	plan, err := sc.Plan()
	if err != nil {
		return nil, err
	}
	dispatchCfg, err := sc.DispatchConfig()
	if err != nil {
		return nil, err
	}
	specs, err := sc.TriggerSpecs()
	if err != nil {
		return nil, err
	}
	snk, err := buildSink(sc, dispatchCfg.SendTimeout)
	if err != nil {
		return nil, err
	}

	return runner.New(runner.Options{
		ID:       sc.ID,
		Source:   src,
		Plan:     plan,
		Dispatch: dispatchCfg,
		Sink:     snk,
		Triggers: specs,
		Exporter: exp,
		Logger:   logger,
	})
}

func buildSource(sc *config.SourceConfig) (source.ChangeSource, error) {
	switch sc.Kind {
	case "script":
		return source.OpenScript(sc.Path)
	case "sqlite":
		return source.OpenSQLiteScript(sc.Path)
	case "market":
		mc, err := sc.MarketConfig()
		if err != nil {
			return nil, err
		}
		return source.NewMarket(mc), nil
	}
	return nil, fmt.Errorf("cli: source %q: unknown kind %q", sc.ID, sc.Kind)
}

func buildSink(sc *config.SourceConfig, sendTimeout time.Duration) (sink.TransportSink, error) {
	if len(sc.Sinks) == 0 {
		return sink.NewConsoleSink(), nil
	}
	sinks := make([]sink.TransportSink, 0, len(sc.Sinks))
	for _, kc := range sc.Sinks {
		s, err := buildOneSink(sc.ID, kc, sendTimeout)
		if err != nil {
			for _, built := range sinks {
				built.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sink.NewFanout(sinks...), nil
}

func buildOneSink(sourceID string, kc config.SinkConfig, sendTimeout time.Duration) (sink.TransportSink, error) {
	switch kc.Kind {
	case "http":
		return sink.NewHTTPSink(kc.URL, sourceID, sendTimeout), nil
	case "file":
		return sink.NewFileSink(kc.Path)
	case "console":
		return sink.NewConsoleSink(), nil
	case "pulsar":
		return sink.NewPulsarSink(kc.Broker, kc.Topic)
	}
	return nil, fmt.Errorf("cli: source %q: unknown sink kind %q", sourceID, kc.Kind)
}

// Launch starts every runner's control loop and kicks off the sources marked
// start_immediately.
func (h *Host) Launch(ctx context.Context, cfg *config.Config) error {
	for i := range cfg.Sources {
		sc := &cfg.Sources[i]
		r, ok := h.Registry.Get(sc.ID)
		if !ok {
			return fmt.Errorf("cli: source %q not registered", sc.ID)
		}
		r.Run(ctx)
		if sc.StartImmediately {
			if err := r.Bootstrap(ctx); err != nil {
				return fmt.Errorf("cli: source %q: %w", sc.ID, err)
			}
			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("cli: source %q: %w", sc.ID, err)
			}
			h.log.Info("source started", "source", sc.ID)
		}
	}
	return nil
}
