package config

import (
	"fmt"
	"time"

	"github.com/agentofreality/drasi-test-infra/internal/dispatch"
	"github.com/agentofreality/drasi-test-infra/internal/pacing"
	"github.com/agentofreality/drasi-test-infra/internal/source"
	"github.com/agentofreality/drasi-test-infra/internal/trigger"
)

// Plan resolves the pacing selection for this source.
func (s *SourceConfig) Plan() (pacing.Plan, error) {
	plan := pacing.DefaultPlan()
	if s.Timing != "" {
		mode, rebase, err := pacing.ParseTimingMode(s.Timing)
		if err != nil {
			return pacing.Plan{}, fmt.Errorf("config: source %q: %w", s.ID, err)
		}
		plan.Timing = mode
		plan.RebaseNs = rebase
	}
	if s.Spacing != "" {
		sp, err := pacing.ParseSpacing(s.Spacing)
		if err != nil {
			return pacing.Plan{}, fmt.Errorf("config: source %q: %w", s.ID, err)
		}
		plan.Spacing = sp
	}
	if err := plan.Validate(); err != nil {
		return pacing.Plan{}, fmt.Errorf("config: source %q: %w", s.ID, err)
	}
	return plan, nil
}

// DispatchConfig resolves the dispatcher settings, applying defaults.
func (s *SourceConfig) DispatchConfig() (dispatch.Config, error) {
	cfg := dispatch.DefaultConfig()
	d := s.Dispatch

	if d.BatchEvents != nil {
		cfg.BatchEvents = *d.BatchEvents
	}
	if d.BatchSize > 0 {
		cfg.BatchSize = d.BatchSize
	}
	var err error
	if cfg.BatchTimeout, err = duration(d.BatchTimeout, cfg.BatchTimeout); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: batch_timeout: %w", s.ID, err)
	}
	cfg.Adaptive.Enabled = d.Adaptive.Enabled
	if d.Adaptive.MinBatchSize > 0 {
		cfg.Adaptive.MinBatchSize = d.Adaptive.MinBatchSize
	}
	if d.Adaptive.MaxBatchSize > 0 {
		cfg.Adaptive.MaxBatchSize = d.Adaptive.MaxBatchSize
	}
	if cfg.Adaptive.MinWait, err = duration(d.Adaptive.MinWait, cfg.Adaptive.MinWait); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: adaptive.min_wait: %w", s.ID, err)
	}
	if cfg.Adaptive.MaxWait, err = duration(d.Adaptive.MaxWait, cfg.Adaptive.MaxWait); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: adaptive.max_wait: %w", s.ID, err)
	}
	if cfg.Adaptive.Window, err = duration(d.Adaptive.Window, cfg.Adaptive.Window); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: adaptive.window: %w", s.ID, err)
	}
	if d.QueueDepth > 0 {
		cfg.QueueDepth = d.QueueDepth
	}
	if cfg.SendTimeout, err = duration(d.SendTimeout, cfg.SendTimeout); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: send_timeout: %w", s.ID, err)
	}
	if d.RetryAttempts > 0 {
		cfg.RetryAttempts = d.RetryAttempts
	}
	if cfg.RetryDelay, err = duration(d.RetryDelay, cfg.RetryDelay); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: source %q: retry_delay: %w", s.ID, err)
	}
	return cfg, nil
}

// TriggerSpecs resolves the stop conditions.
func (s *SourceConfig) TriggerSpecs() ([]trigger.Spec, error) {
	specs := make([]trigger.Spec, 0, len(s.StopTriggers))
	for _, tc := range s.StopTriggers {
		spec := trigger.Spec{
			Kind:     trigger.Kind(tc.Kind),
			Count:    tc.Count,
			Sequence: tc.Sequence,
		}
		if tc.Duration != "" {
			dur, err := time.ParseDuration(tc.Duration)
			if err != nil {
				return nil, fmt.Errorf("config: source %q: trigger duration: %w", s.ID, err)
			}
			spec.Duration = dur
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("config: source %q: %w", s.ID, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// MarketConfig resolves the generator parameters for market sources.
func (s *SourceConfig) MarketConfig() (source.MarketConfig, error) {
	m := s.Market
	cfg := source.MarketConfig{
		Seed:               m.Seed,
		Stocks:             m.Stocks,
		InitialPrice:       m.InitialPrice,
		InitialPriceSpread: m.InitialSpread,
		PriceStep:          m.PriceStep,
		PriceStepSpread:    m.PriceStepSpread,
		MomentumMean:       m.MomentumMean,
		MomentumSpread:     m.MomentumSpread,
		MomentumReverse:    m.MomentumReverse,
		Records:            m.Records,
	}
	if m.Interval != "" {
		dur, err := time.ParseDuration(m.Interval)
		if err != nil {
			return source.MarketConfig{}, fmt.Errorf("config: source %q: market interval: %w", s.ID, err)
		}
		cfg.IntervalNs = float64(dur.Nanoseconds())
	}
	if m.IntervalSpread != "" {
		dur, err := time.ParseDuration(m.IntervalSpread)
		if err != nil {
			return source.MarketConfig{}, fmt.Errorf("config: source %q: market interval_spread: %w", s.ID, err)
		}
		cfg.IntervalNsSpread = float64(dur.Nanoseconds())
	}
	return cfg, nil
}

// duration parses s, returning def when s is empty.
func duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
