// Package config loads test host configuration. Files are YAML, validated
// against an embedded CUE schema before decoding, so shape errors surface
// with schema context instead of as zero values downstream.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the top-level test host configuration.
type Config struct {
	// MetricsPort serves the Prometheus endpoint; zero disables it.
	MetricsPort int `yaml:"metrics_port"`

	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one source and its run behavior.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // script, sqlite or market
	Path string `yaml:"path"`

	// Timing is "recorded", "live" or an RFC 3339 instant to rebase onto.
	Timing string `yaml:"timing"`

	// Spacing is "recorded", "none", "fixed:<duration>" or "scaled:<factor>".
	Spacing string `yaml:"spacing"`

	// StartImmediately bootstraps and starts the source when the host
	// comes up, without waiting for a control call.
	StartImmediately bool `yaml:"start_immediately"`

	Dispatch     DispatchConfig  `yaml:"dispatch"`
	Sinks        []SinkConfig    `yaml:"sinks"`
	StopTriggers []TriggerConfig `yaml:"stop_triggers"`
	Market       MarketConfig    `yaml:"market"`
}

// DispatchConfig mirrors the dispatcher settings with YAML-friendly types.
// Durations are strings like "100ms".
type DispatchConfig struct {
	BatchEvents  *bool          `yaml:"batch_events"`
	BatchSize    int            `yaml:"batch_size"`
	BatchTimeout string         `yaml:"batch_timeout"`
	Adaptive     AdaptiveConfig `yaml:"adaptive"`

	QueueDepth    int    `yaml:"queue_depth"`
	SendTimeout   string `yaml:"send_timeout"`
	RetryAttempts uint   `yaml:"retry_attempts"`
	RetryDelay    string `yaml:"retry_delay"`
}

type AdaptiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MinBatchSize int    `yaml:"min_batch_size"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MinWait      string `yaml:"min_wait"`
	MaxWait      string `yaml:"max_wait"`
	Window       string `yaml:"window"`
}

// SinkConfig selects a delivery transport.
type SinkConfig struct {
	Kind   string `yaml:"kind"` // http, file, console or pulsar
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// TriggerConfig is one stop condition.
type TriggerConfig struct {
	Kind     string `yaml:"kind"`
	Count    int64  `yaml:"count"`
	Sequence int64  `yaml:"sequence"`
	Duration string `yaml:"duration"`
}

// MarketConfig parameterizes the synthetic market generator.
type MarketConfig struct {
	Seed            int64   `yaml:"seed"`
	Stocks          int     `yaml:"stocks"`
	InitialPrice    float64 `yaml:"initial_price"`
	InitialSpread   float64 `yaml:"initial_spread"`
	PriceStep       float64 `yaml:"price_step"`
	PriceStepSpread float64 `yaml:"price_step_spread"`
	MomentumMean    float64 `yaml:"momentum_mean"`
	MomentumSpread  float64 `yaml:"momentum_spread"`
	MomentumReverse float64 `yaml:"momentum_reverse"`
	Interval        string  `yaml:"interval"`
	IntervalSpread  string  `yaml:"interval_spread"`
	Records         int64   `yaml:"records"`
}

// Load reads, validates and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse validates and decodes configuration bytes. name is used in errors.
func Parse(name string, data []byte) (*Config, error) {
	if err := validateSchema(name, data); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", name, err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchema unifies the YAML document with the embedded schema.
func validateSchema(name string, data []byte) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", name, err)
	}
	doc := cctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("config: build %s: %w", name, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: %s does not satisfy schema: %w", name, err)
	}
	return nil
}

// check enforces the cross-field rules the schema cannot express.
func (c *Config) check() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		sc := &c.Sources[i]
		if seen[sc.ID] {
			return fmt.Errorf("config: duplicate source id %q", sc.ID)
		}
		seen[sc.ID] = true

		switch sc.Kind {
		case "script", "sqlite":
			if sc.Path == "" {
				return fmt.Errorf("config: source %q: %s sources require a path", sc.ID, sc.Kind)
			}
		case "market":
		default:
			return fmt.Errorf("config: source %q: unknown kind %q", sc.ID, sc.Kind)
		}

		for j := range sc.Sinks {
			if err := sc.Sinks[j].check(sc.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SinkConfig) check(sourceID string) error {
	switch s.Kind {
	case "http":
		if s.URL == "" {
			return fmt.Errorf("config: source %q: http sink requires a url", sourceID)
		}
	case "file":
		if s.Path == "" {
			return fmt.Errorf("config: source %q: file sink requires a path", sourceID)
		}
	case "pulsar":
		if s.Broker == "" || s.Topic == "" {
			return fmt.Errorf("config: source %q: pulsar sink requires broker and topic", sourceID)
		}
	case "console":
	default:
		return fmt.Errorf("config: source %q: unknown sink kind %q", sourceID, s.Kind)
	}
	return nil
}
