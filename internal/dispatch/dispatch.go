// Package dispatch accumulates change records into batches and delivers them
// to a sink. Each dispatcher serves one source and runs one goroutine; the
// bounded input channel is the only backpressure point between generation
// and delivery.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/agentofreality/drasi-test-infra/internal/change"
	"github.com/agentofreality/drasi-test-infra/internal/metrics"
	"github.com/agentofreality/drasi-test-infra/internal/sink"
	"github.com/agentofreality/drasi-test-infra/internal/trigger"
)

// AdaptiveConfig bounds the throughput-driven batch parameters.
type AdaptiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MinBatchSize int           `yaml:"min_batch_size"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MinWait      time.Duration `yaml:"min_wait"`
	MaxWait      time.Duration `yaml:"max_wait"`
	Window       time.Duration `yaml:"window"`
}

// Config controls batching and delivery for one source.
type Config struct {
	// BatchEvents false sends each record as its own batch.
	BatchEvents  bool           `yaml:"batch_events"`
	BatchSize    int            `yaml:"batch_size"`
	BatchTimeout time.Duration  `yaml:"batch_timeout"`
	Adaptive     AdaptiveConfig `yaml:"adaptive"`

	QueueDepth    int           `yaml:"queue_depth"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns the fixed-batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchEvents:  true,
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
		Adaptive: AdaptiveConfig{
			MinBatchSize: 10,
			MaxBatchSize: 1000,
			MinWait:      time.Millisecond,
			MaxWait:      100 * time.Millisecond,
			Window:       5 * time.Second,
		},
		QueueDepth:    1024,
		SendTimeout:   10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.Adaptive.MinBatchSize <= 0 {
		c.Adaptive.MinBatchSize = def.Adaptive.MinBatchSize
	}
	if c.Adaptive.MaxBatchSize < c.Adaptive.MinBatchSize {
		c.Adaptive.MaxBatchSize = def.Adaptive.MaxBatchSize
	}
	if c.Adaptive.MinWait <= 0 {
		c.Adaptive.MinWait = def.Adaptive.MinWait
	}
	if c.Adaptive.MaxWait < c.Adaptive.MinWait {
		c.Adaptive.MaxWait = def.Adaptive.MaxWait
	}
	if c.Adaptive.Window <= 0 {
		c.Adaptive.Window = def.Adaptive.Window
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

// Item is one unit of work on the dispatch channel. Skipped items were
// consumed from the source without delivery; they flow through the channel so
// progress accounting stays ordered with real dispatches.
type Item struct {
	Record  *change.Record
	Skipped bool
}

// Dispatcher owns the delivery side of one source.
type Dispatcher struct {
	cfg     Config
	source  string
	sink    sink.TransportSink
	obs     *metrics.Observer
	eval    *trigger.Evaluator
	exp     *metrics.Exporter
	log     *slog.Logger
	monitor *throughputMonitor

	in   chan Item
	done chan struct{}
}

// New builds a dispatcher. eval and exp may be nil.
func New(cfg Config, source string, sk sink.TransportSink, obs *metrics.Observer, eval *trigger.Evaluator, exp *metrics.Exporter, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		source:  source,
		sink:    sk,
		obs:     obs,
		eval:    eval,
		exp:     exp,
		log:     logger.With("source", source),
		monitor: newThroughputMonitor(cfg.Adaptive),
		in:      make(chan Item, cfg.QueueDepth),
		done:    make(chan struct{}),
	}
}

// Input returns the send side of the dispatch channel. The producer closes
// it via CloseInput to drain and terminate the dispatcher.
func (d *Dispatcher) Input() chan<- Item { return d.in }

// CloseInput signals no more items. The dispatcher flushes what it holds and
// closes Done.
func (d *Dispatcher) CloseInput() { close(d.in) }

// Done closes after the final flush.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	batch := make([]*change.Record, 0, d.cfg.BatchSize)
	for {
		item, ok := <-d.in
		if !ok {
			return
		}
		if d.handleSkip(item) {
			continue
		}

		size, wait := d.batchParams(time.Now())
		batch = append(batch[:0], item.Record)

		if len(batch) >= size {
			d.flush(ctx, batch)
			continue
		}

		timer := time.NewTimer(wait)
	accumulate:
		for {
			select {
			case item, ok := <-d.in:
				if !ok {
					timer.Stop()
					d.flush(ctx, batch)
					return
				}
				if d.handleSkip(item) {
					continue
				}
				if d.cfg.Adaptive.Enabled {
					d.monitor.observe(time.Now())
				}
				batch = append(batch, item.Record)
				if len(batch) >= size {
					timer.Stop()
					break accumulate
				}
			case <-timer.C:
				break accumulate
			}
		}
		d.flush(ctx, batch)
	}
}

// batchParams picks the target size and accumulation wait for the batch that
// is about to form. Adaptive mode re-evaluates per batch, before records
// accumulate, so a burst is met with burst-sized parameters.
func (d *Dispatcher) batchParams(now time.Time) (int, time.Duration) {
	if !d.cfg.BatchEvents {
		return 1, 0
	}
	if !d.cfg.Adaptive.Enabled {
		return d.cfg.BatchSize, d.cfg.BatchTimeout
	}
	d.monitor.observe(now)
	size, wait, b := d.monitor.params(now)
	d.log.Debug("adaptive batch parameters", "band", b.String(), "size", size, "wait", wait)
	return size, wait
}

// handleSkip accounts for a skip marker. Returns false for real records.
func (d *Dispatcher) handleSkip(item Item) bool {
	if !item.Skipped {
		return false
	}
	snap := d.obs.Update(func(s *metrics.Snapshot) {
		s.SkippedCount++
		advanceSequence(s, item.Record)
	})
	d.publish(snap, time.Now())
	return true
}

// flush delivers one batch, retrying with backoff. A batch that exhausts its
// retries is dropped and counted; it is never requeued, so the stream keeps
// moving and ordering is preserved for what does get through.
func (d *Dispatcher) flush(ctx context.Context, batch []*change.Record) {
	if len(batch) == 0 {
		return
	}
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
			return d.sink.SendBatch(sctx, batch)
		},
		retry.Attempts(d.cfg.RetryAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	now := time.Now()
	var snap metrics.Snapshot
	if err != nil {
		snap = d.obs.Update(func(s *metrics.Snapshot) {
			s.DroppedCount += int64(len(batch))
			s.ErrorCount++
			advanceSequence(s, batch[len(batch)-1])
		})
		d.log.Warn("dropping batch after delivery retries",
			"records", len(batch),
			"first_lsn", batch[0].Payload.Source.LSN,
			"error", err)
	} else {
		snap = d.obs.Update(func(s *metrics.Snapshot) {
			s.DispatchedCount += int64(len(batch))
			advanceSequence(s, batch[len(batch)-1])
			if s.FirstEventNs == 0 {
				s.FirstEventNs = now.UnixNano()
			}
			s.LastEventNs = now.UnixNano()
		})
		if d.exp != nil {
			d.exp.ObserveBatch(d.source, len(batch))
		}
	}
	d.publish(snap, now)
}

func (d *Dispatcher) publish(snap metrics.Snapshot, now time.Time) {
	if d.exp != nil {
		d.exp.Record(d.source, snap)
	}
	if d.eval != nil {
		d.eval.Observe(snap, now)
	}
}

func advanceSequence(s *metrics.Snapshot, rec *change.Record) {
	if rec != nil && rec.Payload.Source.LSN > s.LastSequence {
		s.LastSequence = rec.Payload.Source.LSN
	}
}
