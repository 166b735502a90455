package dispatch

import (
	"time"
)

// band classifies recent arrival throughput. Bounds are records per second.
type band int

const (
	bandIdle band = iota
	bandLow
	bandMedium
	bandHigh
	bandBurst
)

func (b band) String() string {
	switch b {
	case bandIdle:
		return "idle"
	case bandLow:
		return "low"
	case bandMedium:
		return "medium"
	case bandHigh:
		return "high"
	case bandBurst:
		return "burst"
	}
	return "unknown"
}

func classify(rate float64) band {
	switch {
	case rate < 1:
		return bandIdle
	case rate < 100:
		return bandLow
	case rate < 1_000:
		return bandMedium
	case rate < 10_000:
		return bandHigh
	default:
		return bandBurst
	}
}

// throughputMonitor measures arrival rate over a rolling window and maps it
// to batch parameters. Low throughput favors small batches and long waits so
// sparse streams stay responsive; high throughput favors large batches and
// short waits so dense streams keep up.
type throughputMonitor struct {
	window  time.Duration
	arrived []time.Time

	minSize int
	maxSize int
	minWait time.Duration
	maxWait time.Duration
}

func newThroughputMonitor(cfg AdaptiveConfig) *throughputMonitor {
	return &throughputMonitor{
		window:  cfg.Window,
		minSize: cfg.MinBatchSize,
		maxSize: cfg.MaxBatchSize,
		minWait: cfg.MinWait,
		maxWait: cfg.MaxWait,
	}
}

// observe records one arrival.
func (m *throughputMonitor) observe(now time.Time) {
	m.arrived = append(m.arrived, now)
	m.trim(now)
}

func (m *throughputMonitor) trim(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.arrived) && m.arrived[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.arrived = append(m.arrived[:0], m.arrived[i:]...)
	}
}

// rate returns arrivals per second over the window.
func (m *throughputMonitor) rate(now time.Time) float64 {
	m.trim(now)
	if len(m.arrived) == 0 {
		return 0
	}
	span := now.Sub(m.arrived[0])
	if span < time.Second {
		span = time.Second
	}
	return float64(len(m.arrived)) / span.Seconds()
}

// params maps the current band to a target batch size and accumulation wait.
func (m *throughputMonitor) params(now time.Time) (size int, wait time.Duration, b band) {
	b = classify(m.rate(now))

	// Interpolate across the five bands: idle sits at the small/slow end,
	// burst at the large/fast end.
	frac := float64(b) / float64(bandBurst)
	size = m.minSize + int(frac*float64(m.maxSize-m.minSize))
	wait = m.maxWait - time.Duration(frac*float64(m.maxWait-m.minWait))
	return size, wait, b
}
