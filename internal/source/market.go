package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// MarketConfig parameterizes the synthetic stock-trade generator. All
// distributions are Normal(mean, stddev); momentum carries a direction that
// reverses with the given probability when it is re-rolled, which is what
// produces the characteristic drift-then-turn price series.
type MarketConfig struct {
	Seed   int64
	Stocks int

	InitialPrice       float64
	InitialPriceSpread float64

	PriceStep       float64 // mean magnitude of one price move
	PriceStepSpread float64

	MomentumMean    float64 // moves per momentum roll
	MomentumSpread  float64
	MomentumReverse float64 // probability a re-roll flips direction

	IntervalNs       float64 // mean synthesized inter-event gap
	IntervalNsSpread float64

	Records int64 // total records to generate, 0 = unbounded
}

// DefaultMarketConfig mirrors the generator defaults of the recorded test
// suites: a small board of stocks ticking a few times a second.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Seed:               1,
		Stocks:             5,
		InitialPrice:       100,
		InitialPriceSpread: 10,
		PriceStep:          0.25,
		PriceStepSpread:    0.10,
		MomentumMean:       10,
		MomentumSpread:     3,
		MomentumReverse:    0.4,
		IntervalNs:         250e6,
		IntervalNsSpread:   50e6,
	}
}

func (c MarketConfig) withDefaults() MarketConfig {
	def := DefaultMarketConfig()
	if c.Stocks <= 0 {
		c.Stocks = def.Stocks
	}
	if c.InitialPrice == 0 {
		c.InitialPrice = def.InitialPrice
	}
	if c.PriceStep == 0 {
		c.PriceStep = def.PriceStep
	}
	if c.MomentumMean == 0 {
		c.MomentumMean = def.MomentumMean
	}
	if c.MomentumReverse == 0 {
		c.MomentumReverse = def.MomentumReverse
	}
	if c.IntervalNs == 0 {
		c.IntervalNs = def.IntervalNs
	}
	return c
}

type stockState struct {
	id       string
	symbol   string
	price    float64
	momentum int // remaining moves; sign is direction
}

// Market is a deterministic synthetic change source. Given the same
// config (including seed) it generates an identical record sequence, so
// model-generated runs replay exactly like recorded scripts.
type Market struct {
	cfg      MarketConfig
	rng      *rand.Rand
	stocks   []*stockState
	nextLSN  int64
	offsetNs int64
	emitted  int64
	baseTsNs int64
}

// NewMarket creates a seeded market generator.
func NewMarket(cfg MarketConfig) *Market {
	m := &Market{cfg: cfg.withDefaults()}
	m.init()
	return m
}

func (m *Market) init() {
	m.rng = rand.New(rand.NewSource(m.cfg.Seed))
	m.stocks = make([]*stockState, m.cfg.Stocks)
	for i := range m.stocks {
		price := m.cfg.InitialPrice + m.rng.NormFloat64()*m.cfg.InitialPriceSpread
		m.stocks[i] = &stockState{
			id:       fmt.Sprintf("stock-%02d", i+1),
			symbol:   fmt.Sprintf("SYM%02d", i+1),
			price:    roundPrice(math.Max(price, 1)),
			momentum: m.rollMomentum(1),
		}
	}
	m.nextLSN = 1
	m.offsetNs = 0
	m.emitted = 0
	m.baseTsNs = 0
}

// rollMomentum samples a new momentum magnitude and applies the reversal
// probability against the previous direction.
func (m *Market) rollMomentum(prevDir int) int {
	mag := int(math.Round(m.rng.NormFloat64()*m.cfg.MomentumSpread + m.cfg.MomentumMean))
	if mag < 1 {
		mag = 1
	}
	dir := prevDir
	if m.rng.Float64() < m.cfg.MomentumReverse {
		dir = -dir
	}
	return dir * mag
}

// Pull synthesizes the next change record.
func (m *Market) Pull(ctx context.Context) (*change.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.Records > 0 && m.emitted >= m.cfg.Records {
		return nil, ErrEndOfStream
	}

	// The first pull per stock emits its initial snapshot at offset 0.
	if m.emitted < int64(m.cfg.Stocks) {
		st := m.stocks[m.emitted]
		rec := m.record(change.OpInsert, nil, st)
		m.emitted++
		return rec, nil
	}

	st := m.stocks[m.rng.Intn(len(m.stocks))]
	before := *st

	dir := 1
	if st.momentum < 0 {
		dir = -1
	}
	step := math.Abs(m.rng.NormFloat64()*m.cfg.PriceStepSpread + m.cfg.PriceStep)
	st.price = roundPrice(math.Max(st.price+float64(dir)*step, 0.01))

	if st.momentum > 0 {
		st.momentum--
	} else {
		st.momentum++
	}
	if st.momentum == 0 {
		st.momentum = m.rollMomentum(dir)
	}

	gap := m.rng.NormFloat64()*m.cfg.IntervalNsSpread + m.cfg.IntervalNs
	if gap < 0 {
		gap = 0
	}
	m.offsetNs += int64(gap)

	rec := m.record(change.OpUpdate, &before, st)
	m.emitted++
	return rec, nil
}

func (m *Market) record(op change.Op, before *stockState, after *stockState) *change.Record {
	rec := &change.Record{
		Op: op,
		Payload: change.Payload{
			After: snapshot(after),
			Source: change.Provenance{
				Dataset:     "market",
				Table:       "stock",
				TimestampNs: m.baseTsNs + m.offsetNs,
				LSN:         m.nextLSN,
			},
		},
		OffsetNs: m.offsetNs,
	}
	if before != nil {
		rec.Payload.Before = snapshot(before)
	}
	m.nextLSN++
	return rec
}

func snapshot(st *stockState) *change.Element {
	return &change.Element{
		ID:     st.id,
		Labels: []string{"Stock"},
		Properties: map[string]any{
			"symbol": st.symbol,
			"price":  st.price,
		},
	}
}

// roundPrice keeps prices to cents so output is stable across platforms.
func roundPrice(p float64) float64 {
	return math.Round(p*100) / 100
}

// Seek fast-forwards by generating and discarding records.
func (m *Market) Seek(ctx context.Context, index int64) error {
	if index < 0 {
		return fmt.Errorf("source: seek to negative index %d", index)
	}
	if index < m.emitted {
		m.init()
	}
	for m.emitted < index {
		if _, err := m.Pull(ctx); err != nil {
			if err == ErrEndOfStream {
				return fmt.Errorf("source: seek past end of generated series (index %d, length %d)", index, m.emitted)
			}
			return err
		}
	}
	return nil
}

// Reset re-seeds the generator; a reset run replays identically.
func (m *Market) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.init()
	return nil
}

// Close is a no-op; the generator holds no external resources.
func (m *Market) Close() error { return nil }

var _ ChangeSource = (*Market)(nil)
