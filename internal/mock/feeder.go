// Package mock generates deterministic synthetic price paths, standing in
// for a live terminal bridge during dry runs and scenario tests. Paths with
// the same seed replay the same tick sequence, so a whole run is
// reproducible.
package mock

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// PathKind selects the shape of a synthetic price path.
type PathKind string

const (
	// PathRandomWalk moves the price by a uniform random step each tick.
	PathRandomWalk PathKind = "random_walk"
	// PathTrend adds a fixed drift on top of the random step.
	PathTrend PathKind = "trend"
	// PathMeanRevert pulls the price back toward its starting level.
	PathMeanRevert PathKind = "mean_revert"
)

const (
	// meanRevertPull is the fraction of the gap to the anchor recovered per
	// tick on a mean-reverting path.
	meanRevertPull = 0.05

	// candleHistory caps the completed bars kept per symbol and timeframe.
	candleHistory = 64

	// tickStride is the simulated time that passes per tick. Compressing an
	// M1 bar into one tick lets candle-driven bots fire within a short dry
	// run.
	tickStride = time.Minute
)

// simEpoch anchors the simulated clock so candle open times are stable
// across runs.
var simEpoch = time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)

// PathConfig describes one symbol's synthetic feed. Distances are in points.
type PathConfig struct {
	Symbol  string
	Kind    PathKind
	Start   float64 // initial bid
	Point   float64
	Digits  int
	Spread  float64 // ask above bid, points
	Step    float64 // max random move per tick, points
	Drift   float64 // deterministic move per tick, points, trend paths only
	Seed    int64
	Candles []models.Timeframe // bar series to aggregate from ticks
}

// withDefaults fills the zero fields with a five-digit major-pair profile.
func (cfg PathConfig) withDefaults() PathConfig {
	if cfg.Kind == "" {
		cfg.Kind = PathRandomWalk
	}
	if cfg.Start == 0 {
		cfg.Start = 1.10000
	}
	if cfg.Point == 0 {
		cfg.Point = 0.00001
	}
	if cfg.Digits == 0 {
		cfg.Digits = 5
	}
	if cfg.Spread == 0 {
		cfg.Spread = 10
	}
	if cfg.Step == 0 {
		cfg.Step = 20
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return cfg
}

// DefaultPath returns a random-walk path for symbol with the default
// profile and a seed derived from the symbol name, so multi-symbol runs do
// not move in lockstep. M1 and H1 bars are aggregated so candle-driven bots
// fire during dry runs.
func DefaultPath(symbol string) PathConfig {
	var seed int64
	for _, r := range symbol {
		seed = seed*31 + int64(r)
	}
	cfg := PathConfig{
		Symbol:  symbol,
		Seed:    seed,
		Candles: []models.Timeframe{models.TimeframeM1, models.TimeframeH1},
	}
	return cfg.withDefaults()
}

// Feeder drives a MockBroker with scripted ticks, one path per symbol.
type Feeder struct {
	broker   *broker.MockBroker
	interval time.Duration
	logger   *logrus.Entry
	paths    []*path
}

type path struct {
	cfg   PathConfig
	rng   *rand.Rand
	bid   float64
	clock time.Time
	bars  map[models.Timeframe]*barState
}

type barState struct {
	open    time.Time
	bar     broker.Candle
	history []broker.Candle
}

// NewFeeder builds a feeder over mb and installs the starting quote for
// every path, so symbols resolve before the first tick.
func NewFeeder(mb *broker.MockBroker, interval time.Duration, logger *logrus.Logger, configs ...PathConfig) *Feeder {
	if logger == nil {
		logger = logrus.New()
	}
	f := &Feeder{
		broker:   mb,
		interval: interval,
		logger:   logger.WithField("component", "feeder"),
	}
	if f.interval <= 0 {
		f.interval = 100 * time.Millisecond
	}
	for _, cfg := range configs {
		cfg = cfg.withDefaults()
		p := &path{
			cfg:   cfg,
			rng:   rand.New(rand.NewSource(cfg.Seed)),
			bid:   cfg.Start,
			clock: simEpoch,
			bars:  make(map[models.Timeframe]*barState),
		}
		f.paths = append(f.paths, p)
		mb.SetQuote(cfg.Symbol, cfg.Point, cfg.Digits, cfg.Start, f.ask(cfg, cfg.Start))
	}
	return f
}

// Run ticks every feed until the context is canceled.
func (f *Feeder) Run(ctx context.Context) error {
	f.logger.Infof("Feeding %d synthetic symbols every %s", len(f.paths), f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Step()
		}
	}
}

// Step advances every path by one tick. Exposed so tests and scenario
// harnesses can single-step the feed.
func (f *Feeder) Step() {
	for _, p := range f.paths {
		bid := p.step()
		f.broker.MoveQuote(p.cfg.Symbol, bid, f.ask(p.cfg, bid))
		p.clock = p.clock.Add(tickStride)
		for _, tf := range p.cfg.Candles {
			if history := p.fold(tf, bid); history != nil {
				f.broker.SetCandles(p.cfg.Symbol, tf, history)
			}
		}
	}
}

func (f *Feeder) ask(cfg PathConfig, bid float64) float64 {
	return util.RoundPrice(bid+cfg.Spread*cfg.Point, cfg.Digits)
}

func (p *path) step() float64 {
	var move float64
	switch p.cfg.Kind {
	case PathTrend:
		move = p.cfg.Drift + p.noise()
	case PathMeanRevert:
		move = (p.cfg.Start-p.bid)/p.cfg.Point*meanRevertPull + p.noise()
	default:
		move = p.noise()
	}
	p.bid += move * p.cfg.Point
	if p.bid < p.cfg.Point {
		p.bid = p.cfg.Point
	}
	p.bid = util.RoundPrice(p.bid, p.cfg.Digits)
	return p.bid
}

func (p *path) noise() float64 {
	return (p.rng.Float64()*2 - 1) * p.cfg.Step
}

// fold feeds one tick into the timeframe's in-progress bar. It returns the
// updated completed-bar history when a bar closes, nil otherwise.
func (p *path) fold(tf models.Timeframe, bid float64) []broker.Candle {
	barOpen := p.clock.Truncate(tf.Duration())
	st, ok := p.bars[tf]
	if !ok {
		p.bars[tf] = &barState{open: barOpen, bar: newBar(barOpen, bid)}
		return nil
	}
	if !barOpen.After(st.open) {
		if bid > st.bar.High {
			st.bar.High = bid
		}
		if bid < st.bar.Low {
			st.bar.Low = bid
		}
		st.bar.Close = bid
		st.bar.TickVolume++
		return nil
	}
	st.history = append(st.history, st.bar)
	if len(st.history) > candleHistory {
		st.history = st.history[len(st.history)-candleHistory:]
	}
	st.open = barOpen
	st.bar = newBar(barOpen, bid)
	return st.history
}

func newBar(open time.Time, price float64) broker.Candle {
	return broker.Candle{OpenTime: open, Open: price, High: price, Low: price, Close: price, TickVolume: 1}
}
