package mock

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestFeeder(t *testing.T, cfg PathConfig) (*Feeder, *broker.MockBroker) {
	t.Helper()
	mb := broker.NewMockBroker()
	return NewFeeder(mb, time.Millisecond, discardLogger(), cfg), mb
}

func TestNewFeeder_InstallsStartingQuote(t *testing.T) {
	_, mb := newTestFeeder(t, PathConfig{Symbol: "EURUSD", Start: 1.10000, Spread: 10})
	ctx := context.Background()

	bid, err := mb.Bid(ctx, "EURUSD")
	if err != nil {
		t.Fatalf("Bid() error = %v", err)
	}
	if bid != 1.10000 {
		t.Errorf("bid = %v, want 1.10000", bid)
	}
	ask, err := mb.Ask(ctx, "EURUSD")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if ask != 1.10010 {
		t.Errorf("ask = %v, want 1.10010", ask)
	}
}

func TestStep_SameSeedReplaysSamePath(t *testing.T) {
	cfg := PathConfig{Symbol: "EURUSD", Seed: 42}
	a, amb := newTestFeeder(t, cfg)
	b, bmb := newTestFeeder(t, cfg)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		a.Step()
		b.Step()
		abid, _ := amb.Bid(ctx, "EURUSD")
		bbid, _ := bmb.Bid(ctx, "EURUSD")
		if abid != bbid {
			t.Fatalf("step %d: bids diverged, %v vs %v", i, abid, bbid)
		}
	}
}

func TestStep_MoveBoundedByStep(t *testing.T) {
	cfg := PathConfig{Symbol: "EURUSD", Step: 20, Seed: 7}.withDefaults()
	f, mb := newTestFeeder(t, cfg)
	ctx := context.Background()

	prev := cfg.Start
	// One point of slack covers the price rounding.
	limit := (cfg.Step + 1) * cfg.Point
	for i := 0; i < 100; i++ {
		f.Step()
		bid, err := mb.Bid(ctx, "EURUSD")
		if err != nil {
			t.Fatalf("Bid() error = %v", err)
		}
		if diff := math.Abs(bid - prev); diff > limit {
			t.Fatalf("step %d: moved %v, limit %v", i, diff, limit)
		}
		prev = bid
	}
}

func TestStep_TrendDrifts(t *testing.T) {
	f, mb := newTestFeeder(t, PathConfig{Symbol: "EURUSD", Kind: PathTrend, Drift: 50, Step: 10, Seed: 3})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		f.Step()
	}
	// Drift outruns the noise: at least 40 points per step over 100 steps.
	bid, _ := mb.Bid(ctx, "EURUSD")
	if want := 1.10000 + 100*40*0.00001; bid < want {
		t.Errorf("bid after trend = %v, want >= %v", bid, want)
	}
}

func TestStep_MeanRevertStaysNearAnchor(t *testing.T) {
	f, mb := newTestFeeder(t, PathConfig{Symbol: "EURUSD", Kind: PathMeanRevert, Step: 20, Seed: 9})
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		f.Step()
		bid, _ := mb.Bid(ctx, "EURUSD")
		if math.Abs(bid-1.10000) > 1000*0.00001 {
			t.Fatalf("step %d: bid %v drifted beyond 1000 points of anchor", i, bid)
		}
	}
}

func TestStep_EmitsCompletedBars(t *testing.T) {
	cfg := PathConfig{Symbol: "EURUSD", Seed: 5, Candles: []models.Timeframe{models.TimeframeM1}}
	f, mb := newTestFeeder(t, cfg)
	ctx := context.Background()

	f.Step()
	if _, err := mb.LastCandle(ctx, "EURUSD", models.TimeframeM1); err == nil {
		t.Fatal("LastCandle() after one step: want error, bar still in progress")
	}

	f.Step()
	first, err := mb.LastCandle(ctx, "EURUSD", models.TimeframeM1)
	if err != nil {
		t.Fatalf("LastCandle() error = %v", err)
	}

	f.Step()
	second, err := mb.LastCandle(ctx, "EURUSD", models.TimeframeM1)
	if err != nil {
		t.Fatalf("LastCandle() error = %v", err)
	}
	if !second.OpenTime.After(first.OpenTime) {
		t.Errorf("open time did not advance: %v then %v", first.OpenTime, second.OpenTime)
	}

	bars, err := mb.Candles(ctx, "EURUSD", models.TimeframeM1, 10)
	if err != nil {
		t.Fatalf("Candles() error = %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("completed bars = %d, want 2", len(bars))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f, _ := newTestFeeder(t, DefaultPath("EURUSD"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
