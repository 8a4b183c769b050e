package orders

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *broker.MockBroker, *storage.MockStorage, *[]time.Duration) {
	t.Helper()

	mb := broker.NewMockBroker()
	mb.SetQuote("EURUSD", 0.00001, 5, 1.10000, 1.10010)
	store := storage.NewMockStorage()

	tracker := NewTracker(mb, store, models.StrategyAdaptiveHedge, log.New(io.Discard, "", 0), Config{
		SyncDelay:   10 * time.Millisecond,
		CallTimeout: time.Second,
	})

	var slept []time.Duration
	tracker.sleep = func(d time.Duration) { slept = append(slept, d) }
	return tracker, mb, store, &slept
}

func openPosition(t *testing.T, mb *broker.MockBroker, magic int64) uint64 {
	t.Helper()
	positions, err := mb.Market(context.Background(), broker.MarketOrderRequest{
		Side: models.DirectionBuy, Symbol: "EURUSD", Volume: 0.01, Magic: magic,
	})
	if err != nil {
		t.Fatalf("Market() error = %v", err)
	}
	return positions[0].Ticket
}

func TestRefreshFromBroker_Position(t *testing.T) {
	tracker, mb, _, _ := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	order := &models.Order{
		Ticket: ticket, Kind: models.OrderMarket, Direction: models.DirectionBuy,
		Symbol: "EURUSD", Magic: 1001, CycleID: "cyc-1",
	}
	tracked := tracker.Track(order)

	if err := mb.SetProfit(ticket, 12.5); err != nil {
		t.Fatalf("SetProfit() error = %v", err)
	}

	changed, err := tracked.RefreshFromBroker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromBroker() error = %v", err)
	}
	if !changed {
		t.Error("changed = false, want true after profit moved")
	}
	if order.Profit != 12.5 {
		t.Errorf("Profit = %v, want 12.5", order.Profit)
	}
	if order.IsPending || order.IsClosed {
		t.Errorf("IsPending/IsClosed = %v/%v, want false/false", order.IsPending, order.IsClosed)
	}

	changed, err = tracked.RefreshFromBroker(context.Background())
	if err != nil {
		t.Fatalf("second RefreshFromBroker() error = %v", err)
	}
	if changed {
		t.Error("changed = true on unchanged position, want false")
	}
}

func TestRefreshFromBroker_PendingFillPromotes(t *testing.T) {
	tracker, mb, _, _ := newTestTracker(t)

	pendings, err := mb.Pending(context.Background(), broker.PendingOrderRequest{
		Side: models.DirectionSell, Symbol: "EURUSD", Price: 1.09500, Volume: 0.01, Magic: 1001,
	})
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	ticket := pendings[0].Ticket

	order := &models.Order{Ticket: ticket, Kind: models.OrderPending, IsPending: true, Symbol: "EURUSD", Magic: 1001}
	tracked := tracker.Track(order)

	if _, err := tracked.RefreshFromBroker(context.Background()); err != nil {
		t.Fatalf("RefreshFromBroker() error = %v", err)
	}
	if !order.IsPending || order.OpenPrice != 1.09500 {
		t.Errorf("pending refresh: IsPending=%v OpenPrice=%v, want true/1.09500", order.IsPending, order.OpenPrice)
	}

	if err := mb.FillPending(ticket); err != nil {
		t.Fatalf("FillPending() error = %v", err)
	}

	changed, err := tracked.RefreshFromBroker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromBroker() after fill error = %v", err)
	}
	if !changed {
		t.Error("changed = false, want true after fill")
	}
	if order.IsPending {
		t.Error("IsPending = true after fill, want false")
	}
	if order.Kind != models.OrderMarket {
		t.Errorf("Kind = %q, want market", order.Kind)
	}
}

func TestRefreshFromBroker_MissingTicketFlagsCandidate(t *testing.T) {
	tracker, mb, _, _ := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	order := &models.Order{Ticket: ticket, Kind: models.OrderMarket, Symbol: "EURUSD", Magic: 1001}
	tracked := tracker.Track(order)

	mb.Vanish(ticket)

	changed, err := tracked.RefreshFromBroker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromBroker() error = %v", err)
	}
	if changed {
		t.Error("changed = true, want false for vanished ticket")
	}
	if !tracked.CandidateClosed() {
		t.Error("CandidateClosed() = false, want true")
	}
	if order.IsClosed {
		t.Error("IsClosed = true, want false before verification")
	}
}

func TestVerifyClosed_DoubleCheck(t *testing.T) {
	tracker, mb, store, slept := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	order := &models.Order{Ticket: ticket, Kind: models.OrderMarket, Symbol: "EURUSD", Magic: 1001, CycleID: "cyc-1"}
	tracked := tracker.Track(order)

	// Gone from the terminal but no closing deal written yet: must not close.
	mb.Vanish(ticket)
	closed, err := tracked.VerifyClosed(context.Background())
	if err != nil {
		t.Fatalf("VerifyClosed() error = %v", err)
	}
	if closed {
		t.Fatal("VerifyClosed() = true without a history deal, want false")
	}
	if order.IsClosed {
		t.Error("IsClosed = true, want false")
	}

	// The deal lands: both checks pass and the order closes.
	if err := mb.ForceClose(ticket, -3.2); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	*slept = nil
	closed, err = tracked.VerifyClosed(context.Background())
	if err != nil {
		t.Fatalf("VerifyClosed() error = %v", err)
	}
	if !closed {
		t.Fatal("VerifyClosed() = false, want true")
	}
	if !order.IsClosed {
		t.Error("IsClosed = false, want true")
	}

	if len(*slept) != 1 || (*slept)[0] != 5*time.Millisecond {
		t.Errorf("slept = %v, want one pause of half the sync delay", *slept)
	}

	stored, err := store.OrderByTicket(models.StrategyAdaptiveHedge, ticket)
	if err != nil {
		t.Fatalf("OrderByTicket() error = %v", err)
	}
	if !stored.IsClosed {
		t.Error("stored order IsClosed = false, want persisted closure")
	}
}

func falseClosedCycle(ticket uint64) *models.Cycle {
	cycle := models.NewCycle("bot-1", "acct-1", "EURUSD", 1001, models.CycleBuy, models.DirectionBuy, 1.10000)
	cycle.ActiveOrders = models.TicketList{}
	cycle.Closed = models.TicketList{ticket}
	cycle.CompletedOrders = models.TicketList{ticket}
	cycle.Status = models.StatusClosed
	cycle.IsClosed = true
	cycle.ClosingMethod = models.ConditionCloseAll
	cycle.CloseReason = models.CloseReasonOrdersGone
	cycle.CloseTime = time.Now().UTC()
	return cycle
}

func TestCheckFalseClosedCycle_Reopens(t *testing.T) {
	tracker, mb, store, slept := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	cycle := falseClosedCycle(ticket)
	if err := store.SaveCycle(models.StrategyAdaptiveHedge, cycle); err != nil {
		t.Fatalf("SaveCycle() error = %v", err)
	}
	order := &models.Order{Ticket: ticket, Kind: models.OrderMarket, Symbol: "EURUSD", Magic: 1001, CycleID: cycle.ID, IsClosed: true}
	if err := store.SaveOrder(models.StrategyAdaptiveHedge, order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	reopened, err := tracker.CheckFalseClosedCycle(context.Background(), cycle)
	if err != nil {
		t.Fatalf("CheckFalseClosedCycle() error = %v", err)
	}
	if !reopened {
		t.Fatal("CheckFalseClosedCycle() = false, want reopen")
	}

	if cycle.IsClosed {
		t.Error("cycle.IsClosed = true, want false")
	}
	if cycle.Status != models.StatusActive {
		t.Errorf("cycle.Status = %q, want active", cycle.Status)
	}
	if !cycle.ActiveOrders.Contains(ticket) {
		t.Error("ActiveOrders missing the recovered ticket")
	}
	if cycle.Closed.Contains(ticket) {
		t.Error("Closed still contains the recovered ticket")
	}
	if len(*slept) != 1 {
		t.Errorf("slept %d times, want 1 (double check per ticket)", len(*slept))
	}

	storedCycle, err := store.CycleByID(models.StrategyAdaptiveHedge, cycle.ID)
	if err != nil {
		t.Fatalf("CycleByID() error = %v", err)
	}
	if storedCycle.IsClosed {
		t.Error("stored cycle IsClosed = true, want persisted reopen")
	}
	storedOrder, err := store.OrderByTicket(models.StrategyAdaptiveHedge, ticket)
	if err != nil {
		t.Fatalf("OrderByTicket() error = %v", err)
	}
	if storedOrder.IsClosed {
		t.Error("stored order IsClosed = true, want reopened")
	}
}

func TestCheckFalseClosedCycle_SkipsDeliberateCloses(t *testing.T) {
	tracker, mb, _, _ := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	cycle := falseClosedCycle(ticket)
	cycle.CloseReason = models.CloseReasonTakeProfit

	reopened, err := tracker.CheckFalseClosedCycle(context.Background(), cycle)
	if err != nil {
		t.Fatalf("CheckFalseClosedCycle() error = %v", err)
	}
	if reopened {
		t.Error("CheckFalseClosedCycle() = true for a take-profit close, want false")
	}
	if !cycle.IsClosed {
		t.Error("cycle.IsClosed = false, want untouched")
	}
}

func TestCheckFalseClosedCycle_RespectsGenuineClose(t *testing.T) {
	tracker, mb, _, _ := newTestTracker(t)
	ticket := openPosition(t, mb, 1001)

	cycle := falseClosedCycle(ticket)
	if err := mb.ForceClose(ticket, 1.0); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}

	reopened, err := tracker.CheckFalseClosedCycle(context.Background(), cycle)
	if err != nil {
		t.Fatalf("CheckFalseClosedCycle() error = %v", err)
	}
	if reopened {
		t.Error("CheckFalseClosedCycle() = true for genuinely closed orders, want false")
	}
	if !cycle.IsClosed {
		t.Error("cycle.IsClosed = false, want still closed")
	}
}
