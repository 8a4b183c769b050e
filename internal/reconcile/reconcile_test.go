package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/engine"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/orders"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

const testFamily = models.StrategyCycleTrader

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		Interval:    time.Millisecond,
		SyncDelay:   time.Millisecond,
		CallTimeout: time.Second,
		ErrorSleep:  time.Millisecond,
	}
}

func newTestEngine(t *testing.T, mb *broker.MockBroker, store *storage.MockStorage) *engine.Engine {
	t.Helper()
	bot := &models.Bot{
		ID:        "bot-1",
		AccountID: "acct-1",
		Strategy:  testFamily,
		Magic:     1001,
		Symbol:    "EURUSD",
		Config:    models.ConfigMap{},
	}
	tracker := orders.NewTracker(mb, store, testFamily, log.New(io.Discard, "", 0), orders.Config{
		SyncDelay:   time.Millisecond,
		CallTimeout: time.Second,
	})
	return engine.New(mb, store, tracker, bot, discardLogger())
}

// newFixture seeds one open BUY cycle through the engine and returns a
// reconciler watching the same account.
func newFixture(t *testing.T) (*Reconciler, *broker.MockBroker, *storage.MockStorage, *models.Cycle) {
	t.Helper()

	mb := broker.NewMockBroker()
	mb.SetQuote("EURUSD", 0.00001, 5, 1.10000, 1.10000)
	store := storage.NewMockStorage()

	eng := newTestEngine(t, mb, store)
	cycle, err := eng.OpenCycle(context.Background(), models.CycleBuy, 0, models.OpenedBy{UserName: "test"})
	if err != nil {
		t.Fatalf("OpenCycle() error = %v", err)
	}

	r := New(mb, store, "acct-1", testConfig(), discardLogger())
	return r, mb, store, cycle
}

func storedCycle(t *testing.T, store *storage.MockStorage, id string) *models.Cycle {
	t.Helper()
	c, err := store.CycleByID(testFamily, id)
	if err != nil {
		t.Fatalf("CycleByID(%s) error = %v", id, err)
	}
	return c
}

func storedOrder(t *testing.T, store *storage.MockStorage, ticket uint64) *models.Order {
	t.Helper()
	o, err := store.OrderByTicket(testFamily, ticket)
	if err != nil {
		t.Fatalf("OrderByTicket(%d) error = %v", ticket, err)
	}
	return o
}

func TestReconcileOnce_RefreshesLiveTickets(t *testing.T) {
	r, mb, store, cycle := newFixture(t)
	ticket := cycle.Initial[0]

	if err := mb.SetProfit(ticket, 4.25); err != nil {
		t.Fatalf("SetProfit() error = %v", err)
	}

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	row := storedOrder(t, store, ticket)
	if row.Profit != 4.25 {
		t.Errorf("row profit = %v, want 4.25", row.Profit)
	}
	if row.IsClosed {
		t.Error("live ticket must not be closed")
	}
	if c := storedCycle(t, store, cycle.ID); c.IsClosed {
		t.Error("cycle must stay open while its ticket is live")
	}
}

func TestReconcileOnce_ClosesVanishedTicketAndCycle(t *testing.T) {
	r, mb, store, cycle := newFixture(t)
	ticket := cycle.Initial[0]
	ctx := context.Background()

	// First pass records the floating profit on the row.
	if err := mb.SetProfit(ticket, 7.5); err != nil {
		t.Fatalf("SetProfit() error = %v", err)
	}
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	// The terminal closes the position behind the app's back.
	if err := mb.ForceClose(ticket, 7.5); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	row := storedOrder(t, store, ticket)
	if !row.IsClosed {
		t.Fatal("vanished ticket with a closing deal must be closed")
	}

	stored := storedCycle(t, store, cycle.ID)
	if !stored.IsClosed {
		t.Fatal("cycle with every order gone must close")
	}
	if stored.CloseReason != models.CloseReasonOrdersGone {
		t.Errorf("close reason = %q, want %q", stored.CloseReason, models.CloseReasonOrdersGone)
	}
	if stored.ClosingMethod != models.ConditionCloseAll {
		t.Errorf("closing method = %q, want %q", stored.ClosingMethod, models.ConditionCloseAll)
	}
	if !stored.Closed.Contains(ticket) {
		t.Error("ticket must be booked into the closed set")
	}
	if stored.TotalProfit != 7.5 {
		t.Errorf("total profit = %v, want the last known 7.5", stored.TotalProfit)
	}

	open, err := store.OpenCycles(testFamily, "bot-1")
	if err != nil {
		t.Fatalf("OpenCycles() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open cycles = %d, want 0", len(open))
	}
}

func TestReconcileOnce_VanishedWithoutDealStaysOpen(t *testing.T) {
	r, mb, store, cycle := newFixture(t)
	ticket := cycle.Initial[0]

	// The ticket disappears but no closing deal is written yet. Both closed
	// checks come back false, so nothing may be booked.
	mb.Vanish(ticket)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	if row := storedOrder(t, store, ticket); row.IsClosed {
		t.Error("ticket without a closing deal must stay open")
	}
	if c := storedCycle(t, store, cycle.ID); c.IsClosed {
		t.Error("cycle must stay open until the closure is verified")
	}
}

func TestReconcileOnce_ReopensFalseClosedCycle(t *testing.T) {
	r, _, store, cycle := newFixture(t)
	ticket := cycle.Initial[0]
	ctx := context.Background()

	// Fake a sync artifact: row and cycle closed locally while the position
	// still lives at the terminal.
	row := storedOrder(t, store, ticket)
	row.IsClosed = true
	if err := store.SaveOrder(testFamily, row); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	cycle.RegisterClosed(ticket, 0)
	if err := cycle.TransitionStatus(models.StatusClosed, models.ConditionCloseAll); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	cycle.MarkClosed(models.ConditionCloseAll, models.CloseReasonOrdersGone, time.Now().UTC())
	if err := store.SaveCycle(testFamily, cycle); err != nil {
		t.Fatalf("SaveCycle() error = %v", err)
	}

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	stored := storedCycle(t, store, cycle.ID)
	if stored.IsClosed {
		t.Fatal("cycle with a live terminal position must reopen")
	}
	if stored.Status != models.StatusActive {
		t.Errorf("status = %q, want %q", stored.Status, models.StatusActive)
	}
	if !stored.ActiveOrders.Contains(ticket) {
		t.Error("reopened cycle must take its ticket back")
	}
	if reopened := storedOrder(t, store, ticket); reopened.IsClosed {
		t.Error("row must be reopened with the cycle")
	}
}

func TestReconcileOnce_UserClosedCycleStaysClosed(t *testing.T) {
	r, mb, store, cycle := newFixture(t)
	ticket := cycle.Initial[0]
	ctx := context.Background()

	// A cycle the user closed never reopens, even while the terminal still
	// shows the position.
	row := storedOrder(t, store, ticket)
	row.IsClosed = true
	if err := store.SaveOrder(testFamily, row); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	cycle.RegisterClosed(ticket, 0)
	if err := cycle.TransitionStatus(models.StatusClosed, models.ConditionCloseAll); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	cycle.MarkClosed(models.ConditionCloseAll, models.CloseReasonUserRequest, time.Now().UTC())
	if err := store.SaveCycle(testFamily, cycle); err != nil {
		t.Fatalf("SaveCycle() error = %v", err)
	}

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	if stored := storedCycle(t, store, cycle.ID); !stored.IsClosed {
		t.Error("user-closed cycle must stay closed")
	}
	if mb.OpenPositionCount() != 1 {
		t.Errorf("terminal positions = %d, want 1 untouched", mb.OpenPositionCount())
	}
}

func TestReconcileOnce_PendingFillRewritesRow(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetQuote("EURUSD", 0.00001, 5, 1.10000, 1.10000)
	store := storage.NewMockStorage()
	eng := newTestEngine(t, mb, store)

	cycle, err := eng.OpenCycle(context.Background(), models.CycleBuy, 1.09000, models.OpenedBy{UserName: "test"})
	if err != nil {
		t.Fatalf("OpenCycle() error = %v", err)
	}
	ticket := cycle.Pending[0]

	if err := mb.FillPending(ticket); err != nil {
		t.Fatalf("FillPending() error = %v", err)
	}

	r := New(mb, store, "acct-1", testConfig(), discardLogger())
	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}

	row := storedOrder(t, store, ticket)
	if row.IsPending {
		t.Error("filled ticket must not stay pending")
	}
	if row.Kind != models.OrderMarket {
		t.Errorf("row kind = %q, want %q", row.Kind, models.OrderMarket)
	}
	if row.OpenPrice != 1.09000 {
		t.Errorf("fill price = %v, want 1.09000", row.OpenPrice)
	}
}

func TestReconcileOnce_SnapshotErrorPropagates(t *testing.T) {
	r, mb, _, _ := newFixture(t)

	mb.FailNext(errors.New("terminal gone"))
	if err := r.ReconcileOnce(context.Background()); err == nil {
		t.Fatal("ReconcileOnce() must fail when the snapshot fails")
	}
}

func TestRun_CancelStops(t *testing.T) {
	r, _, _, _ := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop on cancel")
	}
}
