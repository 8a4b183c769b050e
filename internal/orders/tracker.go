// Package orders tracks individual broker tickets for the cycle engine and
// verifies suspected closures against the terminal before the store learns
// about them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

// Config contains timing configuration for order tracking.
type Config struct {
	// SyncDelay is the terminal's settle window. Closure checks repeat after
	// half of it before they are trusted.
	SyncDelay   time.Duration
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for order tracking.
var DefaultConfig = Config{
	SyncDelay:   500 * time.Millisecond,
	CallTimeout: 5 * time.Second,
}

// Tracker binds orders to the broker session and local store they live in.
type Tracker struct {
	broker  broker.Broker
	storage storage.Interface
	family  models.StrategyKind
	logger  *log.Logger
	config  Config
	sleep   func(time.Duration)
}

// NewTracker creates a tracker for one strategy family.
func NewTracker(
	b broker.Broker,
	store storage.Interface,
	family models.StrategyKind,
	logger *log.Logger,
	config ...Config,
) *Tracker {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	if cfg.SyncDelay <= 0 {
		cfg.SyncDelay = DefaultConfig.SyncDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if b == nil {
		panic("orders.NewTracker: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewTracker: storage must not be nil")
	}

	return &Tracker{
		broker:  b,
		storage: store,
		family:  family,
		logger:  logger,
		config:  cfg,
		sleep:   time.Sleep,
	}
}

// Track binds one order to the tracker.
func (t *Tracker) Track(o *models.Order) *Tracked {
	return &Tracked{Order: o, tracker: t}
}

// TrackTicket loads the order from the store and binds it.
func (t *Tracker) TrackTicket(ticket uint64) (*Tracked, error) {
	o, err := t.storage.OrderByTicket(t.family, ticket)
	if err != nil {
		return nil, err
	}
	return &Tracked{Order: o, tracker: t}, nil
}

// Tracked is one broker ticket bound to its owning cycle and the local store.
type Tracked struct {
	Order   *models.Order
	tracker *Tracker

	candidateClosed bool
}

// RefreshFromBroker pulls the live state of the ticket. Returns true when any
// stored field changed. A ticket absent from both the position and pending
// sets is only flagged candidate-closed; VerifyClosed decides.
func (tr *Tracked) RefreshFromBroker(ctx context.Context) (bool, error) {
	t := tr.tracker
	o := tr.Order
	tr.candidateClosed = false

	callCtx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	pos, err := t.broker.PositionByTicket(callCtx, o.Ticket)
	cancel()
	if err == nil {
		changed := o.IsPending || o.Profit != pos.Profit || o.StopLoss != pos.StopLoss ||
			o.TakeProfit != pos.TakeProfit || o.Volume != pos.Volume ||
			o.Swap != pos.Swap || o.Commission != pos.Commission
		if o.IsPending {
			// A pending order that filled is a market position from here on.
			o.Kind = models.OrderMarket
			o.OpenPrice = pos.OpenPrice
			o.OpenTime = pos.OpenTime
		}
		o.IsPending = false
		o.Profit = pos.Profit
		o.StopLoss = pos.StopLoss
		o.TakeProfit = pos.TakeProfit
		o.Volume = pos.Volume
		o.Swap = pos.Swap
		o.Commission = pos.Commission
		return changed, nil
	}
	if !errors.Is(err, broker.ErrTicketNotFound) {
		return false, fmt.Errorf("refresh position %d: %w", o.Ticket, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, t.config.CallTimeout)
	pend, err := t.broker.OrderByTicket(callCtx, o.Ticket)
	cancel()
	if err == nil {
		changed := !o.IsPending || o.OpenPrice != pend.Price || o.StopLoss != pend.StopLoss ||
			o.TakeProfit != pend.TakeProfit || o.Volume != pend.Volume
		o.IsPending = true
		o.Kind = models.OrderPending
		o.OpenPrice = pend.Price
		o.StopLoss = pend.StopLoss
		o.TakeProfit = pend.TakeProfit
		o.Volume = pend.Volume
		return changed, nil
	}
	if !errors.Is(err, broker.ErrTicketNotFound) {
		return false, fmt.Errorf("refresh order %d: %w", o.Ticket, err)
	}

	tr.candidateClosed = !o.IsClosed
	return false, nil
}

// CandidateClosed reports whether the last refresh found the ticket missing
// from both active sets.
func (tr *Tracked) CandidateClosed() bool {
	return tr.candidateClosed
}

// VerifyClosed confirms a suspected closure with two checks separated by half
// the sync delay, then marks the order closed and persists it. A ticket that
// fails either check stays open: the terminal may simply not have written the
// closing deal yet.
func (tr *Tracked) VerifyClosed(ctx context.Context) (bool, error) {
	t := tr.tracker
	o := tr.Order

	closed, err := t.checkClosed(ctx, o.Ticket)
	if err != nil || !closed {
		return false, err
	}

	t.sleep(t.config.SyncDelay / 2)

	closed, err = t.checkClosed(ctx, o.Ticket)
	if err != nil || !closed {
		return false, err
	}

	o.IsClosed = true
	o.IsPending = false
	tr.candidateClosed = false
	if err := tr.Persist(); err != nil {
		return true, err
	}
	return true, nil
}

// Persist writes the order's current fields to the local store.
func (tr *Tracked) Persist() error {
	return tr.tracker.storage.SaveOrder(tr.tracker.family, tr.Order)
}

func (t *Tracker) checkClosed(ctx context.Context, ticket uint64) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()
	return t.broker.CheckIsClosed(callCtx, ticket)
}

// CheckFalseClosedCycle re-examines a cycle that closed because its orders
// all seemed gone. If live positions at the terminal still match the cycle's
// magic and symbol, the closure was a sync artifact: the cycle reopens and
// takes its tickets back.
func (t *Tracker) CheckFalseClosedCycle(ctx context.Context, cycle *models.Cycle) (bool, error) {
	if !cycle.IsClosed || cycle.CloseReason != models.CloseReasonOrdersGone {
		return false, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	positions, err := t.broker.AllPositions(callCtx, cycle.Symbol)
	cancel()
	if err != nil {
		return false, fmt.Errorf("list positions: %w", err)
	}

	var found []uint64
	for _, p := range positions {
		if p.Magic == cycle.Magic && cycle.OwnsTicket(p.Ticket) {
			found = append(found, p.Ticket)
		}
	}
	if len(found) == 0 {
		return false, nil
	}

	// Each discovered ticket must fail the closed check twice before the
	// cycle is trusted to be alive again.
	alive := found[:0]
	for _, ticket := range found {
		closed, err := t.checkClosed(ctx, ticket)
		if err != nil {
			return false, err
		}
		if closed {
			continue
		}
		t.sleep(t.config.SyncDelay / 2)
		closed, err = t.checkClosed(ctx, ticket)
		if err != nil {
			return false, err
		}
		if !closed {
			alive = append(alive, ticket)
		}
	}
	if len(alive) == 0 {
		return false, nil
	}

	t.logger.Printf("Cycle %s has %d live positions at the terminal, reopening", cycle.ID, len(alive))
	cycle.Reopen(alive)

	for _, ticket := range alive {
		o, err := t.storage.OrderByTicket(t.family, ticket)
		if err != nil {
			if errors.Is(err, storage.ErrOrderNotFound) {
				continue
			}
			return true, err
		}
		o.IsClosed = false
		o.IsPending = false
		if err := t.storage.SaveOrder(t.family, o); err != nil {
			return true, err
		}
	}

	if err := t.storage.SaveCycle(t.family, cycle); err != nil {
		return true, err
	}
	return true, nil
}
