// Package reconcile keeps the local order book in agreement with the
// terminal. Live tickets get their stored fields refreshed, tickets missing
// from the terminal are closed only after double verification, and cycles
// that closed because every order merely looked gone reopen with their
// tickets. One reconciler runs per broker session and covers every strategy
// family writing through it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/orders"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// Config tunes the reconciliation loop.
type Config struct {
	// Interval is the pass period.
	Interval time.Duration
	// SyncDelay is the terminal settle window between the broker snapshot,
	// the local read and the writeback. Closure checks repeat after half of
	// it before they are trusted.
	SyncDelay   time.Duration
	CallTimeout time.Duration
	// ErrorSleep is the backoff after a failed pass.
	ErrorSleep time.Duration
}

// DefaultConfig is the default reconciliation configuration.
var DefaultConfig = Config{
	Interval:    time.Second,
	SyncDelay:   500 * time.Millisecond,
	CallTimeout: 8 * time.Second,
	ErrorSleep:  5 * time.Second,
}

// Reconciler runs the store-against-terminal diff for one account's broker
// session.
type Reconciler struct {
	broker    broker.Broker
	store     storage.Interface
	trackers  map[models.StrategyKind]*orders.Tracker
	logger    *logrus.Entry
	accountID string
	config    Config

	sleep         func(time.Duration)
	coldStartOnce sync.Once
}

// New creates the reconciler for one account's broker session. The broker is
// expected to be the same session the strategy loops trade through.
func New(b broker.Broker, store storage.Interface, accountID string, cfg Config, logger *logrus.Logger) *Reconciler {
	if b == nil {
		panic("reconcile.New: broker must not be nil")
	}
	if store == nil {
		panic("reconcile.New: storage must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.SyncDelay <= 0 {
		cfg.SyncDelay = DefaultConfig.SyncDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = DefaultConfig.ErrorSleep
	}

	trackerLog := log.New(logger.Writer(), "", 0)
	trackers := make(map[models.StrategyKind]*orders.Tracker, len(models.Families))
	for _, family := range models.Families {
		trackers[family] = orders.NewTracker(b, store, family, trackerLog, orders.Config{
			SyncDelay:   cfg.SyncDelay,
			CallTimeout: cfg.CallTimeout,
		})
	}

	return &Reconciler{
		broker:    b,
		store:     store,
		trackers:  trackers,
		logger:    logger.WithField("account", util.ShortID(accountID)),
		accountID: accountID,
		config:    cfg,
		sleep:     time.Sleep,
	}
}

// Run executes reconciliation passes until the context is canceled. A failed
// pass is logged and the next one waits out the error backoff first.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.WithField("interval", r.config.Interval).Info("reconciler started")

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if err := r.ReconcileOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).Warn("reconcile pass failed")
			r.sleep(r.config.ErrorSleep)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReconcileOnce runs one full pass: terminal snapshot, per-family diff of the
// open rows, then a revisit of closed rows the terminal still trades.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	positions, pendings, err := r.snapshot(ctx)
	if err != nil {
		return err
	}

	live := make(map[uint64]bool, len(positions)+len(pendings))
	for _, p := range positions {
		live[p.Ticket] = true
	}
	for _, o := range pendings {
		live[o.Ticket] = true
	}

	// Settle window between the broker snapshot and the local read.
	r.sleep(r.config.SyncDelay)

	localOpen := 0
	for _, family := range models.Families {
		n, err := r.reconcileFamily(ctx, family, live)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", family, err)
		}
		localOpen += n
	}

	if localOpen == 0 && len(positions) > 0 {
		r.coldStartOnce.Do(func() {
			r.logger.Warnf("cold start: terminal holds %d positions but the local store has no open rows", len(positions))
		})
	}

	r.revisitClosedRows(ctx, positions)
	return nil
}

func (r *Reconciler) snapshot(ctx context.Context) ([]broker.Position, []broker.PendingOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()
	positions, err := r.broker.AllPositions(callCtx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list positions: %w", err)
	}
	pendings, err := r.broker.AllOrders(callCtx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list orders: %w", err)
	}
	return positions, pendings, nil
}

// reconcileFamily diffs one family's open rows against the snapshot. Rows the
// terminal still knows are refreshed in place; the rest are suspicious and go
// through closure verification. Returns the number of open rows seen.
func (r *Reconciler) reconcileFamily(ctx context.Context, family models.StrategyKind, live map[uint64]bool) (int, error) {
	open, err := r.store.OpenOrders(family, r.accountID)
	if err != nil {
		return 0, fmt.Errorf("open orders: %w", err)
	}
	pending, err := r.store.OpenPendingOrders(family, r.accountID)
	if err != nil {
		return 0, fmt.Errorf("open pending orders: %w", err)
	}
	rows := append(open, pending...)
	if len(rows) == 0 {
		return 0, nil
	}

	tracker := r.trackers[family]

	// Intersection first.
	var suspicious []int
	for i := range rows {
		if !live[rows[i].Ticket] {
			suspicious = append(suspicious, i)
			continue
		}
		tr := tracker.Track(&rows[i])
		changed, err := tr.RefreshFromBroker(ctx)
		if err != nil {
			r.logger.WithError(err).Warnf("refresh ticket %d", rows[i].Ticket)
			continue
		}
		if tr.CandidateClosed() {
			// Closed between the snapshot and the refresh.
			suspicious = append(suspicious, i)
			continue
		}
		if changed {
			if err := tr.Persist(); err != nil {
				r.logger.WithError(err).Warnf("persist ticket %d", rows[i].Ticket)
			}
		}
	}

	if len(suspicious) == 0 {
		return len(rows), nil
	}

	// Settle window before the writeback: a ticket the snapshot missed may
	// simply not have been written yet.
	r.sleep(r.config.SyncDelay)

	for _, i := range suspicious {
		o := &rows[i]
		tr := tracker.Track(o)
		if _, err := tr.RefreshFromBroker(ctx); err != nil {
			r.logger.WithError(err).Warnf("refresh ticket %d", o.Ticket)
			continue
		}
		if !tr.CandidateClosed() {
			// Alive after all: the snapshot raced a placement or fill.
			if err := tr.Persist(); err != nil {
				r.logger.WithError(err).Warnf("persist ticket %d", o.Ticket)
			}
			continue
		}
		closed, err := tr.VerifyClosed(ctx)
		if err != nil {
			r.logger.WithError(err).Warnf("verify ticket %d", o.Ticket)
			continue
		}
		if !closed {
			continue
		}
		r.logger.Infof("ticket %d closed at the terminal, booking into cycle %s",
			o.Ticket, util.ShortID(o.CycleID))
		r.settleCycle(family, o)
	}
	return len(rows), nil
}

// settleCycle folds a verified closure into the owning cycle. A cycle with
// nothing left at the terminal closes with the orders-gone reason, which
// keeps it eligible for reopening should the terminal disagree later.
func (r *Reconciler) settleCycle(family models.StrategyKind, o *models.Order) {
	if o.CycleID == "" {
		return
	}
	cycle, err := r.store.CycleByID(family, o.CycleID)
	if err != nil {
		r.logger.WithError(err).Warnf("cycle %s not loadable for ticket %d", util.ShortID(o.CycleID), o.Ticket)
		return
	}
	if cycle.IsClosed {
		return
	}

	cycle.RegisterClosed(o.Ticket, o.NetProfit())
	cycle.IsPending = len(cycle.Pending) > 0

	if len(cycle.ActiveTickets()) == 0 {
		if err := cycle.TransitionStatus(models.StatusClosed, models.ConditionCloseAll); err != nil {
			r.logger.WithError(err).Warnf("close cycle %s", util.ShortID(cycle.ID))
		} else {
			cycle.MarkClosed(models.ConditionCloseAll, models.CloseReasonOrdersGone, time.Now().UTC())
			r.logger.Infof("cycle %s closed, no orders left at the terminal", util.ShortID(cycle.ID))
		}
	}

	if err := r.store.SaveCycle(family, cycle); err != nil {
		r.logger.WithError(err).Warnf("save cycle %s", util.ShortID(cycle.ID))
	}
}

// revisitClosedRows looks for live terminal positions whose local row is
// already closed. Those mark cycles that may have closed on a sync artifact;
// the tracker decides whether they reopen. Positions with no row in any
// family are counted as orphans for the recovery tooling.
func (r *Reconciler) revisitClosedRows(ctx context.Context, positions []broker.Position) {
	seen := make(map[string]bool)
	orphans := 0
	for _, p := range positions {
		claimed := false
		for _, family := range models.Families {
			row, err := r.store.OrderByTicket(family, p.Ticket)
			if err != nil {
				if !errors.Is(err, storage.ErrOrderNotFound) {
					r.logger.WithError(err).Debugf("order lookup %d", p.Ticket)
				}
				continue
			}
			claimed = true
			if row.IsClosed && row.CycleID != "" && !seen[row.CycleID] {
				seen[row.CycleID] = true
				r.reopenFalseClosed(ctx, family, row.CycleID)
			}
			break
		}
		if !claimed {
			orphans++
		}
	}
	if orphans > 0 {
		r.logger.Debugf("%d terminal positions have no local order row", orphans)
	}
}

func (r *Reconciler) reopenFalseClosed(ctx context.Context, family models.StrategyKind, cycleID string) {
	cycle, err := r.store.CycleByID(family, cycleID)
	if err != nil {
		r.logger.WithError(err).Debugf("cycle %s not loadable", util.ShortID(cycleID))
		return
	}
	reopened, err := r.trackers[family].CheckFalseClosedCycle(ctx, cycle)
	if err != nil {
		r.logger.WithError(err).Warnf("false closure check on cycle %s", util.ShortID(cycle.ID))
		return
	}
	if reopened {
		r.logger.Infof("cycle %s reopened with %d live tickets", util.ShortID(cycle.ID), len(cycle.ActiveTickets()))
	}
}
