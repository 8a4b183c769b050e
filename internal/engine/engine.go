// Package engine implements the cycle state machine shared by every strategy
// family: zone and grid management, direction reversal, hedging and recovery,
// batch stop-loss, take-profit closure and candle-close trading. One Engine
// instance drives all cycles of one bot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/orders"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// ErrNoFill is returned when the broker accepted no leg of a cycle opening.
var ErrNoFill = errors.New("no order filled")

// Loss source classes for the global loss tracker.
const (
	lossSourceGrid  = "grid"
	lossSourceHedge = "hedge"
	lossSourceBatch = "batch"
)

// Engine drives the cycles of one bot against one broker session and one
// local store. All cycle mutations go through the owning strategy loop's
// goroutine; only the settings swap is guarded for cross-goroutine reads.
type Engine struct {
	broker  broker.Broker
	store   storage.Interface
	tracker *orders.Tracker
	logger  *logrus.Entry

	family    models.StrategyKind
	botID     string
	accountID string
	symbol    string
	magic     int64

	mu       sync.RWMutex
	settings Settings

	losses         *models.GlobalLossTracker
	lastCandleSeen time.Time
	now            func() time.Time
}

// New creates the engine for one bot. The tracker must belong to the same
// strategy family and broker session.
func New(b broker.Broker, store storage.Interface, tracker *orders.Tracker, bot *models.Bot, logger *logrus.Logger) *Engine {
	if b == nil {
		panic("engine.New: broker must not be nil")
	}
	if store == nil {
		panic("engine.New: storage must not be nil")
	}
	if tracker == nil {
		panic("engine.New: tracker must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}

	entry := logger.WithFields(logrus.Fields{
		"bot":      util.ShortID(bot.ID),
		"strategy": string(bot.Strategy),
		"symbol":   bot.Symbol,
	})
	return &Engine{
		broker:    b,
		store:     store,
		tracker:   tracker,
		logger:    entry,
		family:    bot.Strategy,
		botID:     bot.ID,
		accountID: bot.AccountID,
		symbol:    bot.Symbol,
		magic:     bot.Magic,
		settings:  ParseSettings(bot.Config, entry),
		losses: &models.GlobalLossTracker{
			ID:        uuid.NewString(),
			BotID:     bot.ID,
			AccountID: bot.AccountID,
			Symbol:    bot.Symbol,
		},
		now: time.Now,
	}
}

// Settings returns the current strategy settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateConfig re-parses the strategy settings from a new config map.
func (e *Engine) UpdateConfig(cfg models.ConfigMap) {
	s := ParseSettings(cfg, e.logger)
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

// Family returns the strategy family the engine runs.
func (e *Engine) Family() models.StrategyKind { return e.family }

// Symbol returns the traded symbol.
func (e *Engine) Symbol() string { return e.symbol }

// LossTracker exposes the per-bot loss accounting for remote publishing.
func (e *Engine) LossTracker() *models.GlobalLossTracker { return e.losses }

// Manage runs one management tick for an unclosed cycle: order refresh, grid
// step, reversal, hedging, recovery and batch stop-loss, in that order. A nil
// or bid-less quote makes the whole tick a no-op.
func (e *Engine) Manage(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote) error {
	if cycle == nil || cycle.IsClosed || q == nil || q.Bid == 0 || q.Point == 0 {
		return nil
	}
	s := e.Settings()
	pip := q.Pip()
	cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)

	e.refreshOrders(ctx, cycle)

	// A cycle whose entry is still a working pending order has nothing on
	// the grid yet.
	if e.filledSetSize(cycle) > 0 {
		e.checkGridStep(ctx, cycle, q, s)
		e.checkReversal(ctx, cycle, q, s)
		e.checkHedge(ctx, cycle, q, s)
		e.checkRecovery(cycle, q, s)
		e.checkBatchStopLoss(ctx, cycle, q, s)
	}

	if err := e.store.SaveCycle(e.family, cycle); err != nil {
		e.logger.WithError(err).Warn("cycle save failed, state kept in memory until next tick")
	}
	return nil
}

func (e *Engine) filledSetSize(cycle *models.Cycle) int {
	return len(cycle.Initial) + len(cycle.Hedge) + len(cycle.Recovery) +
		len(cycle.Threshold) + len(cycle.ActiveOrders)
}

// refreshOrders pulls every active ticket through the order tracker. Closures
// need the tracker's double verification before they are booked.
func (e *Engine) refreshOrders(ctx context.Context, cycle *models.Cycle) {
	for _, ticket := range cycle.ActiveTickets() {
		tr, err := e.tracker.TrackTicket(ticket)
		if err != nil {
			e.logger.WithError(err).Debugf("ticket %d has no local row", ticket)
			continue
		}
		// The cycle's pending set decides promotion: the reconciler may have
		// already rewritten the row for a filled ticket.
		wasPending := cycle.Pending.Contains(ticket)

		changed, err := tr.RefreshFromBroker(ctx)
		if err != nil {
			e.logger.WithError(err).Warnf("refresh ticket %d", ticket)
			continue
		}

		if tr.CandidateClosed() {
			closed, err := tr.VerifyClosed(ctx)
			if err != nil {
				e.logger.WithError(err).Warnf("verify ticket %d", ticket)
				continue
			}
			if closed {
				e.registerClosed(cycle, tr.Order, e.closeSource(cycle, ticket))
			}
			continue
		}

		if wasPending && !tr.Order.IsPending {
			cycle.PromotePending(ticket, e.fillDestination(cycle))
			e.logger.Infof("pending %d filled at %.5f", ticket, tr.Order.OpenPrice)
		}
		if changed {
			if err := tr.Persist(); err != nil {
				e.logger.WithError(err).Warnf("persist ticket %d", ticket)
			}
		}
	}
}

// fillDestination picks the set a filled pending ticket moves into: the first
// fill is the cycle's entry, later fills are hedges for hedging families.
func (e *Engine) fillDestination(cycle *models.Cycle) *models.TicketList {
	if len(cycle.Initial) == 0 {
		return &cycle.Initial
	}
	if e.family.SupportsHedging() {
		return &cycle.Hedge
	}
	return &cycle.ActiveOrders
}

func (e *Engine) closeSource(cycle *models.Cycle, ticket uint64) string {
	if cycle.Hedge.Contains(ticket) {
		return lossSourceHedge
	}
	return lossSourceGrid
}

// registerClosed books one closed order into the cycle and the loss tracker.
// For the Advanced family, grid losses additionally accumulate in the live
// batch entry.
func (e *Engine) registerClosed(cycle *models.Cycle, o *models.Order, source string) {
	profit := o.NetProfit()
	cycle.RegisterClosed(o.Ticket, profit)
	if profit >= 0 {
		return
	}
	loss := -profit
	if e.family.SupportsBatchStopLoss() && !cycle.Hedge.Contains(o.Ticket) {
		if len(cycle.BatchLosses) == 0 {
			cycle.BatchLosses = append(cycle.BatchLosses, 0)
		}
		cycle.BatchLosses[len(cycle.BatchLosses)-1] += loss
	}
	e.losses.RecordLoss(source, loss, e.now())
}

// checkGridStep places the next grid order once the price has moved far
// enough from the threshold anchor in the cycle's direction. Grid spacing
// scales by the symbol point; a level already in done_price_levels within
// half a pip is never traded again.
func (e *Engine) checkGridStep(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote, s Settings) {
	price := q.Bid
	step := s.PipsStep * float64(cycle.NextOrderIndex+1) * q.Point
	if step <= 0 {
		return
	}
	moved := price - cycle.InitialThresholdPrice
	if cycle.CurrentDirection == models.DirectionSell {
		moved = cycle.InitialThresholdPrice - price
	}
	// Rounded to the symbol digits so an exact level hit counts as reached.
	if util.RoundPrice(moved, q.Digits) < step {
		return
	}
	if cycle.DonePriceLevels.Near(price, q.Pip()/2) {
		return
	}

	lot := util.NormalizeLot(s.LotFor(cycle.LotIdx))
	positions, err := e.broker.Market(ctx, broker.MarketOrderRequest{
		Side:     cycle.CurrentDirection,
		Symbol:   e.symbol,
		Volume:   lot,
		Magic:    e.magic,
		Slippage: s.Slippage,
		Comment:  e.comment("grid", cycle),
	})
	if err != nil {
		e.logger.WithError(err).Warn("grid order rejected")
		return
	}
	if len(positions) == 0 {
		return
	}

	dst := &cycle.Threshold
	if cycle.Status == models.StatusRecovery {
		dst = &cycle.Recovery
	}
	for _, pos := range positions {
		e.adoptPosition(cycle, pos, dst)
	}
	cycle.NextOrderIndex++
	cycle.DonePriceLevels, _ = cycle.DonePriceLevels.Add(price, q.Pip()/2)
	e.activate(cycle)
	e.logger.Infof("grid order %d at %.5f, next index %d", positions[0].Ticket, price, cycle.NextOrderIndex)
}

// checkReversal flips the cycle direction when the price pierces the opposite
// threshold. The follow-on order is placed first so a broker rejection leaves
// the cycle untouched.
func (e *Engine) checkReversal(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote, s Settings) {
	price := q.Bid
	pierced := price < cycle.ThresholdLower
	if cycle.CurrentDirection == models.DirectionSell {
		pierced = price > cycle.ThresholdUpper
	}
	if !pierced {
		return
	}
	if cycle.DirectionSwitched && !e.family.AllowsRepeatedSwitch() {
		return
	}

	side := cycle.CurrentDirection.Opposite()
	lot := util.NormalizeLot(s.LotFor(cycle.LotIdx))
	positions, err := e.broker.Market(ctx, broker.MarketOrderRequest{
		Side:     side,
		Symbol:   e.symbol,
		Volume:   lot,
		Magic:    e.magic,
		Slippage: s.Slippage,
		Comment:  e.comment("reversal", cycle),
	})
	if err != nil {
		e.logger.WithError(err).Warn("reversal order rejected")
		return
	}
	if len(positions) == 0 {
		return
	}

	cycle.SwitchDirection(price)
	for _, pos := range positions {
		e.adoptPosition(cycle, pos, &cycle.Threshold)
	}
	e.activate(cycle)
	e.logger.Infof("cycle %s reversed to %s at %.5f (switch %d)",
		util.ShortID(cycle.ID), side, price, cycle.DirectionSwitches)
}

// checkHedge opens a counter-direction order when the price crosses the zone
// against the cycle. The zone base then moves to the crossing price, so one
// crossing hedges exactly once.
func (e *Engine) checkHedge(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote, s Settings) {
	if !e.family.SupportsHedging() || !s.HedgingConfigured() {
		return
	}
	price := q.Bid
	crossed := price < cycle.LowerBound
	if cycle.CurrentDirection == models.DirectionSell {
		crossed = price > cycle.UpperBound
	}
	if !crossed {
		return
	}

	side := cycle.CurrentDirection.Opposite()
	lot := util.NormalizeLot(s.HedgeLotFor(len(cycle.Hedge)))
	positions, err := e.broker.Market(ctx, broker.MarketOrderRequest{
		Side:     side,
		Symbol:   e.symbol,
		Volume:   lot,
		Magic:    e.magic,
		Slippage: s.Slippage,
		Comment:  e.comment("hedge", cycle),
	})
	if err != nil {
		e.logger.WithError(err).Warn("hedge order rejected")
		return
	}
	if len(positions) == 0 {
		return
	}

	for _, pos := range positions {
		e.adoptPosition(cycle, pos, &cycle.Hedge)
	}
	cycle.ZoneBasePrice = price
	pip := q.Pip()
	cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)
	e.activate(cycle)
	e.logger.Infof("hedge %d opened at %.5f, zone re-anchored", positions[0].Ticket, price)
}

// checkRecovery enters recovery mode when a single order's adverse move
// reaches the configured stop loss, and leaves it once every recovery order
// has completed.
func (e *Engine) checkRecovery(cycle *models.Cycle, q *broker.SymbolQuote, s Settings) {
	if !e.family.SupportsHedging() || s.StopLoss <= 0 {
		return
	}
	pip := q.Pip()

	if cycle.Status == models.StatusRecovery {
		if len(cycle.Recovery) == 0 || !e.allTicketsClosed(cycle, cycle.Recovery) {
			return
		}
		if err := cycle.TransitionStatus(models.StatusActive, models.ConditionRecoveryExit); err != nil {
			e.logger.WithError(err).Warn("recovery exit")
			return
		}
		cycle.RecoveryZoneBase = 0
		cycle.InitialStopLossPrice = 0
		cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)
		e.logger.Infof("cycle %s left recovery", util.ShortID(cycle.ID))
		return
	}
	if cycle.Status != models.StatusActive {
		return
	}

	price := q.Bid
	rows, _ := e.activeOrderRows(cycle)
	for _, o := range rows {
		if o.IsPending {
			continue
		}
		adverse := o.OpenPrice - price
		if o.Direction == models.DirectionSell {
			adverse = price - o.OpenPrice
		}
		lost := util.RoundPrice(adverse, q.Digits) / pip
		if lost < s.StopLoss {
			continue
		}
		if err := cycle.TransitionStatus(models.StatusRecovery, models.ConditionRecoveryEnter); err != nil {
			e.logger.WithError(err).Warn("recovery enter")
			return
		}
		cycle.RecoveryZoneBase = price
		if o.Direction == models.DirectionBuy {
			cycle.InitialStopLossPrice = util.RoundPrice(o.OpenPrice-s.StopLoss*pip, q.Digits)
		} else {
			cycle.InitialStopLossPrice = util.RoundPrice(o.OpenPrice+s.StopLoss*pip, q.Digits)
		}
		cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)
		e.logger.Infof("cycle %s entered recovery at %.5f (ticket %d down %.1f pips)",
			util.ShortID(cycle.ID), price, o.Ticket, lost)
		return
	}
}

func (e *Engine) allTicketsClosed(cycle *models.Cycle, set models.TicketList) bool {
	for _, t := range set {
		if !cycle.Closed.Contains(t) {
			return false
		}
	}
	return true
}

// checkBatchStopLoss closes the current batch once its cumulative loss,
// realized plus floating, reaches the pip-scaled cap. The cycle reseeds at
// the current price when other tickets keep it alive, and closes outright
// when the batch was everything it had.
func (e *Engine) checkBatchStopLoss(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote, s Settings) {
	if !e.family.SupportsBatchStopLoss() || s.BatchStopLossPips <= 0 {
		return
	}

	rows, _ := e.activeOrderRows(cycle)
	batch := rows[:0]
	var floating, volume float64
	for _, o := range rows {
		if o.IsPending || cycle.Hedge.Contains(o.Ticket) {
			continue
		}
		batch = append(batch, o)
		floating += o.NetProfit()
		volume += o.Volume
	}
	if volume <= 0 {
		return
	}

	var realized float64
	if len(cycle.BatchLosses) > 0 {
		realized = cycle.BatchLosses[len(cycle.BatchLosses)-1]
	}
	loss := realized - floating
	limit := s.BatchStopLossPips * q.Pip() * volume
	if loss < limit {
		return
	}

	e.logger.Warnf("batch stop loss on cycle %s: loss %.2f over cap %.2f, closing %d orders",
		util.ShortID(cycle.ID), loss, limit, len(batch))

	ok := true
	for i := range batch {
		if !e.closeTicket(ctx, cycle, &batch[i], lossSourceBatch, s.Slippage) {
			ok = false
		}
	}
	if !ok {
		// Retried next tick; the batch threshold still holds.
		return
	}

	if len(cycle.ActiveTickets()) == 0 {
		if err := cycle.TransitionStatus(models.StatusClosed, models.ConditionBatchCloseAll); err != nil {
			e.logger.WithError(err).Warn("batch close transition")
			return
		}
		cycle.MarkClosed(models.ConditionBatchCloseAll, models.CloseReasonBatchStop, e.now())
		e.losses.CyclesClosed++
		return
	}

	// Hedge or pending tickets keep the cycle going: new batch at the
	// current price.
	cycle.InitialThresholdPrice = q.Bid
	cycle.NextOrderIndex = 0
	cycle.BatchLosses = append(cycle.BatchLosses, 0)
}

// CloseOnTakeProfit closes the cycle once its gain reaches the configured
// take profit in the unit selected by sltp. Returns true when the cycle was
// closed by this call.
func (e *Engine) CloseOnTakeProfit(ctx context.Context, cycle *models.Cycle, q *broker.SymbolQuote) (bool, error) {
	if cycle == nil || cycle.IsClosed || q == nil || q.Bid == 0 {
		return false, nil
	}
	s := e.Settings()
	if s.TakeProfit <= 0 {
		return false, nil
	}

	rows, _ := e.activeOrderRows(cycle)
	reached := false
	switch s.SLTP {
	case TPPips:
		reached = volumeWeightedPipGain(rows, q) >= s.TakeProfit
	default:
		total := cycle.TotalProfit
		for _, o := range rows {
			if !o.IsPending {
				total += o.NetProfit()
			}
		}
		reached = total >= s.TakeProfit
	}
	if !reached {
		return false, nil
	}

	if err := e.CloseCycle(ctx, cycle, models.ConditionTakeProfit, models.CloseReasonTakeProfit); err != nil {
		return false, err
	}
	return true, nil
}

// volumeWeightedPipGain values open orders at their closing side of the
// market and averages the pip gain by volume.
func volumeWeightedPipGain(rows []models.Order, q *broker.SymbolQuote) float64 {
	pip := q.Pip()
	if pip == 0 {
		return 0
	}
	var weighted, volume float64
	for _, o := range rows {
		if o.IsPending || o.Volume <= 0 {
			continue
		}
		gain := q.Bid - o.OpenPrice
		if o.Direction == models.DirectionSell {
			gain = o.OpenPrice - q.Ask
		}
		pips := util.RoundPrice(gain, q.Digits) / pip
		weighted += pips * o.Volume
		volume += o.Volume
	}
	if volume == 0 {
		return 0
	}
	return weighted / volume
}

// CloseCycle closes every live ticket of the cycle and finalizes it under the
// given transition condition and close reason. Closing an already-closed
// cycle is a success no-op. When any order close is refused the cycle stays
// open and the call errors so the next tick retries.
func (e *Engine) CloseCycle(ctx context.Context, cycle *models.Cycle, condition, reason string) error {
	if cycle == nil {
		return errors.New("nil cycle")
	}
	if cycle.IsClosed {
		return nil
	}
	s := e.Settings()

	rows, missing := e.activeOrderRows(cycle)
	ok := true
	for i := range rows {
		if !e.closeTicket(ctx, cycle, &rows[i], e.closeSource(cycle, rows[i].Ticket), s.Slippage) {
			ok = false
		}
	}
	for _, ticket := range missing {
		if !e.closeUntracked(ctx, cycle, ticket, s.Slippage) {
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("cycle %s: some orders were not closed", util.ShortID(cycle.ID))
	}

	if err := cycle.TransitionStatus(models.StatusClosed, condition); err != nil {
		return err
	}
	cycle.MarkClosed(condition, reason, e.now())
	e.losses.CyclesClosed++
	if err := e.store.SaveCycle(e.family, cycle); err != nil {
		e.logger.WithError(err).Warn("closed cycle save failed, state kept in memory")
	}
	e.logger.Infof("cycle %s closed: %s (profit %.2f)", util.ShortID(cycle.ID), reason, cycle.TotalProfit)
	return nil
}

// CloseTicket closes one ticket owned by the cycle and persists both sides.
func (e *Engine) CloseTicket(ctx context.Context, cycle *models.Cycle, ticket uint64) error {
	row, err := e.store.OrderByTicket(e.family, ticket)
	if err != nil {
		return err
	}
	s := e.Settings()
	if !e.closeTicket(ctx, cycle, row, e.closeSource(cycle, ticket), s.Slippage) {
		return fmt.Errorf("ticket %d: close rejected", ticket)
	}
	return e.store.SaveCycle(e.family, cycle)
}

// ClosePendingOrders removes every working pending order of the cycle.
func (e *Engine) ClosePendingOrders(ctx context.Context, cycle *models.Cycle) error {
	s := e.Settings()
	ok := true
	for _, ticket := range append(models.TicketList{}, cycle.Pending...) {
		row, err := e.store.OrderByTicket(e.family, ticket)
		if err != nil {
			e.logger.WithError(err).Warnf("pending %d has no local row", ticket)
			continue
		}
		if !e.closeTicket(ctx, cycle, row, lossSourceGrid, s.Slippage) {
			ok = false
		}
	}
	cycle.IsPending = len(cycle.Pending) > 0
	if err := e.store.SaveCycle(e.family, cycle); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cycle %s: some pending orders were not removed", util.ShortID(cycle.ID))
	}
	return nil
}

// closeTicket closes one order row at the broker and books it into the
// cycle. A ticket already gone from the terminal books its last known
// profit. Returns false when the broker refused and the row must stay open.
func (e *Engine) closeTicket(ctx context.Context, cycle *models.Cycle, row *models.Order, source string, slippage int) bool {
	if row.IsClosed {
		return true
	}
	if row.IsPending {
		if _, err := e.broker.CloseOrder(ctx, row.Ticket); err != nil && !errors.Is(err, broker.ErrTicketNotFound) {
			e.logger.WithError(err).Warnf("remove pending %d", row.Ticket)
			return false
		}
		row.IsPending = false
		row.Profit = 0
	} else {
		res, err := e.broker.ClosePosition(ctx, row.Ticket, slippage)
		switch {
		case err == nil:
			row.Profit = res.Profit
		case errors.Is(err, broker.ErrTicketNotFound):
			// Already closed at the terminal, keep the stored profit.
		default:
			e.logger.WithError(err).Warnf("close position %d", row.Ticket)
			return false
		}
	}
	row.IsClosed = true
	e.registerClosed(cycle, row, source)
	if err := e.store.SaveOrder(e.family, row); err != nil {
		e.logger.WithError(err).Warnf("persist closed ticket %d", row.Ticket)
	}
	return true
}

// closeUntracked closes a ticket that has no local row, trying the position
// side first and falling back to the pending side.
func (e *Engine) closeUntracked(ctx context.Context, cycle *models.Cycle, ticket uint64, slippage int) bool {
	res, err := e.broker.ClosePosition(ctx, ticket, slippage)
	if err == nil {
		cycle.RegisterClosed(ticket, res.Profit)
		return true
	}
	if !errors.Is(err, broker.ErrTicketNotFound) {
		e.logger.WithError(err).Warnf("close untracked %d", ticket)
		return false
	}
	if _, err := e.broker.CloseOrder(ctx, ticket); err != nil && !errors.Is(err, broker.ErrTicketNotFound) {
		e.logger.WithError(err).Warnf("remove untracked %d", ticket)
		return false
	}
	cycle.RegisterClosed(ticket, 0)
	return true
}

// OpenCycle opens the initial order(s) for a new cycle. Price zero enters at
// market; a non-zero price places a pending order and the cycle waits in the
// pending state. BUY_AND_SELL opens both sides into the same cycle.
func (e *Engine) OpenCycle(ctx context.Context, kind models.CycleKind, price float64, by models.OpenedBy) (*models.Cycle, error) {
	q, err := e.quote(ctx)
	if err != nil {
		return nil, err
	}
	s := e.Settings()
	lot := util.NormalizeLot(s.LotFor(0))
	sides := sidesFor(kind)

	var cycle *models.Cycle
	if price == 0 {
		var got []broker.Position
		for _, side := range sides {
			positions, err := e.broker.Market(ctx, broker.MarketOrderRequest{
				Side:     side,
				Symbol:   e.symbol,
				Volume:   lot,
				Magic:    e.magic,
				Slippage: s.Slippage,
				Comment:  "open " + string(side),
			})
			if err != nil {
				e.logger.WithError(err).Warnf("open %s leg rejected", side)
				continue
			}
			got = append(got, positions...)
		}
		if len(got) == 0 {
			return nil, ErrNoFill
		}
		cycle = models.NewCycle(e.botID, e.accountID, e.symbol, e.magic, kind, got[0].Direction, got[0].OpenPrice)
		for _, pos := range got {
			e.adoptPosition(cycle, pos, &cycle.Initial)
		}
	} else {
		cycle = models.NewCycle(e.botID, e.accountID, e.symbol, e.magic, kind, sides[0], price)
		var got []broker.PendingOrder
		for _, side := range sides {
			pendings, err := e.broker.Pending(ctx, broker.PendingOrderRequest{
				Side:    side,
				Symbol:  e.symbol,
				Price:   price,
				Volume:  lot,
				Magic:   e.magic,
				Comment: "open pending " + string(side),
			})
			if err != nil {
				e.logger.WithError(err).Warnf("pending %s leg rejected", side)
				continue
			}
			got = append(got, pendings...)
		}
		if len(got) == 0 {
			return nil, ErrNoFill
		}
		for _, p := range got {
			e.adoptPending(cycle, p)
		}
		cycle.IsPending = true
	}

	cycle.OpenedBy = by
	pip := q.Pip()
	cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)
	e.losses.CyclesOpened++
	if err := e.store.SaveCycle(e.family, cycle); err != nil {
		e.logger.WithError(err).Warn("new cycle save failed, state kept in memory")
	}
	e.logger.Infof("cycle %s opened: %s at %.5f", util.ShortID(cycle.ID), kind, cycle.OpenPrice)
	return cycle, nil
}

// CheckCandleTrading opens one cycle in the direction of a freshly completed
// candle, with a pending hedge hedge_sl pips on the opposite side. It fires
// at most once per candle open time and respects the max cycle cap.
func (e *Engine) CheckCandleTrading(ctx context.Context, activeCycles int) (*models.Cycle, error) {
	s := e.Settings()
	if !s.AutoCandleClose || !e.family.SupportsCandleTrading() {
		return nil, nil
	}
	if s.MaxCycles > 0 && activeCycles >= s.MaxCycles {
		return nil, nil
	}

	candle, err := e.broker.LastCandle(ctx, e.symbol, s.CandleTimeframe)
	if err != nil {
		return nil, err
	}
	if candle == nil || !candle.OpenTime.After(e.lastCandleSeen) {
		return nil, nil
	}
	e.lastCandleSeen = candle.OpenTime
	dir := candle.Direction()
	if dir == broker.CandleFlat {
		return nil, nil
	}
	side := models.DirectionBuy
	if dir == broker.CandleDown {
		side = models.DirectionSell
	}

	q, err := e.quote(ctx)
	if err != nil {
		return nil, err
	}
	lot := util.NormalizeLot(s.LotFor(0))
	positions, err := e.broker.Market(ctx, broker.MarketOrderRequest{
		Side:     side,
		Symbol:   e.symbol,
		Volume:   lot,
		Magic:    e.magic,
		Slippage: s.Slippage,
		Comment:  "candle " + string(s.CandleTimeframe),
	})
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	cycle := models.NewCycle(e.botID, e.accountID, e.symbol, e.magic, kindFor(side), side, positions[0].OpenPrice)
	cycle.OpenedBy = models.OpenedBy{UserName: "candle_close"}
	for _, pos := range positions {
		e.adoptPosition(cycle, pos, &cycle.Initial)
	}

	hedgePrice := positions[0].OpenPrice - s.HedgeSL*q.Pip()
	if side == models.DirectionSell {
		hedgePrice = positions[0].OpenPrice + s.HedgeSL*q.Pip()
	}
	pendings, err := e.broker.Pending(ctx, broker.PendingOrderRequest{
		Side:    side.Opposite(),
		Symbol:  e.symbol,
		Price:   util.RoundPrice(hedgePrice, q.Digits),
		Volume:  lot,
		Magic:   e.magic,
		Comment: "candle hedge",
	})
	if err != nil {
		e.logger.WithError(err).Warn("candle hedge rejected")
	}
	for _, p := range pendings {
		e.adoptPending(cycle, p)
	}
	cycle.IsPending = len(cycle.Pending) > 0

	pip := q.Pip()
	cycle.RecomputeZone(s.Zone*pip, s.EffectiveZoneForward()*pip)
	e.losses.CyclesOpened++
	if err := e.store.SaveCycle(e.family, cycle); err != nil {
		e.logger.WithError(err).Warn("candle cycle save failed, state kept in memory")
	}
	e.logger.Infof("candle cycle %s: %s after %s candle at %.5f",
		util.ShortID(cycle.ID), side, s.CandleTimeframe, cycle.OpenPrice)
	return cycle, nil
}

func (e *Engine) adoptPosition(cycle *models.Cycle, pos broker.Position, set *models.TicketList) {
	*set = set.Append(pos.Ticket)
	cycle.TotalVolume = util.Round2(cycle.TotalVolume + pos.Volume)
	row := &models.Order{
		Ticket:     pos.Ticket,
		Kind:       models.OrderMarket,
		Direction:  pos.Direction,
		Symbol:     pos.Symbol,
		Magic:      pos.Magic,
		OpenPrice:  pos.OpenPrice,
		Volume:     pos.Volume,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Swap:       pos.Swap,
		Commission: pos.Commission,
		Profit:     pos.Profit,
		CycleID:    cycle.ID,
		AccountID:  e.accountID,
		OpenTime:   pos.OpenTime,
	}
	if err := e.store.SaveOrder(e.family, row); err != nil {
		e.logger.WithError(err).Warnf("persist ticket %d", pos.Ticket)
	}
}

func (e *Engine) adoptPending(cycle *models.Cycle, p broker.PendingOrder) {
	cycle.Pending = cycle.Pending.Append(p.Ticket)
	row := &models.Order{
		Ticket:     p.Ticket,
		Kind:       models.OrderPending,
		Direction:  p.Kind.Direction(),
		Symbol:     p.Symbol,
		Magic:      p.Magic,
		OpenPrice:  p.Price,
		Volume:     p.Volume,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		IsPending:  true,
		CycleID:    cycle.ID,
		AccountID:  e.accountID,
		OpenTime:   p.SetupTime,
	}
	if err := e.store.SaveOrder(e.family, row); err != nil {
		e.logger.WithError(err).Warnf("persist pending %d", p.Ticket)
	}
}

// activeOrderRows loads the store rows for the cycle's live tickets. Tickets
// without a row come back in missing.
func (e *Engine) activeOrderRows(cycle *models.Cycle) ([]models.Order, []uint64) {
	var rows []models.Order
	var missing []uint64
	for _, ticket := range cycle.ActiveTickets() {
		row, err := e.store.OrderByTicket(e.family, ticket)
		if err != nil {
			if errors.Is(err, storage.ErrOrderNotFound) {
				missing = append(missing, ticket)
			}
			continue
		}
		rows = append(rows, *row)
	}
	return rows, missing
}

func (e *Engine) activate(cycle *models.Cycle) {
	if cycle.Status != models.StatusInitial {
		return
	}
	if err := cycle.TransitionStatus(models.StatusActive, models.ConditionFollowOnOrder); err != nil {
		e.logger.WithError(err).Warn("activate cycle")
	}
}

func (e *Engine) quote(ctx context.Context) (*broker.SymbolQuote, error) {
	q, err := e.broker.SymbolInfo(ctx, e.symbol)
	if err != nil {
		return nil, err
	}
	if q == nil || q.Point == 0 {
		return nil, fmt.Errorf("symbol %s: %w", e.symbol, broker.ErrSymbolUnavailable)
	}
	return q, nil
}

func (e *Engine) comment(tag string, cycle *models.Cycle) string {
	return tag + " " + util.ShortID(cycle.ID)
}

func sidesFor(kind models.CycleKind) []models.Direction {
	switch kind {
	case models.CycleSell:
		return []models.Direction{models.DirectionSell}
	case models.CycleBuyAndSell:
		return []models.Direction{models.DirectionBuy, models.DirectionSell}
	default:
		return []models.Direction{models.DirectionBuy}
	}
}

func kindFor(side models.Direction) models.CycleKind {
	if side == models.DirectionSell {
		return models.CycleSell
	}
	return models.CycleBuy
}
