// Package strategy runs the per-bot driver: a fixed-interval loop that
// manages open cycles through the engine, mirrors them to the remote store,
// opens new cycles under the autotrade rules and applies user commands
// routed from the event stream.
package strategy

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/engine"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// Remote is the slice of the remote store client the loop writes through.
// A nil Remote disables mirroring, as in mock mode.
type Remote interface {
	PushCycle(ctx context.Context, kind models.StrategyKind, cycle *models.Cycle) error
	PushLossTracker(ctx context.Context, t *models.GlobalLossTracker) error
	UpdateBotStatus(ctx context.Context, botID string, stopped bool) error
}

// DefaultTickInterval paces the management loop when the config does not
// override it.
const DefaultTickInterval = time.Second

// commandBuffer bounds queued commands per loop. The supervisor dispatches
// sequentially, so the buffer only smooths bursts within one event poll.
const commandBuffer = 16

// Config tunes one strategy loop.
type Config struct {
	// TickInterval is the pause between management ticks. Default 1s.
	TickInterval time.Duration
}

// Loop drives one bot. All cycle mutations happen on the loop goroutine;
// Dispatch hands commands over through a channel so event handling is
// serialized with management ticks.
type Loop struct {
	engine *engine.Engine
	broker broker.Broker
	store  storage.Interface
	remote Remote
	logger *logrus.Entry

	botID       string
	remoteBotID string
	family      models.StrategyKind
	symbol      string

	interval time.Duration
	commands chan Command

	mu      sync.RWMutex
	stopped bool

	// lastCyclePrice anchors the autotrade move test. Loop goroutine only.
	lastCyclePrice float64

	// lastLosses is the loss tracker state as of the last successful push.
	// Loop goroutine only.
	lastLosses models.GlobalLossTracker
}

// NewLoop wires the driver for one bot. remote may be nil.
func NewLoop(eng *engine.Engine, b broker.Broker, store storage.Interface, remote Remote, bot *models.Bot, cfg Config, logger *logrus.Logger) *Loop {
	if eng == nil {
		panic("strategy.NewLoop: engine must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	remoteBotID := bot.RemoteID
	if remoteBotID == "" {
		remoteBotID = bot.ID
	}
	return &Loop{
		engine: eng,
		broker: b,
		store:  store,
		remote: remote,
		logger: logger.WithFields(logrus.Fields{
			"bot":      util.ShortID(bot.ID),
			"strategy": string(bot.Strategy),
			"symbol":   bot.Symbol,
		}),
		botID:       bot.ID,
		remoteBotID: remoteBotID,
		family:      bot.Strategy,
		symbol:      bot.Symbol,
		interval:    interval,
		commands:    make(chan Command, commandBuffer),
		stopped:     bot.Stopped,
	}
}

// Run executes the loop until the context is canceled. The first tick runs
// immediately so a restart picks its cycles back up without waiting.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("strategy loop starting")
	l.primeLastCyclePrice()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("strategy loop stopped")
			return nil
		case cmd := <-l.commands:
			l.handleCommand(ctx, cmd)
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Dispatch queues one command for the loop goroutine, preserving dispatch
// order. It blocks only while the buffer is full.
func (l *Loop) Dispatch(ctx context.Context, cmd Command) error {
	select {
	case l.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BotID returns the owning bot's id.
func (l *Loop) BotID() string { return l.botID }

// Family returns the bot's strategy family.
func (l *Loop) Family() models.StrategyKind { return l.family }

// Symbol returns the traded symbol.
func (l *Loop) Symbol() string { return l.symbol }

// Stopped reports whether the bot is paused. A paused loop keeps running
// and handling commands but touches no cycle.
func (l *Loop) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

func (l *Loop) setStopped(v bool) {
	l.mu.Lock()
	l.stopped = v
	l.mu.Unlock()
}

// UpdateBot applies an update_bot event. Live-updatable fields are the
// config map and the stopped flag; identity fields stay fixed for the
// process lifetime.
func (l *Loop) UpdateBot(bot *models.Bot) {
	l.engine.UpdateConfig(bot.Config)
	l.setStopped(bot.Stopped)
	l.logger.Info("bot settings updated")
}

// primeLastCyclePrice seeds the autotrade anchor from the newest open cycle
// so a restart does not immediately reopen at the same level.
func (l *Loop) primeLastCyclePrice() {
	cycles, err := l.store.OpenCycles(l.family, l.botID)
	if err != nil || len(cycles) == 0 {
		return
	}
	l.lastCyclePrice = cycles[len(cycles)-1].OpenPrice
}

func (l *Loop) rememberOpen(cycle *models.Cycle) {
	l.lastCyclePrice = cycle.OpenPrice
}

// tick runs one management pass: refresh and manage every open cycle, close
// on take profit, mirror remotely, then consider opening a new cycle. A
// missing quote or bid makes the whole tick a no-op.
func (l *Loop) tick(ctx context.Context) {
	q, err := l.broker.SymbolInfo(ctx, l.symbol)
	if err != nil {
		l.logger.WithError(err).Debug("symbol info unavailable, skipping tick")
		return
	}
	if q == nil || q.Bid == 0 || q.Point == 0 {
		return
	}

	cycles, err := l.store.OpenCycles(l.family, l.botID)
	if err != nil {
		l.logger.WithError(err).Warn("load open cycles")
		return
	}

	stopped := l.Stopped()
	active := 0
	for i := range cycles {
		cycle := &cycles[i]
		if !stopped {
			if err := l.engine.Manage(ctx, cycle, q); err != nil {
				l.logger.WithError(err).Warnf("manage cycle %s", util.ShortID(cycle.ID))
			}
			if _, err := l.engine.CloseOnTakeProfit(ctx, cycle, q); err != nil {
				l.logger.WithError(err).Warnf("take profit close %s", util.ShortID(cycle.ID))
			}
			// Push after the take-profit check: a closed cycle leaves the
			// open set and would never be mirrored again.
			l.push(ctx, cycle)
		}
		if !cycle.IsClosed {
			active++
		}
	}
	if stopped {
		return
	}

	if l.maybeAutoOpen(ctx, cycles, active, q) {
		active++
	}

	candleCycle, err := l.engine.CheckCandleTrading(ctx, active)
	if err != nil {
		l.logger.WithError(err).Warn("candle trading")
	}
	if candleCycle != nil {
		l.rememberOpen(candleCycle)
		l.push(ctx, candleCycle)
	}

	l.pushLosses(ctx)
}

// maybeAutoOpen opens a market cycle in the move direction once the price
// has traveled autotrade_threshold pips from the last cycle price and no
// restriction applies. Reports whether a cycle was opened.
func (l *Loop) maybeAutoOpen(ctx context.Context, cycles []models.Cycle, active int, q *broker.SymbolQuote) bool {
	s := l.engine.Settings()
	if !s.Autotrade {
		return false
	}
	if s.MaxCycles > 0 && active >= s.MaxCycles {
		return false
	}

	price := q.Bid
	if l.lastCyclePrice > 0 {
		moved := util.RoundPrice(math.Abs(price-l.lastCyclePrice), q.Digits)
		if moved < s.AutotradeThreshold*q.Pip() {
			return false
		}
	}
	side := models.DirectionBuy
	if price < l.lastCyclePrice {
		side = models.DirectionSell
	}
	if l.suppressed(cycles, side, price, q, s) {
		return false
	}

	kind := models.CycleBuy
	if side == models.DirectionSell {
		kind = models.CycleSell
	}
	cycle, err := l.engine.OpenCycle(ctx, kind, 0, models.OpenedBy{UserName: "autotrade"})
	if err != nil {
		if !errors.Is(err, engine.ErrNoFill) {
			l.logger.WithError(err).Warn("autotrade open failed")
		}
		return false
	}
	l.rememberOpen(cycle)
	l.push(ctx, cycle)
	return true
}

// suppressed applies the autotrade pips restriction: no new cycle within
// half the restriction of a cycle that has not hedged, closed anything or
// grown past two orders, and no same-direction cycle within the full
// restriction. Distances scale by the symbol point and are rounded to the
// symbol digits so a landing exactly on the boundary counts as inside.
func (l *Loop) suppressed(cycles []models.Cycle, side models.Direction, price float64, q *broker.SymbolQuote, s engine.Settings) bool {
	r := s.AutotradePipsRestriction
	if r <= 0 {
		return false
	}
	half := r / 2 * q.Point
	buffer := r * q.Point
	for i := range cycles {
		c := &cycles[i]
		if c.IsClosed {
			continue
		}
		dist := util.RoundPrice(math.Abs(price-c.OpenPrice), q.Digits)
		if dist <= half && len(c.Hedge) == 0 && len(c.Closed) == 0 && len(c.ActiveTickets()) <= 2 {
			return true
		}
		if c.CurrentDirection == side && dist < buffer {
			return true
		}
	}
	return false
}

func (l *Loop) handleCommand(ctx context.Context, cmd Command) {
	log := l.logger.WithField("command", string(cmd.Kind))
	if cmd.UserName != "" {
		log = log.WithField("user", cmd.UserName)
	}

	switch cmd.Kind {
	case CmdOpenOrder:
		l.cmdOpenOrder(ctx, log, cmd)
	case CmdCloseCycle:
		if cmd.AllCycles {
			l.cmdCloseAllCycles(ctx, log)
		} else {
			l.cmdCloseCycle(ctx, log, cmd.CycleID)
		}
	case CmdCloseAllCycles:
		l.cmdCloseAllCycles(ctx, log)
	case CmdCloseOrder, CmdClosePendingOrder:
		l.cmdCloseTicket(ctx, log, cmd.Ticket)
	case CmdCloseAllPendingOrders:
		l.cmdCloseAllPending(ctx, log)
	case CmdUpdateOrderConfigs:
		l.cmdUpdateOrderConfigs(log, cmd)
	case CmdStopBot:
		l.setStopped(true)
		l.pushBotStatus(ctx, true)
		log.Info("bot stopped")
	case CmdStartBot:
		l.setStopped(false)
		l.pushBotStatus(ctx, false)
		log.Info("bot started")
	default:
		log.Warn("unknown command dropped")
	}

	l.pushLosses(ctx)
}

func (l *Loop) cmdOpenOrder(ctx context.Context, log *logrus.Entry, cmd Command) {
	by := models.OpenedBy{UserID: cmd.UserID, UserName: cmd.UserName, SentByAdmin: cmd.SentByAdmin}
	cycle, err := l.engine.OpenCycle(ctx, cmd.Side, cmd.Price, by)
	if err != nil {
		log.WithError(err).Warn("open order failed")
		return
	}
	l.rememberOpen(cycle)
	l.push(ctx, cycle)
}

// cmdCloseCycle closes one cycle by remote or local id. Closing an already
// closed cycle is a success no-op.
func (l *Loop) cmdCloseCycle(ctx context.Context, log *logrus.Entry, id string) {
	cycle, err := l.store.CycleByRemoteID(l.family, id)
	if errors.Is(err, storage.ErrCycleNotFound) {
		cycle, err = l.store.CycleByID(l.family, id)
	}
	if err != nil {
		log.WithError(err).Warnf("cycle %s not found", id)
		return
	}
	if cycle.IsClosed {
		log.Debugf("cycle %s already closed", util.ShortID(cycle.ID))
		return
	}
	if err := l.engine.CloseCycle(ctx, cycle, models.ConditionCloseAll, models.CloseReasonUserRequest); err != nil {
		log.WithError(err).Warnf("close cycle %s", util.ShortID(cycle.ID))
		return
	}
	l.push(ctx, cycle)
}

func (l *Loop) cmdCloseAllCycles(ctx context.Context, log *logrus.Entry) {
	cycles, err := l.store.OpenCycles(l.family, l.botID)
	if err != nil {
		log.WithError(err).Warn("load open cycles")
		return
	}
	closed := 0
	for i := range cycles {
		cycle := &cycles[i]
		if err := l.engine.CloseCycle(ctx, cycle, models.ConditionCloseAll, models.CloseReasonUserRequest); err != nil {
			log.WithError(err).Warnf("close cycle %s", util.ShortID(cycle.ID))
			continue
		}
		closed++
		l.push(ctx, cycle)
	}
	log.Infof("closed %d of %d cycles", closed, len(cycles))
}

func (l *Loop) cmdCloseTicket(ctx context.Context, log *logrus.Entry, ticket uint64) {
	cycle := l.cycleOwning(ticket)
	if cycle == nil {
		log.Warnf("ticket %d belongs to no open cycle", ticket)
		return
	}
	if err := l.engine.CloseTicket(ctx, cycle, ticket); err != nil {
		log.WithError(err).Warnf("close ticket %d", ticket)
		return
	}
	l.push(ctx, cycle)
}

func (l *Loop) cmdCloseAllPending(ctx context.Context, log *logrus.Entry) {
	cycles, err := l.store.OpenCycles(l.family, l.botID)
	if err != nil {
		log.WithError(err).Warn("load open cycles")
		return
	}
	for i := range cycles {
		cycle := &cycles[i]
		if len(cycle.Pending) == 0 {
			continue
		}
		if err := l.engine.ClosePendingOrders(ctx, cycle); err != nil {
			log.WithError(err).Warnf("close pending of cycle %s", util.ShortID(cycle.ID))
		}
		l.push(ctx, cycle)
	}
}

// cmdUpdateOrderConfigs rewrites stop loss, take profit and trailing on
// local order rows. With no ticket the change applies to every open order
// of the bot.
func (l *Loop) cmdUpdateOrderConfigs(log *logrus.Entry, cmd Command) {
	var rows []models.Order
	if cmd.Ticket != 0 {
		row, err := l.store.OrderByTicket(l.family, cmd.Ticket)
		if err != nil {
			log.WithError(err).Warnf("ticket %d has no local row", cmd.Ticket)
			return
		}
		rows = append(rows, *row)
	} else {
		cycles, err := l.store.OpenCycles(l.family, l.botID)
		if err != nil {
			log.WithError(err).Warn("load open cycles")
			return
		}
		for i := range cycles {
			cycleRows, err := l.store.OrdersForCycle(l.family, cycles[i].ID)
			if err != nil {
				continue
			}
			rows = append(rows, cycleRows...)
		}
	}

	updated := 0
	for i := range rows {
		row := &rows[i]
		if row.IsClosed {
			continue
		}
		if cmd.StopLoss >= 0 {
			row.StopLoss = cmd.StopLoss
		}
		if cmd.TakeProfit >= 0 {
			row.TakeProfit = cmd.TakeProfit
		}
		if cmd.Trailing >= 0 {
			row.TrailingSteps = cmd.Trailing
		}
		if err := l.store.SaveOrder(l.family, row); err != nil {
			log.WithError(err).Warnf("persist ticket %d", row.Ticket)
			continue
		}
		updated++
	}
	log.Infof("updated %d order rows", updated)
}

// cycleOwning finds the open cycle a ticket belongs to.
func (l *Loop) cycleOwning(ticket uint64) *models.Cycle {
	cycles, err := l.store.OpenCycles(l.family, l.botID)
	if err != nil {
		return nil
	}
	for i := range cycles {
		if cycles[i].OwnsTicket(ticket) {
			return &cycles[i]
		}
	}
	return nil
}

// pushLosses mirrors the loss tracker when its counters moved since the
// last push. The loop goroutine owns the tracker, so the dirty check needs
// no lock.
func (l *Loop) pushLosses(ctx context.Context) {
	if l.remote == nil {
		return
	}
	t := l.engine.LossTracker()
	if t.CyclesOpened == l.lastLosses.CyclesOpened &&
		t.CyclesClosed == l.lastLosses.CyclesClosed &&
		t.TotalLoss == l.lastLosses.TotalLoss {
		return
	}
	if err := l.remote.PushLossTracker(ctx, t); err != nil {
		l.logger.WithError(err).Debug("push loss tracker")
		return
	}
	l.lastLosses = *t
}

func (l *Loop) pushBotStatus(ctx context.Context, stopped bool) {
	if l.remote == nil {
		return
	}
	if err := l.remote.UpdateBotStatus(ctx, l.remoteBotID, stopped); err != nil {
		l.logger.WithError(err).Warn("update remote bot status")
	}
}

// push mirrors the cycle to the remote store. The first successful push
// assigns the remote id, which is persisted locally so restarts keep
// patching the same record. Failures retry on the next tick.
func (l *Loop) push(ctx context.Context, cycle *models.Cycle) {
	if l.remote == nil {
		return
	}
	hadRemote := cycle.RemoteID != ""
	if err := l.remote.PushCycle(ctx, l.family, cycle); err != nil {
		l.logger.WithError(err).Debugf("push cycle %s", util.ShortID(cycle.ID))
		return
	}
	if !hadRemote && cycle.RemoteID != "" {
		if err := l.store.SaveCycle(l.family, cycle); err != nil {
			l.logger.WithError(err).Warn("persist remote cycle id")
		}
	}
}
