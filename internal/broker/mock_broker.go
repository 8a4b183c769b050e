package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// MockBroker implements Broker in memory for tests and offline runs. Tests
// script quotes and candles, place orders through the Broker interface, and
// simulate terminal-side fills and closes with the helper methods.
type MockBroker struct {
	mu sync.Mutex

	initialized bool
	authorized  bool

	account   AccountSummary
	quotes    map[string]SymbolQuote
	positions map[uint64]Position
	pending   map[uint64]PendingOrder
	history   map[uint64]CloseResult
	candles   map[string][]Candle

	nextTicket uint64

	failNext   error
	rejectNext bool

	marketCalls  int
	pendingCalls int
	closeCalls   int
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates a mock terminal session with a funded account.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		account:    AccountSummary{Login: 1, Balance: 10000, Equity: 10000, FreeMargin: 10000},
		quotes:     make(map[string]SymbolQuote),
		positions:  make(map[uint64]Position),
		pending:    make(map[uint64]PendingOrder),
		history:    make(map[uint64]CloseResult),
		candles:    make(map[string][]Candle),
		nextTicket: 1000,
	}
}

// SetQuote installs or replaces the full quote for a symbol.
func (mb *MockBroker) SetQuote(symbol string, point float64, digits int, bid, ask float64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.quotes[symbol] = SymbolQuote{
		Symbol: symbol,
		Point:  point,
		Digits: digits,
		Spread: (ask - bid) / point,
		Bid:    bid,
		Ask:    ask,
	}
}

// MoveQuote updates bid and ask, keeping point and digits.
func (mb *MockBroker) MoveQuote(symbol string, bid, ask float64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q, ok := mb.quotes[symbol]
	if !ok {
		return
	}
	q.Bid = bid
	q.Ask = ask
	q.Spread = (ask - bid) / q.Point
	mb.quotes[symbol] = q
}

// SetAccount replaces the account snapshot.
func (mb *MockBroker) SetAccount(acct AccountSummary) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.account = acct
}

// SetCandles scripts the completed bars returned for symbol and timeframe.
func (mb *MockBroker) SetCandles(symbol string, tf models.Timeframe, candles []Candle) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.candles[candleKey(symbol, tf)] = candles
}

// FailNext makes the next broker call return err once.
func (mb *MockBroker) FailNext(err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.failNext = err
}

// RejectNext makes the next order placement come back with a rejection.
func (mb *MockBroker) RejectNext() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.rejectNext = true
}

// FillPending simulates the terminal filling a pending order at its price.
func (mb *MockBroker) FillPending(ticket uint64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	ord, ok := mb.pending[ticket]
	if !ok {
		return fmt.Errorf("fill pending %d: %w", ticket, ErrTicketNotFound)
	}
	delete(mb.pending, ticket)
	mb.positions[ticket] = Position{
		Ticket:     ticket,
		Symbol:     ord.Symbol,
		Direction:  ord.Kind.Direction(),
		Volume:     ord.Volume,
		OpenPrice:  ord.Price,
		StopLoss:   ord.StopLoss,
		TakeProfit: ord.TakeProfit,
		Magic:      ord.Magic,
		Comment:    ord.Comment,
		OpenTime:   time.Now().UTC(),
	}
	return nil
}

// ForceClose simulates a terminal-side close, a stop-loss hit or a manual
// close in the terminal UI, without the app asking for it.
func (mb *MockBroker) ForceClose(ticket uint64, profit float64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if pos, ok := mb.positions[ticket]; ok {
		delete(mb.positions, ticket)
		mb.history[ticket] = CloseResult{Ticket: ticket, ClosePrice: pos.OpenPrice, Profit: profit, Retcode: retcodeDone}
		mb.account.Balance += profit
		return nil
	}
	if ord, ok := mb.pending[ticket]; ok {
		delete(mb.pending, ticket)
		mb.history[ticket] = CloseResult{Ticket: ticket, ClosePrice: ord.Price, Retcode: retcodeDone}
		return nil
	}
	return fmt.Errorf("force close %d: %w", ticket, ErrTicketNotFound)
}

// Vanish removes a ticket without writing history, reproducing the window
// where the terminal has dropped an order but not yet recorded the deal.
func (mb *MockBroker) Vanish(ticket uint64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.positions, ticket)
	delete(mb.pending, ticket)
}

// SetProfit sets the floating profit of an open position.
func (mb *MockBroker) SetProfit(ticket uint64, profit float64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	pos, ok := mb.positions[ticket]
	if !ok {
		return fmt.Errorf("set profit %d: %w", ticket, ErrTicketNotFound)
	}
	pos.Profit = profit
	mb.positions[ticket] = pos
	return nil
}

// OpenPositionCount returns the number of live positions.
func (mb *MockBroker) OpenPositionCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.positions)
}

// PendingCount returns the number of working pending orders.
func (mb *MockBroker) PendingCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.pending)
}

// LastTicket returns the most recently allocated ticket.
func (mb *MockBroker) LastTicket() uint64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.nextTicket
}

// MarketCalls returns how many market orders were submitted.
func (mb *MockBroker) MarketCalls() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.marketCalls
}

// PendingCalls returns how many pending orders were submitted.
func (mb *MockBroker) PendingCalls() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.pendingCalls
}

// CloseCalls returns how many close requests were submitted.
func (mb *MockBroker) CloseCalls() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closeCalls
}

func (mb *MockBroker) takeErr() error {
	err := mb.failNext
	mb.failNext = nil
	return err
}

func (mb *MockBroker) allocTicket() uint64 {
	mb.nextTicket++
	return mb.nextTicket
}

func candleKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (mb *MockBroker) Initialize(_ context.Context, _ string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return err
	}
	mb.initialized = true
	return nil
}

func (mb *MockBroker) Login(_ context.Context, login int64, _, _ string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return err
	}
	mb.authorized = true
	mb.account.Login = login
	return nil
}

func (mb *MockBroker) AccountInfo(_ context.Context) (*AccountSummary, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	var floating float64
	for _, pos := range mb.positions {
		floating += pos.Profit + pos.Swap + pos.Commission
	}
	acct := mb.account
	acct.Profit = floating
	acct.Equity = acct.Balance + floating
	return &acct, nil
}

func (mb *MockBroker) SymbolInfo(_ context.Context, symbol string) (*SymbolQuote, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	q, ok := mb.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
	}
	return &q, nil
}

func (mb *MockBroker) Bid(_ context.Context, symbol string) (float64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return 0, err
	}
	q, ok := mb.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
	}
	return q.Bid, nil
}

func (mb *MockBroker) Ask(_ context.Context, symbol string) (float64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return 0, err
	}
	q, ok := mb.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
	}
	return q.Ask, nil
}

func (mb *MockBroker) Market(_ context.Context, req MarketOrderRequest) ([]Position, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.marketCalls++
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	if mb.rejectNext {
		mb.rejectNext = false
		return nil, fmt.Errorf("market %s %s: %w: requote", req.Side, req.Symbol, ErrRejected)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("market order: invalid side %q", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("market order: volume must be positive, got %v", req.Volume)
	}
	q, ok := mb.quotes[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", req.Symbol, ErrSymbolUnavailable)
	}
	entry := q.Ask
	if req.Side == models.DirectionSell {
		entry = q.Bid
	}
	sl, tp := resolveStops(req.Side, entry, req.StopLoss, req.Take, req.Kind, q.Point, q.Digits)
	pos := Position{
		Ticket:     mb.allocTicket(),
		Symbol:     req.Symbol,
		Direction:  req.Side,
		Volume:     util.NormalizeLot(req.Volume),
		OpenPrice:  entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      req.Magic,
		Comment:    truncateComment(req.Comment),
		OpenTime:   time.Now().UTC(),
	}
	mb.positions[pos.Ticket] = pos
	return []Position{pos}, nil
}

func (mb *MockBroker) Pending(_ context.Context, req PendingOrderRequest) ([]PendingOrder, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.pendingCalls++
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	if mb.rejectNext {
		mb.rejectNext = false
		return nil, fmt.Errorf("pending %s %s: %w: invalid price", req.Side, req.Symbol, ErrRejected)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("pending order: invalid side %q", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("pending order: volume must be positive, got %v", req.Volume)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("pending order: price must be positive, got %v", req.Price)
	}
	q, ok := mb.quotes[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", req.Symbol, ErrSymbolUnavailable)
	}
	kind := derivePendingKind(req.Side, req.Price, q.Bid, q.Ask)
	sl, tp := resolveStops(req.Side, req.Price, req.StopLoss, req.Take, req.Kind, q.Point, q.Digits)
	ord := PendingOrder{
		Ticket:     mb.allocTicket(),
		Symbol:     req.Symbol,
		Kind:       kind,
		Price:      util.RoundPrice(req.Price, q.Digits),
		Volume:     util.NormalizeLot(req.Volume),
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      req.Magic,
		Comment:    truncateComment(req.Comment),
		SetupTime:  time.Now().UTC(),
	}
	mb.pending[ord.Ticket] = ord
	return []PendingOrder{ord}, nil
}

func (mb *MockBroker) ClosePosition(_ context.Context, ticket uint64, _ int) (*CloseResult, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closeCalls++
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	pos, ok := mb.positions[ticket]
	if !ok {
		return nil, fmt.Errorf("close position %d: %w", ticket, ErrTicketNotFound)
	}
	closePrice := pos.OpenPrice
	if q, ok := mb.quotes[pos.Symbol]; ok {
		closePrice = q.Bid
		if pos.Direction == models.DirectionSell {
			closePrice = q.Ask
		}
	}
	delete(mb.positions, ticket)
	result := CloseResult{
		Ticket:     ticket,
		ClosePrice: closePrice,
		Profit:     pos.Profit + pos.Swap + pos.Commission,
		Retcode:    retcodeDone,
	}
	mb.history[ticket] = result
	mb.account.Balance += result.Profit
	return &result, nil
}

func (mb *MockBroker) CloseOrder(_ context.Context, ticket uint64) (*CloseResult, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closeCalls++
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	ord, ok := mb.pending[ticket]
	if !ok {
		return nil, fmt.Errorf("close order %d: %w", ticket, ErrTicketNotFound)
	}
	delete(mb.pending, ticket)
	result := CloseResult{Ticket: ticket, ClosePrice: ord.Price, Retcode: retcodeDone}
	mb.history[ticket] = result
	return &result, nil
}

func (mb *MockBroker) PositionByTicket(_ context.Context, ticket uint64) (*Position, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	pos, ok := mb.positions[ticket]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", ticket, ErrTicketNotFound)
	}
	return &pos, nil
}

func (mb *MockBroker) OrderByTicket(_ context.Context, ticket uint64) (*PendingOrder, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	ord, ok := mb.pending[ticket]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", ticket, ErrTicketNotFound)
	}
	return &ord, nil
}

func (mb *MockBroker) AllPositions(_ context.Context, symbol string) ([]Position, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(mb.positions))
	for _, pos := range mb.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (mb *MockBroker) AllOrders(_ context.Context, symbol string) ([]PendingOrder, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	out := make([]PendingOrder, 0, len(mb.pending))
	for _, ord := range mb.pending {
		if symbol == "" || ord.Symbol == symbol {
			out = append(out, ord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (mb *MockBroker) CheckIsPending(_ context.Context, ticket uint64) (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return false, err
	}
	_, ok := mb.pending[ticket]
	return ok, nil
}

func (mb *MockBroker) CheckIsClosed(_ context.Context, ticket uint64) (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return false, err
	}
	if _, ok := mb.positions[ticket]; ok {
		return false, nil
	}
	if _, ok := mb.pending[ticket]; ok {
		return false, nil
	}
	_, inHistory := mb.history[ticket]
	return inHistory, nil
}

func (mb *MockBroker) Candles(_ context.Context, symbol string, tf models.Timeframe, count int) ([]Candle, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.takeErr(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("candles %s: count must be positive, got %d", symbol, count)
	}
	bars := mb.candles[candleKey(symbol, tf)]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]Candle, len(bars))
	copy(out, bars)
	return out, nil
}

func (mb *MockBroker) LastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*Candle, error) {
	candles, err := mb.Candles(ctx, symbol, tf, 1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles %s %s: no completed bars", symbol, tf)
	}
	last := candles[len(candles)-1]
	return &last, nil
}

func (mb *MockBroker) CandleDirection(ctx context.Context, symbol string, tf models.Timeframe) (CandleDirection, error) {
	last, err := mb.LastCandle(ctx, symbol, tf)
	if err != nil {
		return CandleFlat, err
	}
	return last.Direction(), nil
}
