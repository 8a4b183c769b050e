package broker

import (
	"context"
	"sync"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// LockedBroker serializes every call to one terminal session. Strategy loops
// and the reconciler share a single session per account, and the terminal
// handles one request at a time.
type LockedBroker struct {
	mu     sync.Mutex
	broker Broker
}

// Ensure LockedBroker implements Broker at compile time.
var _ Broker = (*LockedBroker)(nil)

// NewLockedBroker wraps the broker with a per-session mutex.
func NewLockedBroker(b Broker) *LockedBroker {
	return &LockedBroker{broker: b}
}

func (l *LockedBroker) Initialize(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Initialize(ctx, path)
}

func (l *LockedBroker) Login(ctx context.Context, login int64, password, server string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Login(ctx, login, password, server)
}

func (l *LockedBroker) AccountInfo(ctx context.Context) (*AccountSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.AccountInfo(ctx)
}

func (l *LockedBroker) SymbolInfo(ctx context.Context, symbol string) (*SymbolQuote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.SymbolInfo(ctx, symbol)
}

func (l *LockedBroker) Bid(ctx context.Context, symbol string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Bid(ctx, symbol)
}

func (l *LockedBroker) Ask(ctx context.Context, symbol string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Ask(ctx, symbol)
}

func (l *LockedBroker) Market(ctx context.Context, req MarketOrderRequest) ([]Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Market(ctx, req)
}

func (l *LockedBroker) Pending(ctx context.Context, req PendingOrderRequest) ([]PendingOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Pending(ctx, req)
}

func (l *LockedBroker) ClosePosition(ctx context.Context, ticket uint64, slippage int) (*CloseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.ClosePosition(ctx, ticket, slippage)
}

func (l *LockedBroker) CloseOrder(ctx context.Context, ticket uint64) (*CloseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.CloseOrder(ctx, ticket)
}

func (l *LockedBroker) PositionByTicket(ctx context.Context, ticket uint64) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.PositionByTicket(ctx, ticket)
}

func (l *LockedBroker) OrderByTicket(ctx context.Context, ticket uint64) (*PendingOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.OrderByTicket(ctx, ticket)
}

func (l *LockedBroker) AllPositions(ctx context.Context, symbol string) ([]Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.AllPositions(ctx, symbol)
}

func (l *LockedBroker) AllOrders(ctx context.Context, symbol string) ([]PendingOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.AllOrders(ctx, symbol)
}

func (l *LockedBroker) CheckIsPending(ctx context.Context, ticket uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.CheckIsPending(ctx, ticket)
}

func (l *LockedBroker) CheckIsClosed(ctx context.Context, ticket uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.CheckIsClosed(ctx, ticket)
}

func (l *LockedBroker) Candles(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]Candle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.Candles(ctx, symbol, tf, count)
}

func (l *LockedBroker) LastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*Candle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.LastCandle(ctx, symbol, tf)
}

func (l *LockedBroker) CandleDirection(ctx context.Context, symbol string, tf models.Timeframe) (CandleDirection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker.CandleDirection(ctx, symbol, tf)
}
