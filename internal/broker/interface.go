package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// Broker defines the interface for one terminal trading session
type Broker interface {
	// Session lifecycle
	Initialize(ctx context.Context, path string) error
	Login(ctx context.Context, login int64, password, server string) error

	// Account and market data
	AccountInfo(ctx context.Context) (*AccountSummary, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolQuote, error)
	Bid(ctx context.Context, symbol string) (float64, error)
	Ask(ctx context.Context, symbol string) (float64, error)

	// Order placement
	// Market submits a market order and returns the positions it opened.
	// Pending derives stop versus limit from the price relative to the
	// current market before submitting.
	Market(ctx context.Context, req MarketOrderRequest) ([]Position, error)
	Pending(ctx context.Context, req PendingOrderRequest) ([]PendingOrder, error)

	// Closing
	ClosePosition(ctx context.Context, ticket uint64, slippage int) (*CloseResult, error)
	CloseOrder(ctx context.Context, ticket uint64) (*CloseResult, error)

	// Ticket lookup
	PositionByTicket(ctx context.Context, ticket uint64) (*Position, error)
	OrderByTicket(ctx context.Context, ticket uint64) (*PendingOrder, error)
	AllPositions(ctx context.Context, symbol string) ([]Position, error)
	AllOrders(ctx context.Context, symbol string) ([]PendingOrder, error)

	// Lifecycle checks used by reconciliation
	CheckIsPending(ctx context.Context, ticket uint64) (bool, error)
	CheckIsClosed(ctx context.Context, ticket uint64) (bool, error)

	// Candle data
	Candles(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]Candle, error)
	LastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*Candle, error)
	CandleDirection(ctx context.Context, symbol string, tf models.Timeframe) (CandleDirection, error)
}

// Sentinel errors surfaced by gateway implementations.
var (
	// ErrRejected wraps any terminal response whose retcode is not done.
	ErrRejected = errors.New("broker rejected request")
	// ErrNotConnected indicates the session is not initialized or the login
	// handshake failed.
	ErrNotConnected = errors.New("terminal not connected")
	// ErrTicketNotFound indicates no live position or working pending order
	// carries the ticket.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrSymbolUnavailable indicates the symbol is unknown to the terminal.
	ErrSymbolUnavailable = errors.New("symbol unavailable")
)

// isPermanentBrokerError checks if an error is a permanent business outcome
// rather than a connectivity failure
func isPermanentBrokerError(err error) bool {
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrTicketNotFound) || errors.Is(err, ErrSymbolUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Consider 4xx errors as permanent (except 429 Too Many Requests which is retryable)
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "TerminalCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Rejections and missing tickets are normal trading outcomes and
		// must not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentBrokerError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Initialize wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Initialize(ctx context.Context, path string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Initialize(ctx, path)
	})
	return err
}

// Login wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Login(ctx context.Context, login int64, password, server string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Login(ctx, login, password, server)
	})
	return err
}

// AccountInfo wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) AccountInfo(ctx context.Context) (*AccountSummary, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*AccountSummary, error) {
		return b.AccountInfo(ctx)
	})
}

// SymbolInfo wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SymbolInfo(ctx context.Context, symbol string) (*SymbolQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*SymbolQuote, error) {
		return b.SymbolInfo(ctx, symbol)
	})
}

// Bid wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Bid(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.Bid(ctx, symbol) })
}

// Ask wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Ask(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.Ask(ctx, symbol) })
}

// Market wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Market(ctx context.Context, req MarketOrderRequest) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.Market(ctx, req)
	})
}

// Pending wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Pending(ctx context.Context, req PendingOrderRequest) ([]PendingOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PendingOrder, error) {
		return b.Pending(ctx, req)
	})
}

// ClosePosition wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ClosePosition(ctx context.Context, ticket uint64, slippage int) (*CloseResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*CloseResult, error) {
		return b.ClosePosition(ctx, ticket, slippage)
	})
}

// CloseOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CloseOrder(ctx context.Context, ticket uint64) (*CloseResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*CloseResult, error) {
		return b.CloseOrder(ctx, ticket)
	})
}

// PositionByTicket wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PositionByTicket(ctx context.Context, ticket uint64) (*Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Position, error) {
		return b.PositionByTicket(ctx, ticket)
	})
}

// OrderByTicket wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OrderByTicket(ctx context.Context, ticket uint64) (*PendingOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*PendingOrder, error) {
		return b.OrderByTicket(ctx, ticket)
	})
}

// AllPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) AllPositions(ctx context.Context, symbol string) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.AllPositions(ctx, symbol)
	})
}

// AllOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) AllOrders(ctx context.Context, symbol string) ([]PendingOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PendingOrder, error) {
		return b.AllOrders(ctx, symbol)
	})
}

// CheckIsPending wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CheckIsPending(ctx context.Context, ticket uint64) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.CheckIsPending(ctx, ticket)
	})
}

// CheckIsClosed wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CheckIsClosed(ctx context.Context, ticket uint64) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.CheckIsClosed(ctx, ticket)
	})
}

// Candles wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Candles(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Candle, error) {
		return b.Candles(ctx, symbol, tf, count)
	})
}

// LastCandle wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) LastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Candle, error) {
		return b.LastCandle(ctx, symbol, tf)
	})
}

// CandleDirection wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CandleDirection(ctx context.Context, symbol string, tf models.Timeframe) (CandleDirection, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (CandleDirection, error) {
		return b.CandleDirection(ctx, symbol, tf)
	})
}
