package broker

import (
	"time"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// SLTPKind selects how stop-loss and take-profit distances are expressed.
type SLTPKind string

const (
	SLTPPoints SLTPKind = "POINTS"
	SLTPPips   SLTPKind = "PIPS"
	SLTPPrice  SLTPKind = "PRICE"
)

// AccountSummary is the terminal's account snapshot.
type AccountSummary struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Profit     float64 `json:"profit"`
}

// SymbolQuote is the terminal's view of one symbol.
type SymbolQuote struct {
	Symbol string  `json:"symbol"`
	Point  float64 `json:"point"`
	Digits int     `json:"digits"`
	Spread float64 `json:"spread"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Pip returns the pip unit for the symbol, ten points.
func (q *SymbolQuote) Pip() float64 {
	return util.PipSize(q.Point)
}

// Position is one open market position at the terminal.
type Position struct {
	Ticket     uint64           `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Direction  models.Direction `json:"direction"`
	Volume     float64          `json:"volume"`
	OpenPrice  float64          `json:"open_price"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
	Swap       float64          `json:"swap"`
	Commission float64          `json:"commission"`
	Profit     float64          `json:"profit"`
	Magic      int64            `json:"magic"`
	Comment    string           `json:"comment"`
	OpenTime   time.Time        `json:"open_time"`
}

// PendingKind is the terminal-side pending order type.
type PendingKind string

const (
	PendingBuyStop   PendingKind = "BUY_STOP"
	PendingBuyLimit  PendingKind = "BUY_LIMIT"
	PendingSellStop  PendingKind = "SELL_STOP"
	PendingSellLimit PendingKind = "SELL_LIMIT"
)

// Direction returns the trade direction of the pending kind.
func (k PendingKind) Direction() models.Direction {
	if k == PendingBuyStop || k == PendingBuyLimit {
		return models.DirectionBuy
	}
	return models.DirectionSell
}

// derivePendingKind picks stop versus limit from the requested price relative
// to the current market. A buy above the ask waits for the market to rise, so
// it becomes a stop; below the ask it is a limit. Sells mirror against the bid.
func derivePendingKind(side models.Direction, price, bid, ask float64) PendingKind {
	if side == models.DirectionBuy {
		if price > ask {
			return PendingBuyStop
		}
		return PendingBuyLimit
	}
	if price < bid {
		return PendingSellStop
	}
	return PendingSellLimit
}

// PendingOrder is one working pending order at the terminal.
type PendingOrder struct {
	Ticket     uint64      `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Kind       PendingKind `json:"kind"`
	Price      float64     `json:"price"`
	Volume     float64     `json:"volume"`
	StopLoss   float64     `json:"sl"`
	TakeProfit float64     `json:"tp"`
	Magic      int64       `json:"magic"`
	Comment    string      `json:"comment"`
	SetupTime  time.Time   `json:"setup_time"`
}

// CloseResult reports a position close or pending removal.
type CloseResult struct {
	Ticket     uint64  `json:"ticket"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	Retcode    string  `json:"retcode"`
}

// Candle is one OHLC bar.
type Candle struct {
	OpenTime   time.Time `json:"open_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	TickVolume int64     `json:"tick_volume"`
}

// Direction classifies the candle body.
func (c *Candle) Direction() CandleDirection {
	switch {
	case c.Close > c.Open:
		return CandleUp
	case c.Close < c.Open:
		return CandleDown
	default:
		return CandleFlat
	}
}

// CandleDirection is the close-versus-open classification of a candle.
type CandleDirection string

const (
	CandleUp   CandleDirection = "UP"
	CandleDown CandleDirection = "DOWN"
	CandleFlat CandleDirection = ""
)

// MarketOrderRequest describes one market order submission.
type MarketOrderRequest struct {
	Side     models.Direction
	Symbol   string
	Volume   float64
	Magic    int64
	StopLoss float64
	Take     float64
	Kind     SLTPKind
	Slippage int
	Comment  string
}

// PendingOrderRequest describes one pending order submission. The gateway
// derives stop versus limit from the price relative to the current market.
type PendingOrderRequest struct {
	Side     models.Direction
	Symbol   string
	Price    float64
	Volume   float64
	Magic    int64
	StopLoss float64
	Take     float64
	Kind     SLTPKind
	Slippage int
	Comment  string
}
