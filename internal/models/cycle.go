// Package models provides the domain entities shared across the orchestrator:
// accounts, bots, symbols, cycles, orders, events and the cycle status machine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the side a cycle or order trades on.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Valid returns true if the Direction is one of the defined constants.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// CycleKind is the configured side of a cycle.
type CycleKind string

const (
	CycleBuy        CycleKind = "BUY"
	CycleSell       CycleKind = "SELL"
	CycleBuyAndSell CycleKind = "BUY_AND_SELL"
)

// Valid returns true if the CycleKind is one of the defined constants.
func (k CycleKind) Valid() bool {
	switch k {
	case CycleBuy, CycleSell, CycleBuyAndSell:
		return true
	default:
		return false
	}
}

// Cycle is the core entity: a long-lived grid-trading state machine owning a
// set of broker orders around an initial entry price. Nested fields persist as
// JSON strings (see columns.go).
type Cycle struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	RemoteID  string    `json:"remote_id" gorm:"index;size:64"`
	BotID     string    `json:"bot" gorm:"index;size:64"`
	AccountID string    `json:"account" gorm:"index;size:64"`
	Symbol    string    `json:"symbol" gorm:"size:32"`
	Magic     int64     `json:"magic_number"`
	Kind      CycleKind `json:"cycle_type" gorm:"size:16"`

	// Price anchors.
	OpenPrice             float64 `json:"open_price"`
	LowerBound            float64 `json:"lower_bound"`
	UpperBound            float64 `json:"upper_bound"`
	ThresholdLower        float64 `json:"threshold_lower"`
	ThresholdUpper        float64 `json:"threshold_upper"`
	InitialThresholdPrice float64 `json:"initial_threshold_price"`
	ZoneBasePrice         float64 `json:"zone_base_price"`
	RecoveryZoneBase      float64 `json:"recovery_zone_base_price"`
	InitialStopLossPrice  float64 `json:"initial_stop_loss_price"`

	// Grid state.
	CurrentDirection  Direction   `json:"current_direction" gorm:"size:8;default:BUY"`
	DirectionSwitched bool        `json:"direction_switched"`
	DirectionSwitches int         `json:"direction_switches"`
	NextOrderIndex    int         `json:"next_order_index"`
	DonePriceLevels   PriceLevels `json:"done_price_levels" gorm:"type:text"`

	// Order sets, each an ordered ticket sequence.
	Initial         TicketList `json:"initial" gorm:"type:text"`
	Hedge           TicketList `json:"hedge" gorm:"type:text"`
	Pending         TicketList `json:"pending" gorm:"type:text"`
	Closed          TicketList `json:"closed" gorm:"type:text"`
	Recovery        TicketList `json:"recovery" gorm:"type:text"`
	Threshold       TicketList `json:"threshold" gorm:"type:text"`
	ActiveOrders    TicketList `json:"active_orders" gorm:"type:text"`
	CompletedOrders TicketList `json:"completed_orders" gorm:"type:text"`

	// Accounting.
	TotalVolume     float64   `json:"total_volume"`
	TotalProfit     float64   `json:"total_profit"`
	AccumulatedLoss float64   `json:"accumulated_loss"`
	BatchLosses     FloatList `json:"batch_losses" gorm:"type:text"`
	LotIdx          int       `json:"lot_idx"`

	// Lifecycle.
	Status        CycleStatus `json:"status" gorm:"size:16"`
	IsClosed      bool        `json:"is_closed" gorm:"index"`
	IsPending     bool        `json:"is_pending"`
	OpenedBy      OpenedBy    `json:"opened_by" gorm:"type:text"`
	ClosingMethod string      `json:"closing_method" gorm:"size:32"`
	CloseReason   string      `json:"close_reason" gorm:"size:128"`
	CloseTime     time.Time   `json:"close_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCycle creates a cycle around an initial fill. Zone bounds are applied by
// the engine once the symbol's point size is known.
func NewCycle(botID, accountID, symbol string, magic int64, kind CycleKind, direction Direction, openPrice float64) *Cycle {
	return &Cycle{
		ID:                    uuid.NewString(),
		BotID:                 botID,
		AccountID:             accountID,
		Symbol:                symbol,
		Magic:                 magic,
		Kind:                  kind,
		OpenPrice:             openPrice,
		ZoneBasePrice:         openPrice,
		InitialThresholdPrice: openPrice,
		CurrentDirection:      direction,
		Status:                StatusInitial,
		DonePriceLevels:       PriceLevels{},
		Initial:               TicketList{},
		Hedge:                 TicketList{},
		Pending:               TicketList{},
		Closed:                TicketList{},
		Recovery:              TicketList{},
		Threshold:             TicketList{},
		ActiveOrders:          TicketList{},
		CompletedOrders:       TicketList{},
		BatchLosses:           FloatList{},
		CreatedAt:             time.Now(),
	}
}

// ZoneAnchor returns the price the zone is computed around: the recovery base
// while in recovery mode, the moving zone base otherwise. Hedging re-anchors
// the zone base; until then it equals the open price.
func (c *Cycle) ZoneAnchor() float64 {
	if c.Status == StatusRecovery && c.RecoveryZoneBase != 0 {
		return c.RecoveryZoneBase
	}
	if c.ZoneBasePrice != 0 {
		return c.ZoneBasePrice
	}
	return c.OpenPrice
}

// RecomputeZone sets the zone and threshold bounds around the current anchor.
// zone and forward are distances already scaled to price units.
func (c *Cycle) RecomputeZone(zone, forward float64) {
	anchor := c.ZoneAnchor()
	c.LowerBound = anchor - zone
	c.UpperBound = anchor + zone
	c.ThresholdLower = c.LowerBound - forward
	c.ThresholdUpper = c.UpperBound + forward
}

// ActiveTickets returns every ticket the cycle still considers live: the union
// of all non-closed sets in insertion order, deduplicated, minus closed ones.
func (c *Cycle) ActiveTickets() TicketList {
	seen := make(map[uint64]struct{})
	out := TicketList{}
	for _, set := range []TicketList{c.Initial, c.Hedge, c.Recovery, c.Threshold, c.ActiveOrders, c.Pending} {
		for _, t := range set {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			if c.Closed.Contains(t) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// OwnsTicket reports whether the ticket appears in any of the cycle's order
// sets, closed included.
func (c *Cycle) OwnsTicket(ticket uint64) bool {
	for _, set := range []TicketList{c.Initial, c.Hedge, c.Pending, c.Closed, c.Recovery, c.Threshold, c.ActiveOrders, c.CompletedOrders} {
		if set.Contains(ticket) {
			return true
		}
	}
	return false
}

// RegisterClosed migrates a ticket into the closed set and folds its realized
// profit into the cycle accounting. Losses additionally accumulate.
func (c *Cycle) RegisterClosed(ticket uint64, profit float64) {
	if c.Closed.Contains(ticket) {
		return
	}
	c.Closed = c.Closed.Append(ticket)
	c.CompletedOrders = c.CompletedOrders.Append(ticket)
	c.Pending = c.Pending.Without(ticket)
	c.TotalProfit += profit
	if profit < 0 {
		c.AccumulatedLoss += -profit
	}
}

// PromotePending moves a filled pending ticket into the destination set in one
// step. A ticket belongs to at most one cycle, so the move never crosses
// cycles.
func (c *Cycle) PromotePending(ticket uint64, dst *TicketList) {
	if !c.Pending.Contains(ticket) {
		return
	}
	c.Pending = c.Pending.Without(ticket)
	*dst = dst.Append(ticket)
	c.IsPending = len(c.Pending) > 0
}

// SwitchDirection flips the grid direction at price, resetting the grid index
// and re-anchoring the threshold. The caller opens the follow-on order.
func (c *Cycle) SwitchDirection(price float64) {
	c.CurrentDirection = c.CurrentDirection.Opposite()
	c.DirectionSwitched = true
	c.DirectionSwitches++
	c.InitialThresholdPrice = price
	c.NextOrderIndex = 0
}

// MarkClosed finalizes the cycle after all orders are shut.
func (c *Cycle) MarkClosed(method, reason string, at time.Time) {
	c.IsClosed = true
	c.ClosingMethod = method
	c.CloseReason = reason
	c.CloseTime = at
}

// Reopen reverses a false closure: the cycle returns to active with the
// discovered live tickets appended to its active set.
func (c *Cycle) Reopen(tickets []uint64) {
	c.IsClosed = false
	c.ClosingMethod = ""
	c.CloseReason = ""
	c.CloseTime = time.Time{}
	c.Status = StatusActive
	for _, t := range tickets {
		c.Closed = c.Closed.Without(t)
		c.ActiveOrders = c.ActiveOrders.Append(t)
	}
}
