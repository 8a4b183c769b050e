package models

import "time"

// OrderKind distinguishes filled market positions from pending orders.
type OrderKind string

const (
	OrderMarket  OrderKind = "market"
	OrderPending OrderKind = "pending"
)

// Order mirrors one broker ticket in the local store.
type Order struct {
	Ticket        uint64    `json:"ticket" gorm:"primaryKey;autoIncrement:false"`
	Kind          OrderKind `json:"kind" gorm:"size:16"`
	Direction     Direction `json:"direction" gorm:"size:8"`
	Symbol        string    `json:"symbol" gorm:"size:32"`
	Magic         int64     `json:"magic_number"`
	OpenPrice     float64   `json:"open_price"`
	Volume        float64   `json:"volume"`
	StopLoss      float64   `json:"sl"`
	TakeProfit    float64   `json:"tp"`
	TrailingSteps float64   `json:"trailing_steps"`
	Swap          float64   `json:"swap"`
	Commission    float64   `json:"commission"`
	Profit        float64   `json:"profit"`
	IsPending     bool      `json:"is_pending" gorm:"index"`
	IsClosed      bool      `json:"is_closed" gorm:"index"`
	CycleID       string    `json:"cycle" gorm:"index;size:64"`
	AccountID     string    `json:"account" gorm:"index;size:64"`
	OpenTime      time.Time `json:"open_time"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsOpen reports whether the order is a live market position.
func (o *Order) IsOpen() bool {
	return !o.IsClosed && !o.IsPending
}

// NetProfit returns profit including swap and commission.
func (o *Order) NetProfit() float64 {
	return o.Profit + o.Swap + o.Commission
}
