package models

import "time"

// StrategyKind names one strategy family. Families share the cycle engine
// core; the few family-specific hooks dispatch on this value.
type StrategyKind string

const (
	StrategyAdaptiveHedge        StrategyKind = "AdaptiveHedge"
	StrategyCycleTrader          StrategyKind = "CycleTrader"
	StrategyAdvancedCyclesTrader StrategyKind = "AdvancedCyclesTrader"
	StrategyMoveGuard            StrategyKind = "MoveGuard"
	StrategyStockTrader          StrategyKind = "StockTrader"
)

// Families lists every known strategy family.
var Families = []StrategyKind{
	StrategyAdaptiveHedge,
	StrategyCycleTrader,
	StrategyAdvancedCyclesTrader,
	StrategyMoveGuard,
	StrategyStockTrader,
}

// Valid returns true if the StrategyKind is one of the defined constants.
func (k StrategyKind) Valid() bool {
	for _, f := range Families {
		if k == f {
			return true
		}
	}
	return false
}

// SupportsHedging reports whether the family opts into hedge orders and
// recovery mode.
func (k StrategyKind) SupportsHedging() bool {
	return k == StrategyAdaptiveHedge || k == StrategyAdvancedCyclesTrader
}

// SupportsBatchStopLoss reports whether the family runs batch stop-loss
// accounting.
func (k StrategyKind) SupportsBatchStopLoss() bool {
	return k == StrategyAdvancedCyclesTrader
}

// SupportsCandleTrading reports whether the family may trade on candle closes.
// StockTrader is the equities variant of CycleTrader and shares the behavior.
func (k StrategyKind) SupportsCandleTrading() bool {
	return k == StrategyCycleTrader || k == StrategyStockTrader
}

// AllowsRepeatedSwitch reports whether a cycle may reverse direction more than
// once.
func (k StrategyKind) AllowsRepeatedSwitch() bool {
	return k == StrategyMoveGuard
}

// TablePrefix returns the local store table prefix for the family.
func (k StrategyKind) TablePrefix() string {
	switch k {
	case StrategyAdaptiveHedge:
		return "ah"
	case StrategyCycleTrader:
		return "ct"
	case StrategyAdvancedCyclesTrader:
		return "act"
	case StrategyMoveGuard:
		return "mg"
	case StrategyStockTrader:
		return "st"
	default:
		return ""
	}
}

// CycleCollection returns the remote collection holding the family's cycles.
// StockTrader persists alongside CycleTrader.
func (k StrategyKind) CycleCollection() string {
	switch k {
	case StrategyAdaptiveHedge:
		return "adaptive_hedge_cycles"
	case StrategyCycleTrader, StrategyStockTrader:
		return "cycles_trader_cycles"
	case StrategyAdvancedCyclesTrader:
		return "advanced_cycles_trader_cycles"
	case StrategyMoveGuard:
		return "moveguard_cycles"
	default:
		return ""
	}
}

// Bot is the configuration record for one strategy instance on one account.
type Bot struct {
	ID        string       `json:"id" gorm:"primaryKey;size:64"`
	RemoteID  string       `json:"remote_id" gorm:"index;size:64"`
	AccountID string       `json:"account" gorm:"index;size:64"`
	Name      string       `json:"name" gorm:"size:64"`
	Strategy  StrategyKind `json:"strategy" gorm:"size:32"`
	Magic     int64        `json:"magic_number"`
	Symbol    string       `json:"symbol" gorm:"size:32"`
	Config    ConfigMap    `json:"configs" gorm:"type:text"`
	Stopped   bool         `json:"stopped"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GlobalLossTracker accumulates losses per (bot, account, symbol), appended by
// the cycle engine on every close.
type GlobalLossTracker struct {
	ID               string    `json:"id" gorm:"primaryKey;size:64"`
	BotID            string    `json:"bot" gorm:"index;size:64"`
	AccountID        string    `json:"account" gorm:"index;size:64"`
	Symbol           string    `json:"symbol" gorm:"size:32"`
	GridLosses       float64   `json:"grid_losses"`
	HedgeLosses      float64   `json:"hedge_losses"`
	BatchLosses      float64   `json:"batch_losses"`
	TotalLoss        float64   `json:"total_loss"`
	CyclesOpened     int       `json:"cycles_opened"`
	CyclesClosed     int       `json:"cycles_closed"`
	LastLossAmount   float64   `json:"last_loss_amount"`
	LastLossSource   string    `json:"last_loss_source" gorm:"size:32"`
	LastLossRecorded time.Time `json:"last_loss_recorded"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RecordLoss folds one realized loss into the tracker under a source class.
func (g *GlobalLossTracker) RecordLoss(source string, amount float64, at time.Time) {
	if amount <= 0 {
		return
	}
	switch source {
	case "hedge":
		g.HedgeLosses += amount
	case "batch":
		g.BatchLosses += amount
	default:
		g.GridLosses += amount
	}
	g.TotalLoss += amount
	g.LastLossAmount = amount
	g.LastLossSource = source
	g.LastLossRecorded = at
}
