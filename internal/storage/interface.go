package storage

import (
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// BotConfigRecord is the locally cached config snapshot for one bot. The
// strategy loop reads from here when the remote store is unreachable.
type BotConfigRecord struct {
	BotID     string           `json:"bot_id" gorm:"primaryKey;size:64"`
	AccountID string           `json:"account" gorm:"index;size:64"`
	Strategy  string           `json:"strategy" gorm:"size:32"`
	Payload   models.ConfigMap `json:"payload" gorm:"type:text"`
	Version   int              `json:"version"`
}

// Interface defines the contract for cycle and order persistence.
//
// Implementations must be safe for concurrent use - strategy loops, the
// reconciler and the supervisors all write through the same store. Every
// cycle and order method is scoped to a strategy family, which selects the
// family-prefixed table the row lives in.
type Interface interface {
	// Cycle persistence
	SaveCycle(family models.StrategyKind, cycle *models.Cycle) error
	CycleByID(family models.StrategyKind, id string) (*models.Cycle, error)
	CycleByRemoteID(family models.StrategyKind, remoteID string) (*models.Cycle, error)
	OpenCycles(family models.StrategyKind, botID string) ([]models.Cycle, error)
	OpenCyclesByAccount(family models.StrategyKind, accountID string) ([]models.Cycle, error)

	// Order persistence
	SaveOrder(family models.StrategyKind, order *models.Order) error
	OrderByTicket(family models.StrategyKind, ticket uint64) (*models.Order, error)
	OrdersForCycle(family models.StrategyKind, cycleID string) ([]models.Order, error)

	// Reconciliation views. OpenOrders returns live market positions,
	// OpenPendingOrders returns unfilled pending orders, both scoped to
	// one account within the family's tables.
	OpenOrders(family models.StrategyKind, accountID string) ([]models.Order, error)
	OpenPendingOrders(family models.StrategyKind, accountID string) ([]models.Order, error)

	// Bot config snapshots
	SaveBotConfig(family models.StrategyKind, rec *BotConfigRecord) error
	BotConfig(family models.StrategyKind, botID string) (*BotConfigRecord, error)

	// DeleteBotData removes the cycles, orders and config snapshot of one
	// bot in a single transaction.
	DeleteBotData(family models.StrategyKind, botID string) error

	// Terminal logins
	SaveLogin(login *models.Login) error
	LatestLogin(accountID string) (*models.Login, error)

	Close() error
}

// Ensure GormStore implements Interface
var _ Interface = (*GormStore)(nil)

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
