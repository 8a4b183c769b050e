package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormStore persists cycles, orders, config snapshots and logins in a
// relational database. Each strategy family gets its own table set,
// ah_cycles, ct_orders and so on, selected through the family prefix.
type GormStore struct {
	db *gorm.DB
}

// schemaVersion tracks the applied migration version per family.
type schemaVersion struct {
	Family  string `gorm:"primaryKey;size:8"`
	Version int
}

func (schemaVersion) TableName() string { return "schema_versions" }

// familyMigration is one additive schema step. Databases created by older
// builds are brought forward column by column; fresh databases start at the
// latest version because the base migration creates the full current shape.
type familyMigration struct {
	version int
	name    string
	table   string
	column  string
}

var familyMigrations = []familyMigration{
	{2, "cycle done price levels", "_cycles", "DonePriceLevels"},
	{3, "cycle current direction", "_cycles", "CurrentDirection"},
	{4, "cycle initial threshold price", "_cycles", "InitialThresholdPrice"},
	{5, "cycle direction switched", "_cycles", "DirectionSwitched"},
	{6, "cycle next order index", "_cycles", "NextOrderIndex"},
}

// Open connects to the database selected by driver and runs migrations for
// every strategy family. The sqlite driver treats dsn as a file path and
// creates parent directories as needed.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}

	store := &GormStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate storage: %w", err)
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&schemaVersion{}, &models.Login{}); err != nil {
		return err
	}
	for _, family := range models.Families {
		if err := s.migrateFamily(family); err != nil {
			return fmt.Errorf("family %s: %w", family, err)
		}
	}
	return nil
}

func (s *GormStore) migrateFamily(family models.StrategyKind) error {
	prefix := family.TablePrefix()

	var ver schemaVersion
	err := s.db.Where("family = ?", prefix).Take(&ver).Error
	fresh := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !fresh {
		return err
	}

	if err := s.db.Table(prefix + "_cycles").AutoMigrate(&models.Cycle{}); err != nil {
		return err
	}
	if err := s.db.Table(prefix + "_orders").AutoMigrate(&models.Order{}); err != nil {
		return err
	}
	if err := s.db.Table(prefix + "_config").AutoMigrate(&BotConfigRecord{}); err != nil {
		return err
	}
	if fresh {
		ver = schemaVersion{Family: prefix, Version: 1}
	}

	for _, m := range familyMigrations {
		if ver.Version >= m.version {
			continue
		}
		tx := s.db.Table(prefix + m.table)
		if !tx.Migrator().HasColumn(&models.Cycle{}, m.column) {
			if err := tx.Migrator().AddColumn(&models.Cycle{}, m.column); err != nil {
				return fmt.Errorf("migration %d %s: %w", m.version, m.name, err)
			}
		}
		ver.Version = m.version
	}

	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&ver).Error
}

func (s *GormStore) cycles(family models.StrategyKind) *gorm.DB {
	return s.db.Table(family.TablePrefix() + "_cycles")
}

func (s *GormStore) orders(family models.StrategyKind) *gorm.DB {
	return s.db.Table(family.TablePrefix() + "_orders")
}

func (s *GormStore) configs(family models.StrategyKind) *gorm.DB {
	return s.db.Table(family.TablePrefix() + "_config")
}

// SaveCycle inserts or updates the cycle row.
func (s *GormStore) SaveCycle(family models.StrategyKind, cycle *models.Cycle) error {
	return s.cycles(family).Clauses(clause.OnConflict{UpdateAll: true}).Create(cycle).Error
}

// CycleByID loads one cycle by its local id.
func (s *GormStore) CycleByID(family models.StrategyKind, id string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.cycles(family).Where("id = ?", id).Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrCycleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// CycleByRemoteID loads one cycle by its remote store id.
func (s *GormStore) CycleByRemoteID(family models.StrategyKind, remoteID string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.cycles(family).Where("remote_id = ?", remoteID).Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cycle remote %s: %w", remoteID, ErrCycleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// OpenCycles lists the non-closed cycles of one bot, oldest first.
func (s *GormStore) OpenCycles(family models.StrategyKind, botID string) ([]models.Cycle, error) {
	var cycles []models.Cycle
	err := s.cycles(family).
		Where("bot_id = ? AND status <> ?", botID, models.StatusClosed).
		Order("created_at").
		Find(&cycles).Error
	return cycles, err
}

// OpenCyclesByAccount lists the non-closed cycles of one account, oldest first.
func (s *GormStore) OpenCyclesByAccount(family models.StrategyKind, accountID string) ([]models.Cycle, error) {
	var cycles []models.Cycle
	err := s.cycles(family).
		Where("account_id = ? AND status <> ?", accountID, models.StatusClosed).
		Order("created_at").
		Find(&cycles).Error
	return cycles, err
}

// SaveOrder inserts or updates the order row keyed by ticket.
func (s *GormStore) SaveOrder(family models.StrategyKind, order *models.Order) error {
	return s.orders(family).Clauses(clause.OnConflict{UpdateAll: true}).Create(order).Error
}

// OrderByTicket loads one order by its terminal ticket.
func (s *GormStore) OrderByTicket(family models.StrategyKind, ticket uint64) (*models.Order, error) {
	var order models.Order
	err := s.orders(family).Where("ticket = ?", ticket).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", ticket, ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrdersForCycle lists every order belonging to the cycle, oldest first.
func (s *GormStore) OrdersForCycle(family models.StrategyKind, cycleID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.orders(family).
		Where("cycle_id = ?", cycleID).
		Order("ticket").
		Find(&orders).Error
	return orders, err
}

// OpenOrders lists the live market positions of one account, by ticket.
func (s *GormStore) OpenOrders(family models.StrategyKind, accountID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.orders(family).
		Where("account_id = ? AND is_closed = ? AND is_pending = ?", accountID, false, false).
		Order("ticket").
		Find(&orders).Error
	return orders, err
}

// OpenPendingOrders lists the unfilled pending orders of one account, by ticket.
func (s *GormStore) OpenPendingOrders(family models.StrategyKind, accountID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.orders(family).
		Where("account_id = ? AND is_closed = ? AND is_pending = ?", accountID, false, true).
		Order("ticket").
		Find(&orders).Error
	return orders, err
}

// SaveBotConfig inserts or updates the bot's config snapshot.
func (s *GormStore) SaveBotConfig(family models.StrategyKind, rec *BotConfigRecord) error {
	return s.configs(family).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// BotConfig loads the bot's config snapshot.
func (s *GormStore) BotConfig(family models.StrategyKind, botID string) (*BotConfigRecord, error) {
	var rec BotConfigRecord
	err := s.configs(family).Where("bot_id = ?", botID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("bot %s: %w", botID, ErrConfigNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteBotData removes the cycles, orders and config snapshot of one bot in
// a single transaction.
func (s *GormStore) DeleteBotData(family models.StrategyKind, botID string) error {
	prefix := family.TablePrefix()
	return s.db.Transaction(func(tx *gorm.DB) error {
		cycleIDs := tx.Table(prefix + "_cycles").Select("id").Where("bot_id = ?", botID)
		if err := tx.Table(prefix+"_orders").Where("cycle_id IN (?)", cycleIDs).Delete(&models.Order{}).Error; err != nil {
			return err
		}
		if err := tx.Table(prefix+"_cycles").Where("bot_id = ?", botID).Delete(&models.Cycle{}).Error; err != nil {
			return err
		}
		return tx.Table(prefix+"_config").Where("bot_id = ?", botID).Delete(&BotConfigRecord{}).Error
	})
}

// SaveLogin inserts or updates one terminal login record.
func (s *GormStore) SaveLogin(login *models.Login) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(login).Error
}

// LatestLogin returns the most recent login recorded for the account.
func (s *GormStore) LatestLogin(accountID string) (*models.Login, error) {
	var login models.Login
	err := s.db.Where("account_id = ?", accountID).Order("created_at DESC").First(&login).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrLoginNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &login, nil
}

// Close releases the underlying database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
