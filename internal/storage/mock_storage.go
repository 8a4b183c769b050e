package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu      sync.Mutex
	cycles  map[string]models.Cycle
	orders  map[string]models.Order
	configs map[string]BotConfigRecord
	logins  []models.Login

	saveError error

	saveCycleCalls int
	saveOrderCalls int
}

// NewMockStorage creates a new mock store for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		cycles:  make(map[string]models.Cycle),
		orders:  make(map[string]models.Order),
		configs: make(map[string]BotConfigRecord),
	}
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SaveCycleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCycleCalls
}

func (m *MockStorage) SaveOrderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveOrderCalls
}

func familyKey(family models.StrategyKind, id string) string {
	return string(family) + "|" + id
}

func keyFamily(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}

func sortCycles(cycles []models.Cycle) {
	sort.Slice(cycles, func(i, j int) bool {
		if cycles[i].CreatedAt.Equal(cycles[j].CreatedAt) {
			return cycles[i].ID < cycles[j].ID
		}
		return cycles[i].CreatedAt.Before(cycles[j].CreatedAt)
	})
}

func (m *MockStorage) SaveCycle(family models.StrategyKind, cycle *models.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCycleCalls++
	if m.saveError != nil {
		return m.saveError
	}
	m.cycles[familyKey(family, cycle.ID)] = *cycle
	return nil
}

func (m *MockStorage) CycleByID(family models.StrategyKind, id string) (*models.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cycle, ok := m.cycles[familyKey(family, id)]
	if !ok {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrCycleNotFound)
	}
	return &cycle, nil
}

func (m *MockStorage) CycleByRemoteID(family models.StrategyKind, remoteID string) (*models.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cycle := range m.cycles {
		if keyFamily(key) == string(family) && cycle.RemoteID == remoteID {
			c := cycle
			return &c, nil
		}
	}
	return nil, fmt.Errorf("cycle remote %s: %w", remoteID, ErrCycleNotFound)
}

func (m *MockStorage) OpenCycles(family models.StrategyKind, botID string) ([]models.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Cycle
	for key, cycle := range m.cycles {
		if keyFamily(key) != string(family) {
			continue
		}
		if cycle.BotID == botID && cycle.Status != models.StatusClosed {
			out = append(out, cycle)
		}
	}
	sortCycles(out)
	return out, nil
}

func (m *MockStorage) OpenCyclesByAccount(family models.StrategyKind, accountID string) ([]models.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Cycle
	for key, cycle := range m.cycles {
		if keyFamily(key) != string(family) {
			continue
		}
		if cycle.AccountID == accountID && cycle.Status != models.StatusClosed {
			out = append(out, cycle)
		}
	}
	sortCycles(out)
	return out, nil
}

func (m *MockStorage) SaveOrder(family models.StrategyKind, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveOrderCalls++
	if m.saveError != nil {
		return m.saveError
	}
	m.orders[familyKey(family, fmt.Sprintf("%d", order.Ticket))] = *order
	return nil
}

func (m *MockStorage) OrderByTicket(family models.StrategyKind, ticket uint64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[familyKey(family, fmt.Sprintf("%d", ticket))]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", ticket, ErrOrderNotFound)
	}
	return &order, nil
}

func (m *MockStorage) OrdersForCycle(family models.StrategyKind, cycleID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for key, order := range m.orders {
		if keyFamily(key) != string(family) {
			continue
		}
		if order.CycleID == cycleID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *MockStorage) openOrdersWhere(family models.StrategyKind, accountID string, pending bool) []models.Order {
	var out []models.Order
	for key, order := range m.orders {
		if keyFamily(key) != string(family) {
			continue
		}
		if order.AccountID == accountID && !order.IsClosed && order.IsPending == pending {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

func (m *MockStorage) OpenOrders(family models.StrategyKind, accountID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersWhere(family, accountID, false), nil
}

func (m *MockStorage) OpenPendingOrders(family models.StrategyKind, accountID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersWhere(family, accountID, true), nil
}

func (m *MockStorage) SaveBotConfig(family models.StrategyKind, rec *BotConfigRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.configs[familyKey(family, rec.BotID)] = *rec
	return nil
}

func (m *MockStorage) BotConfig(family models.StrategyKind, botID string) (*BotConfigRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.configs[familyKey(family, botID)]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", botID, ErrConfigNotFound)
	}
	return &rec, nil
}

func (m *MockStorage) DeleteBotData(family models.StrategyKind, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	var cycleIDs []string
	for key, cycle := range m.cycles {
		if keyFamily(key) == string(family) && cycle.BotID == botID {
			cycleIDs = append(cycleIDs, cycle.ID)
			delete(m.cycles, key)
		}
	}
	for key, order := range m.orders {
		if keyFamily(key) != string(family) {
			continue
		}
		for _, id := range cycleIDs {
			if order.CycleID == id {
				delete(m.orders, key)
				break
			}
		}
	}
	delete(m.configs, familyKey(family, botID))
	return nil
}

func (m *MockStorage) SaveLogin(login *models.Login) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.logins = append(m.logins, *login)
	return nil
}

func (m *MockStorage) LatestLogin(accountID string) (*models.Login, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.logins) - 1; i >= 0; i-- {
		if m.logins[i].AccountID == accountID {
			login := m.logins[i]
			return &login, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", accountID, ErrLoginNotFound)
}

func (m *MockStorage) Close() error { return nil }
