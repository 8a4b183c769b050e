package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

const (
	collectionAccounts    = "accounts"
	collectionBots        = "bots"
	collectionStrategies  = "strategies"
	collectionSymbols     = "symbols"
	collectionEvents      = "events"
	collectionLogs        = "terminal_logs"
	collectionLossTracker = "global_loss_tracker"
)

// Account fetches one account record by id. Used once at supervisor start to
// validate the configured account exists remotely.
func (c *Client) Account(ctx context.Context, id string) (*Record, error) {
	return c.GetRecord(ctx, collectionAccounts, id)
}

// AccountMetrics is the per-second snapshot pushed to the account record.
type AccountMetrics struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Profit     float64
}

// UpdateAccountMetrics patches the account record with fresh metrics. The
// caller rounds the values first.
func (c *Client) UpdateAccountMetrics(ctx context.Context, accountID string, m AccountMetrics) error {
	_, err := c.UpdateRecord(ctx, collectionAccounts, accountID, map[string]interface{}{
		"balance":     m.Balance,
		"equity":      m.Equity,
		"margin":      m.Margin,
		"free_margin": m.FreeMargin,
		"profit":      m.Profit,
	})
	return err
}

// AccountBots lists the bots attached to an account, oldest first.
func (c *Client) AccountBots(ctx context.Context, accountID string) ([]models.Bot, error) {
	records, err := c.List(ctx, collectionBots, fmt.Sprintf("account = '%s'", accountID), "created")
	if err != nil {
		return nil, err
	}

	bots := make([]models.Bot, 0, len(records))
	for i := range records {
		bot, err := c.botFromRecord(ctx, &records[i])
		if err != nil {
			c.logger.WithError(err).WithField("bot", records[i].ID).Warn("skipping bot with unreadable record")
			continue
		}
		bots = append(bots, bot)
	}
	return bots, nil
}

// Bot fetches a single bot record, resolving its strategy.
func (c *Client) Bot(ctx context.Context, id string) (*models.Bot, error) {
	rec, err := c.GetRecord(ctx, collectionBots, id)
	if err != nil {
		return nil, err
	}
	bot, err := c.botFromRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

func (c *Client) botFromRecord(ctx context.Context, rec *Record) (models.Bot, error) {
	kind, err := c.resolveStrategy(ctx, rec.String("strategy"))
	if err != nil {
		return models.Bot{}, err
	}

	var cfg models.ConfigMap
	if m := rec.Map("configs"); m != nil {
		cfg = models.ConfigMap(m)
	}

	return models.Bot{
		ID:        rec.ID,
		RemoteID:  rec.ID,
		AccountID: rec.String("account"),
		Name:      rec.String("name"),
		Strategy:  kind,
		Magic:     int64(rec.Float("magic_number")),
		Symbol:    rec.String("symbol"),
		Config:    cfg,
		Stopped:   rec.Bool("stopped"),
		UpdatedAt: rec.Updated,
	}, nil
}

// resolveStrategy maps a bot's strategy field to a family. The field holds
// either the family name directly or a relation id into the strategies
// collection.
func (c *Client) resolveStrategy(ctx context.Context, v string) (models.StrategyKind, error) {
	if kind := models.StrategyKind(v); kind.Valid() {
		return kind, nil
	}
	if v == "" {
		return "", fmt.Errorf("bot has no strategy")
	}

	rec, err := c.GetRecord(ctx, collectionStrategies, v)
	if err != nil {
		return "", fmt.Errorf("resolve strategy %q: %w", v, err)
	}
	kind := models.StrategyKind(rec.String("name"))
	if !kind.Valid() {
		return "", fmt.Errorf("strategy %q names unknown family %q", v, rec.String("name"))
	}
	return kind, nil
}

// UpdateBotStatus patches a bot's stopped flag.
func (c *Client) UpdateBotStatus(ctx context.Context, botID string, stopped bool) error {
	_, err := c.UpdateRecord(ctx, collectionBots, botID, map[string]interface{}{"stopped": stopped})
	return err
}

// UpdateBotMagic patches a bot's magic number.
func (c *Client) UpdateBotMagic(ctx context.Context, botID string, magic int64) error {
	_, err := c.UpdateRecord(ctx, collectionBots, botID, map[string]interface{}{"magic_number": magic})
	return err
}

// UpdateBotConfig patches a bot's config map, and its traded symbol when
// symbol is non-empty. Running loops pick the change up via an update_bot
// event, not from this write.
func (c *Client) UpdateBotConfig(ctx context.Context, botID, symbol string, cfg models.ConfigMap) error {
	fields := map[string]interface{}{"configs": cfg}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	_, err := c.UpdateRecord(ctx, collectionBots, botID, fields)
	return err
}

// EnsureSymbol finds the account's record for a symbol name, creating it if
// missing, and returns the record id.
func (c *Client) EnsureSymbol(ctx context.Context, accountID, name string) (string, error) {
	rec, err := c.First(ctx, collectionSymbols, fmt.Sprintf("account = '%s' && name = '%s'", accountID, name))
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.ID, nil
	}

	created, err := c.CreateRecord(ctx, collectionSymbols, map[string]interface{}{
		"account": accountID,
		"name":    name,
		"bid":     0.0,
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateSymbolBid patches a symbol record with the latest bid.
func (c *Client) UpdateSymbolBid(ctx context.Context, symbolID string, bid float64) error {
	_, err := c.UpdateRecord(ctx, collectionSymbols, symbolID, map[string]interface{}{"bid": bid})
	return err
}

// ListEvents returns the account's pending events in creation order.
func (c *Client) ListEvents(ctx context.Context, accountID string) ([]models.Event, error) {
	records, err := c.List(ctx, collectionEvents, fmt.Sprintf("account = '%s'", accountID), "created")
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(records))
	for i := range records {
		evt, err := eventFromRecord(&records[i])
		if err != nil {
			c.logger.WithError(err).WithField("event", records[i].ID).Warn("skipping undecodable event")
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func eventFromRecord(rec *Record) (models.Event, error) {
	evt := models.Event{
		ID:       rec.ID,
		UUID:     rec.String("uuid"),
		Account:  rec.String("account"),
		Bot:      rec.String("bot"),
		Strategy: rec.String("strategy"),
		Created:  rec.Created,
	}

	raw, err := json.Marshal(rec.Fields["content"])
	if err != nil {
		return evt, fmt.Errorf("re-encode event content: %w", err)
	}
	if err := json.Unmarshal(raw, &evt.Content); err != nil {
		return evt, err
	}
	return evt, nil
}

// CreateEvent queues an event for the account's supervisor to pick up. Used
// by the operational CLI; the app itself only consumes events.
func (c *Client) CreateEvent(ctx context.Context, accountID, botID string, content models.EventContent) (*Record, error) {
	return c.CreateRecord(ctx, collectionEvents, map[string]interface{}{
		"uuid":    uuid.NewString(),
		"account": accountID,
		"bot":     botID,
		"content": content,
	})
}

// DeleteEvent removes an event record. The supervisor deletes before
// dispatch, so a crash can drop an event but never replay one.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	return c.DeleteRecord(ctx, collectionEvents, id)
}

// CreateCycle inserts a cycle into its family collection and returns the
// remote record id.
func (c *Client) CreateCycle(ctx context.Context, kind models.StrategyKind, cycle *models.Cycle) (string, error) {
	collection := kind.CycleCollection()
	if collection == "" {
		return "", fmt.Errorf("no cycle collection for strategy %q", kind)
	}
	rec, err := c.CreateRecord(ctx, collection, CycleFields(cycle))
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// UpdateCycle patches the cycle's remote record with its full current state.
func (c *Client) UpdateCycle(ctx context.Context, kind models.StrategyKind, cycle *models.Cycle) error {
	collection := kind.CycleCollection()
	if collection == "" {
		return fmt.Errorf("no cycle collection for strategy %q", kind)
	}
	if cycle.RemoteID == "" {
		return fmt.Errorf("cycle %s has no remote id", cycle.ID)
	}
	_, err := c.UpdateRecord(ctx, collection, cycle.RemoteID, CycleFields(cycle))
	return err
}

// PushCycle mirrors a cycle remotely, creating the record on first push and
// patching it afterwards. The remote id is written back onto the cycle.
func (c *Client) PushCycle(ctx context.Context, kind models.StrategyKind, cycle *models.Cycle) error {
	if cycle.RemoteID == "" {
		id, err := c.CreateCycle(ctx, kind, cycle)
		if err != nil {
			return err
		}
		cycle.RemoteID = id
		return nil
	}
	return c.UpdateCycle(ctx, kind, cycle)
}

// PushLossTracker upserts the per (bot, account, symbol) loss tracker.
func (c *Client) PushLossTracker(ctx context.Context, t *models.GlobalLossTracker) error {
	fields := map[string]interface{}{
		"bot":                t.BotID,
		"account":            t.AccountID,
		"symbol":             t.Symbol,
		"grid_losses":        t.GridLosses,
		"hedge_losses":       t.HedgeLosses,
		"batch_losses":       t.BatchLosses,
		"total_loss":         t.TotalLoss,
		"cycles_opened":      t.CyclesOpened,
		"cycles_closed":      t.CyclesClosed,
		"last_loss_amount":   t.LastLossAmount,
		"last_loss_source":   t.LastLossSource,
		"last_loss_recorded": t.LastLossRecorded,
	}

	filter := fmt.Sprintf("bot = '%s' && account = '%s' && symbol = '%s'", t.BotID, t.AccountID, t.Symbol)
	rec, err := c.First(ctx, collectionLossTracker, filter)
	if err != nil {
		return err
	}
	if rec == nil {
		created, err := c.CreateRecord(ctx, collectionLossTracker, fields)
		if err != nil {
			return err
		}
		t.ID = created.ID
		return nil
	}
	_, err = c.UpdateRecord(ctx, collectionLossTracker, rec.ID, fields)
	return err
}

// SendLog ships one log line to the terminal_logs collection. Best effort:
// a single attempt, errors returned but never retried.
func (c *Client) SendLog(ctx context.Context, accountID, botID, level, message string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(EncodeFields(map[string]interface{}{
			"account":   accountID,
			"bot":       botID,
			"level":     level,
			"message":   message,
			"logged_at": time.Now().UTC(),
		})).
		Post("/api/collections/" + collectionLogs + "/records")
	if err != nil {
		return err
	}
	return checkStatus(resp)
}
