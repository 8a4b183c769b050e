package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/config"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

func TestMergedConfig_FlagsOverrideFileAndBase(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "overlay.json")
	if err := os.WriteFile(file, []byte(`{"zone": 400, "autotrade": true}`), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	base := models.ConfigMap{"zone": 300.0, "lot_size": 0.02}
	f := configFlags{
		zone:       500,
		orderStep:  150,
		configFile: file,
		set:        map[string]bool{"zone-threshold": true, "order-interval": true},
	}

	cfg, err := mergedConfig(base, f)
	if err != nil {
		t.Fatalf("mergedConfig() error = %v", err)
	}
	if got := cfg["zone"]; got != 500.0 {
		t.Errorf("zone = %v, want 500 (flag over file over base)", got)
	}
	if got := cfg["pips_step"]; got != 150.0 {
		t.Errorf("pips_step = %v, want 150", got)
	}
	if got := cfg["autotrade"]; got != true {
		t.Errorf("autotrade = %v, want true (from file)", got)
	}
	if got := cfg["lot_size"]; got != 0.02 {
		t.Errorf("lot_size = %v, want 0.02 (from base)", got)
	}
	if got := base["zone"]; got != 300.0 {
		t.Errorf("base mutated: zone = %v, want 300", got)
	}
}

func TestMergedConfig_FlagKeyMapping(t *testing.T) {
	f := configFlags{
		zone:       250,
		orderStep:  80,
		lotSize:    0.05,
		maxCycles:  3,
		takeProfit: 12,
		stopLoss:   40,
		set: map[string]bool{
			"zone-threshold": true,
			"order-interval": true,
			"lot-size":       true,
			"max-cycles":     true,
			"take-profit":    true,
			"stop-loss":      true,
		},
	}
	cfg, err := mergedConfig(models.ConfigMap{}, f)
	if err != nil {
		t.Fatalf("mergedConfig() error = %v", err)
	}

	want := map[string]interface{}{
		"zone":        250.0,
		"pips_step":   80.0,
		"lot_size":    0.05,
		"max_cycles":  3,
		"take_profit": 12.0,
		"stop_loss":   40.0,
	}
	for key, val := range want {
		if got := cfg[key]; got != val {
			t.Errorf("cfg[%q] = %v, want %v", key, got, val)
		}
	}
	if len(cfg) != len(want) {
		t.Errorf("len(cfg) = %d, want %d", len(cfg), len(want))
	}
}

func TestMergedConfig_UnsetFlagsLeaveBase(t *testing.T) {
	base := models.ConfigMap{"zone": 300.0, "max_cycles": 2.0}
	cfg, err := mergedConfig(base, configFlags{zone: 999, set: map[string]bool{}})
	if err != nil {
		t.Fatalf("mergedConfig() error = %v", err)
	}
	if got := cfg["zone"]; got != 300.0 {
		t.Errorf("zone = %v, want 300 (flag not set)", got)
	}
	if got := cfg["max_cycles"]; got != 2.0 {
		t.Errorf("max_cycles = %v, want 2", got)
	}
}

func TestMergedConfig_FileErrors(t *testing.T) {
	f := configFlags{configFile: filepath.Join(t.TempDir(), "missing.json"), set: map[string]bool{}}
	if _, err := mergedConfig(models.ConfigMap{}, f); err == nil {
		t.Error("mergedConfig() with missing file: error = nil, want error")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"zone": `), 0o644); err != nil {
		t.Fatalf("write bad overlay: %v", err)
	}
	f.configFile = bad
	if _, err := mergedConfig(models.ConfigMap{}, f); err == nil {
		t.Error("mergedConfig() with bad JSON: error = nil, want error")
	}
}

func TestPickAccount(t *testing.T) {
	cfg := &config.Config{Accounts: []config.AccountConfig{
		{ID: "acct-1", Name: "first"},
		{ID: "acct-2", Name: "second"},
	}}

	acct, err := pickAccount(cfg, "")
	if err != nil {
		t.Fatalf("pickAccount(\"\") error = %v", err)
	}
	if acct.ID != "acct-1" {
		t.Errorf("default account = %s, want acct-1", acct.ID)
	}

	acct, err = pickAccount(cfg, "acct-2")
	if err != nil {
		t.Fatalf("pickAccount(acct-2) error = %v", err)
	}
	if acct.Name != "second" {
		t.Errorf("account name = %s, want second", acct.Name)
	}

	if _, err := pickAccount(cfg, "acct-9"); err == nil {
		t.Error("pickAccount(acct-9) error = nil, want error")
	}
	if _, err := pickAccount(&config.Config{}, ""); err == nil {
		t.Error("pickAccount on empty config: error = nil, want error")
	}
}

func TestFilterBots(t *testing.T) {
	bots := []models.Bot{{ID: "bot-1"}, {ID: "bot-2"}}

	if got := filterBots(bots, ""); len(got) != 2 {
		t.Errorf("filterBots(\"\") = %d bots, want 2", len(got))
	}
	got := filterBots(bots, "bot-2")
	if len(got) != 1 || got[0].ID != "bot-2" {
		t.Errorf("filterBots(bot-2) = %v, want exactly bot-2", got)
	}
	if got := filterBots(bots, "bot-9"); got != nil {
		t.Errorf("filterBots(bot-9) = %v, want nil", got)
	}
}

func TestValidAction(t *testing.T) {
	for _, action := range []string{"report", "detect", "recover", "force_sync"} {
		if !validAction(action) {
			t.Errorf("validAction(%q) = false, want true", action)
		}
	}
	for _, action := range []string{"", "repair", "force-sync", "RECOVER"} {
		if validAction(action) {
			t.Errorf("validAction(%q) = true, want false", action)
		}
	}
}

func TestDetectDrift(t *testing.T) {
	ctx := context.Background()
	mb := broker.NewMockBroker()
	mb.SetQuote("EURUSD", 0.00001, 5, 1.10000, 1.10010)
	store := storage.NewMockStorage()
	family := models.StrategyCycleTrader

	saveOrder := func(ticket uint64, kind models.OrderKind, pending bool) {
		t.Helper()
		err := store.SaveOrder(family, &models.Order{
			Ticket:    ticket,
			Kind:      kind,
			Symbol:    "EURUSD",
			AccountID: "acct-1",
			IsPending: pending,
		})
		if err != nil {
			t.Fatalf("save order %d: %v", ticket, err)
		}
	}

	positions, err := mb.Market(ctx, broker.MarketOrderRequest{
		Side: models.DirectionBuy, Symbol: "EURUSD", Volume: 0.01,
	})
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	closedTicket := positions[0].Ticket
	saveOrder(closedTicket, models.OrderMarket, false)

	pendings, err := mb.Pending(ctx, broker.PendingOrderRequest{
		Side: models.DirectionBuy, Symbol: "EURUSD", Price: 1.09500, Volume: 0.01,
	})
	if err != nil {
		t.Fatalf("pending order: %v", err)
	}
	filledTicket := pendings[0].Ticket
	saveOrder(filledTicket, models.OrderPending, true)

	positions, err = mb.Market(ctx, broker.MarketOrderRequest{
		Side: models.DirectionSell, Symbol: "EURUSD", Volume: 0.01,
	})
	if err != nil {
		t.Fatalf("second market order: %v", err)
	}
	saveOrder(positions[0].Ticket, models.OrderMarket, false)

	// Terminal moves on without the store hearing about it.
	if err := mb.ForceClose(closedTicket, -2.0); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if err := mb.FillPending(filledTicket); err != nil {
		t.Fatalf("fill pending: %v", err)
	}

	rows, err := detectDrift(ctx, mb, store, "acct-1")
	if err != nil {
		t.Fatalf("detectDrift() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	byTicket := map[uint64]driftRow{}
	for _, row := range rows {
		byTicket[row.Ticket] = row
	}
	closed, ok := byTicket[closedTicket]
	if !ok || closed.Local != "open" || closed.Remote != "closed" {
		t.Errorf("closed drift = %+v, want open/closed for ticket %d", closed, closedTicket)
	}
	filled, ok := byTicket[filledTicket]
	if !ok || filled.Local != "pending" {
		t.Errorf("filled drift = %+v, want pending for ticket %d", filled, filledTicket)
	}
}

func TestDetectDrift_CleanStore(t *testing.T) {
	mb := broker.NewMockBroker()
	store := storage.NewMockStorage()

	rows, err := detectDrift(context.Background(), mb, store, "acct-1")
	if err != nil {
		t.Fatalf("detectDrift() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len(rows) = %d, want 0", len(rows))
	}
}
