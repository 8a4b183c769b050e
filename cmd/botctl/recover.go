package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/config"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/reconcile"
	"github.com/dryousufmesalm/bot-app-sub002/internal/remote"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

func runRecoverOrders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recover-orders", flag.ExitOnError)
	var action, configPath, accountID string
	fs.StringVar(&action, "action", "report", "one of report, detect, recover, force_sync")
	fs.StringVar(&configPath, "config", "config.yaml", "path to the daemon configuration file")
	fs.StringVar(&accountID, "account", "", "account id, defaults to the first configured account")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: botctl recover-orders [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !validAction(action) {
		return fmt.Errorf("unknown action %q, want report, detect, recover or force_sync", action)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	acct, err := pickAccount(cfg, accountID)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// report works from the local store alone; the rest talk to the terminal.
	if action == "report" {
		return reportOrders(store, acct.ID)
	}

	b, err := dialBridge(ctx, acct)
	if err != nil {
		return err
	}

	switch action {
	case "detect":
		rows, err := detectDrift(ctx, b, store, acct.ID)
		if err != nil {
			return err
		}
		printDrift(rows)
		return nil
	case "recover":
		rec := reconcile.New(b, store, acct.ID, reconcileConfig(cfg), quietLogger())
		if err := rec.ReconcileOnce(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Printf("Reconciled account %s against the terminal\n", acct.ID)
		return nil
	case "force_sync":
		return forceSync(ctx, b, store, cfg, acct)
	}
	return nil
}

func validAction(action string) bool {
	switch action {
	case "report", "detect", "recover", "force_sync":
		return true
	}
	return false
}

// pickAccount resolves the account flag against the config, defaulting to
// the first configured account.
func pickAccount(cfg *config.Config, id string) (config.AccountConfig, error) {
	if len(cfg.Accounts) == 0 {
		return config.AccountConfig{}, fmt.Errorf("no accounts configured")
	}
	if id == "" {
		return cfg.Accounts[0], nil
	}
	for _, acct := range cfg.Accounts {
		if acct.ID == id {
			return acct, nil
		}
	}
	return config.AccountConfig{}, fmt.Errorf("account %q not in config", id)
}

func openStore(cfg config.StorageConfig) (*storage.GormStore, error) {
	dsn := cfg.DSN
	if cfg.Driver == storage.DriverSQLite {
		dsn = cfg.Path
	}
	return storage.Open(cfg.Driver, dsn)
}

// dialBridge opens the terminal session the way the daemon does, minus the
// circuit breaker: a one-shot tool wants the raw error, not an open circuit.
func dialBridge(ctx context.Context, acct config.AccountConfig) (broker.Broker, error) {
	b := broker.NewLockedBroker(broker.NewMT5Client(acct.Broker.BridgeURL))
	if err := b.Initialize(ctx, acct.Broker.TerminalPath); err != nil {
		return nil, fmt.Errorf("initialize terminal: %w", err)
	}
	if err := b.Login(ctx, acct.Broker.Login, acct.Broker.Password, acct.Broker.Server); err != nil {
		return nil, fmt.Errorf("login %d: %w", acct.Broker.Login, err)
	}
	return b, nil
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{
		SyncDelay:  cfg.SyncDelay(),
		ErrorSleep: cfg.ErrorSleep(),
	}
}

// reportOrders summarizes the local store per strategy family.
func reportOrders(store storage.Interface, accountID string) error {
	fmt.Printf("Account %s\n", accountID)
	total := 0
	for _, family := range models.Families {
		cycles, err := store.OpenCyclesByAccount(family, accountID)
		if err != nil {
			return fmt.Errorf("open cycles %s: %w", family, err)
		}
		open, err := store.OpenOrders(family, accountID)
		if err != nil {
			return fmt.Errorf("open orders %s: %w", family, err)
		}
		pending, err := store.OpenPendingOrders(family, accountID)
		if err != nil {
			return fmt.Errorf("pending orders %s: %w", family, err)
		}
		if len(cycles) == 0 && len(open) == 0 && len(pending) == 0 {
			continue
		}
		total += len(cycles)
		fmt.Printf("  %-22s %d open cycle(s), %d active order(s), %d pending\n",
			family, len(cycles), len(open), len(pending))
	}
	if total == 0 {
		fmt.Println("  no open cycles")
	}
	return nil
}

// driftRow is one ticket whose local state disagrees with the terminal.
type driftRow struct {
	Family models.StrategyKind
	Ticket uint64
	Local  string
	Remote string
}

// detectDrift scans every locally open and pending ticket against the
// terminal without changing anything.
func detectDrift(ctx context.Context, b broker.Broker, store storage.Interface, accountID string) ([]driftRow, error) {
	var rows []driftRow
	for _, family := range models.Families {
		open, err := store.OpenOrders(family, accountID)
		if err != nil {
			return nil, fmt.Errorf("open orders %s: %w", family, err)
		}
		for i := range open {
			closed, err := b.CheckIsClosed(ctx, open[i].Ticket)
			if err != nil {
				return nil, fmt.Errorf("check ticket %d: %w", open[i].Ticket, err)
			}
			if closed {
				rows = append(rows, driftRow{family, open[i].Ticket, "open", "closed"})
			}
		}
		pending, err := store.OpenPendingOrders(family, accountID)
		if err != nil {
			return nil, fmt.Errorf("pending orders %s: %w", family, err)
		}
		for i := range pending {
			isPending, err := b.CheckIsPending(ctx, pending[i].Ticket)
			if err != nil {
				return nil, fmt.Errorf("check ticket %d: %w", pending[i].Ticket, err)
			}
			if !isPending {
				rows = append(rows, driftRow{family, pending[i].Ticket, "pending", "filled or gone"})
			}
		}
	}
	return rows, nil
}

func printDrift(rows []driftRow) {
	if len(rows) == 0 {
		fmt.Println("No drift, local store matches the terminal")
		return
	}
	fmt.Printf("%d ticket(s) out of sync:\n", len(rows))
	for _, row := range rows {
		fmt.Printf("  %-22s #%-10d local %-8s terminal %s\n", row.Family, row.Ticket, row.Local, row.Remote)
	}
	fmt.Println("Run with --action recover to repair")
}

// forceSync reconciles against the terminal and then pushes every open cycle
// back to the remote store, recreating records that were lost there.
func forceSync(ctx context.Context, b broker.Broker, store storage.Interface, cfg *config.Config, acct config.AccountConfig) error {
	rec := reconcile.New(b, store, acct.ID, reconcileConfig(cfg), quietLogger())
	if err := rec.ReconcileOnce(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.AuthCollection, quietLogger())
	if err := client.Authenticate(ctx, cfg.Remote.Identity, cfg.Remote.Password); err != nil {
		return fmt.Errorf("authenticate with %s: %w", cfg.Remote.URL, err)
	}

	pushed := 0
	for _, family := range models.Families {
		cycles, err := store.OpenCyclesByAccount(family, acct.ID)
		if err != nil {
			return fmt.Errorf("open cycles %s: %w", family, err)
		}
		for i := range cycles {
			c := &cycles[i]
			if err := client.PushCycle(ctx, family, c); err != nil {
				return fmt.Errorf("push cycle %s: %w", c.ID, err)
			}
			// PushCycle assigns the remote id on first creation.
			if err := store.SaveCycle(family, c); err != nil {
				return fmt.Errorf("save cycle %s: %w", c.ID, err)
			}
			pushed++
		}
	}
	fmt.Printf("Reconciled and pushed %d open cycle(s) to the remote store\n", pushed)
	return nil
}
