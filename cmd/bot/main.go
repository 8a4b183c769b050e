// Command bot runs the orchestrator: one supervisor per configured account,
// each driving its bots' strategy loops against a terminal bridge and
// mirroring state to the remote document store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/config"
	"github.com/dryousufmesalm/bot-app-sub002/internal/dashboard"
	"github.com/dryousufmesalm/bot-app-sub002/internal/mock"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/reconcile"
	"github.com/dryousufmesalm/bot-app-sub002/internal/remote"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/supervisor"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// App is the composition root: the shared remote client and local store plus
// everything built per account.
type App struct {
	config *config.Config
	client *remote.Client
	store  storage.Interface
	logger *logrus.Logger
	mock   bool
}

func main() {
	var configPath string
	var mockMode bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&mockMode, "mock", false, "Trade against an in-memory terminal with synthetic prices")
	flag.Parse()

	// .env feeds the ${VAR} expansion inside the config file.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("Failed to build logger: %v", err)
	}

	logger.Infof("Starting orchestrator with %d accounts", len(cfg.Accounts))
	if mockMode {
		logger.Info("MOCK MODE - synthetic prices, no terminal bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping...")
		cancel()
	}()

	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.AuthCollection, logger)
	if err := client.Authenticate(ctx, cfg.Remote.Identity, cfg.Remote.Password); err != nil {
		logger.Fatalf("Failed to authenticate with remote store: %v", err)
	}
	logger.WithField("user", util.ShortID(client.UserID())).Info("Authenticated with remote store")

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}()

	app := &App{config: cfg, client: client, store: store, logger: logger, mock: mockMode}
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Orchestrator error: %v", err)
	}

	logger.Info("Orchestrator stopped")
}

// Run builds one supervisor per account and blocks until every task ends.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	sources := make([]dashboard.Source, 0, len(a.config.Accounts))
	for _, acct := range a.config.Accounts {
		sup, feeder, err := a.buildAccount(ctx, acct)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.ID, err)
		}
		sources = append(sources, sup)
		g.Go(func() error { return sup.Run(ctx) })
		if feeder != nil {
			g.Go(func() error { return feeder.Run(ctx) })
		}
	}

	if a.config.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      a.config.Dashboard.Port,
			AuthToken: a.config.Dashboard.AuthToken,
		}, a.store, sources, a.logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// buildAccount wires the broker session, the supervisor and the realtime
// event feed for one account. In mock mode the bridge is replaced by an
// in-memory terminal plus a synthetic price feeder.
func (a *App) buildAccount(ctx context.Context, acct config.AccountConfig) (*supervisor.Supervisor, *mock.Feeder, error) {
	logger, err := a.accountLogger(acct.ID)
	if err != nil {
		return nil, nil, err
	}

	var b broker.Broker
	var feeder *mock.Feeder
	if a.mock {
		b, feeder, err = a.buildMockBroker(ctx, acct, logger)
	} else {
		b, err = a.connectBroker(ctx, acct, logger)
	}
	if err != nil {
		return nil, nil, err
	}

	sup := supervisor.New(b, a.store, a.client, acct.ID, supervisorConfig(a.config), logger)

	feed, err := remote.NewSubscription(a.client.BaseURL(), acct.ID, a.client.Token, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	sup.AttachFeed(feed)

	return sup, feeder, nil
}

// accountLogger builds a dedicated logger for one account so the remote log
// hook only ships that account's entries.
func (a *App) accountLogger(accountID string) (*logrus.Logger, error) {
	logger, err := buildLogger(a.config.Logging)
	if err != nil {
		return nil, err
	}
	logger.AddHook(remote.NewLogHook(a.client, accountID))
	return logger, nil
}

// connectBroker dials the terminal bridge, boots the terminal, logs the
// session in and records the login locally.
func (a *App) connectBroker(ctx context.Context, acct config.AccountConfig, logger *logrus.Logger) (broker.Broker, error) {
	var b broker.Broker = broker.NewMT5Client(acct.Broker.BridgeURL)
	if acct.Broker.CircuitBreaker {
		b = broker.NewCircuitBreakerBroker(b)
	}
	b = broker.NewLockedBroker(b)

	if err := b.Initialize(ctx, acct.Broker.TerminalPath); err != nil {
		return nil, fmt.Errorf("initialize terminal: %w", err)
	}
	if err := b.Login(ctx, acct.Broker.Login, acct.Broker.Password, acct.Broker.Server); err != nil {
		return nil, fmt.Errorf("login %d: %w", acct.Broker.Login, err)
	}

	summary, err := b.AccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	logger.Infof("Connected to terminal %d on %s, balance %.2f", acct.Broker.Login, acct.Broker.Server, summary.Balance)

	login := &models.Login{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Login:     acct.Broker.Login,
		Server:    acct.Broker.Server,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveLogin(login); err != nil {
		logger.WithError(err).Warn("Failed to record terminal login")
	}

	return b, nil
}

// buildMockBroker replaces the bridge with an in-memory terminal fed by
// synthetic prices for every symbol the account's bots trade.
func (a *App) buildMockBroker(ctx context.Context, acct config.AccountConfig, logger *logrus.Logger) (broker.Broker, *mock.Feeder, error) {
	mb := broker.NewMockBroker()
	mb.SetAccount(broker.AccountSummary{Login: acct.Broker.Login, Balance: 10000, Equity: 10000, FreeMargin: 10000})

	bots, err := a.client.AccountBots(ctx, acct.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bots: %w", err)
	}

	feeder := mock.NewFeeder(mb, a.config.TickInterval(), logger, mockPaths(bots)...)
	return mb, feeder, nil
}

// mockPaths builds one synthetic path per distinct traded symbol, with a
// fallback symbol when the account has no bots yet.
func mockPaths(bots []models.Bot) []mock.PathConfig {
	seen := make(map[string]struct{})
	var paths []mock.PathConfig
	for _, bot := range bots {
		if bot.Symbol == "" {
			continue
		}
		if _, ok := seen[bot.Symbol]; ok {
			continue
		}
		seen[bot.Symbol] = struct{}{}
		paths = append(paths, mock.DefaultPath(bot.Symbol))
	}
	if len(paths) == 0 {
		paths = append(paths, mock.DefaultPath("EURUSD"))
	}
	return paths
}

// supervisorConfig maps the flat trading config onto the supervisor knobs.
func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		MetricsInterval: cfg.MetricsInterval(),
		EventInterval:   cfg.TickInterval(),
		SymbolInterval:  cfg.MetricsInterval(),
		TokenMaxAge:     cfg.TokenRefresh(),
		TickInterval:    cfg.TickInterval(),
		ProcessedCap:    cfg.Trading.ProcessedCap,
		PruneEvery:      cfg.Trading.PruneEvery,
		Reconcile: reconcile.Config{
			SyncDelay:  cfg.SyncDelay(),
			ErrorSleep: cfg.ErrorSleep(),
		},
	}
}

func buildLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger, nil
}

// openStore opens the local store: the sqlite file path or the postgres DSN,
// depending on the configured driver.
func openStore(cfg config.StorageConfig) (*storage.GormStore, error) {
	dsn := cfg.DSN
	if cfg.Driver == storage.DriverSQLite {
		dsn = cfg.Path
	}
	return storage.Open(cfg.Driver, dsn)
}
