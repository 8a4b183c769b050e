// Package supervisor runs one account end to end: a strategy loop per bot,
// the order reconciler, and the periodic tasks that mirror terminal state to
// the remote store and route user events back down to the loops.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/engine"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/orders"
	"github.com/dryousufmesalm/bot-app-sub002/internal/reconcile"
	"github.com/dryousufmesalm/bot-app-sub002/internal/remote"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/strategy"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// Store is the slice of the remote store client the supervisor drives.
// *remote.Client implements it.
type Store interface {
	strategy.Remote
	Account(ctx context.Context, id string) (*remote.Record, error)
	AccountBots(ctx context.Context, accountID string) ([]models.Bot, error)
	Bot(ctx context.Context, id string) (*models.Bot, error)
	ListEvents(ctx context.Context, accountID string) ([]models.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	UpdateAccountMetrics(ctx context.Context, accountID string, m remote.AccountMetrics) error
	EnsureSymbol(ctx context.Context, accountID, name string) (string, error)
	UpdateSymbolBid(ctx context.Context, symbolID string, bid float64) error
	RefreshToken(ctx context.Context) error
	TokenAge() time.Duration
}

// EventFeed wakes the event subscriber ahead of its next poll.
// *remote.Subscription implements it; a nil feed leaves polling as the only
// event source.
type EventFeed interface {
	Events() <-chan models.Event
	Run(ctx context.Context) error
}

// DefaultTokenMaxAge is how old the remote session token may grow before
// the refresher renews it.
const DefaultTokenMaxAge = 7 * 24 * time.Hour

// processedKeep bounds the event dedupe set; pruneEvery is how many
// subscriber iterations pass between prunes. Both are defaults the config
// may override.
const (
	processedKeep = 1000
	pruneEvery    = 100
)

// Config tunes one supervisor. Zero values take the production defaults.
type Config struct {
	// MetricsInterval paces the account metrics publisher. Default 1s.
	MetricsInterval time.Duration
	// EventInterval paces the event queue poll. Default 1s.
	EventInterval time.Duration
	// SymbolInterval paces the symbol bid publisher. Default 1s.
	SymbolInterval time.Duration
	// TokenMaxAge is the refresh threshold for the session token.
	// Default DefaultTokenMaxAge.
	TokenMaxAge time.Duration
	// TokenCheckInterval is how often the token age is examined. Default 1h.
	TokenCheckInterval time.Duration
	// TickInterval is handed to every strategy loop. Default 1s.
	TickInterval time.Duration
	// ProcessedCap bounds the event dedupe set. Default 1000.
	ProcessedCap int
	// PruneEvery is the subscriber iteration count between prunes.
	// Default 100.
	PruneEvery int
	// Reconcile tunes the order reconciler.
	Reconcile reconcile.Config
}

func (c *Config) applyDefaults() {
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Second
	}
	if c.EventInterval <= 0 {
		c.EventInterval = time.Second
	}
	if c.SymbolInterval <= 0 {
		c.SymbolInterval = time.Second
	}
	if c.TokenMaxAge <= 0 {
		c.TokenMaxAge = DefaultTokenMaxAge
	}
	if c.TokenCheckInterval <= 0 {
		c.TokenCheckInterval = time.Hour
	}
	if c.TickInterval <= 0 {
		c.TickInterval = strategy.DefaultTickInterval
	}
	if c.ProcessedCap <= 0 {
		c.ProcessedCap = processedKeep
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = pruneEvery
	}
}

// Supervisor owns one account's bots. Run starts a loop per bot plus the
// background tasks and blocks until the context ends or a task fails.
type Supervisor struct {
	broker     broker.Broker
	store      storage.Interface
	remote     Store
	reconciler *reconcile.Reconciler
	feed       EventFeed
	baseLogger *logrus.Logger
	logger     *logrus.Entry
	accountID  string
	config     Config

	group *errgroup.Group

	mu       sync.RWMutex
	loops    map[string]*strategy.Loop
	cancels  map[string]context.CancelFunc
	trackers map[models.StrategyKind]*orders.Tracker
	symbols  map[string]string

	processed      map[string]struct{}
	processedOrder []string
}

// New wires a supervisor for one account. The reconciler is built here so
// the caller only hands over the shared broker session and stores.
func New(b broker.Broker, store storage.Interface, remoteStore Store, accountID string, cfg Config, logger *logrus.Logger) *Supervisor {
	if b == nil {
		panic("supervisor.New: broker must not be nil")
	}
	if store == nil {
		panic("supervisor.New: storage must not be nil")
	}
	if remoteStore == nil {
		panic("supervisor.New: remote store must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()
	return &Supervisor{
		broker:     b,
		store:      store,
		remote:     remoteStore,
		reconciler: reconcile.New(b, store, accountID, cfg.Reconcile, logger),
		baseLogger: logger,
		logger:     logger.WithField("account", util.ShortID(accountID)),
		accountID:  accountID,
		config:     cfg,
		loops:      make(map[string]*strategy.Loop),
		cancels:    make(map[string]context.CancelFunc),
		trackers:   make(map[models.StrategyKind]*orders.Tracker),
		symbols:    make(map[string]string),
		processed:  make(map[string]struct{}),
	}
}

// AttachFeed hooks a realtime event feed. Call before Run.
func (s *Supervisor) AttachFeed(feed EventFeed) {
	s.feed = feed
}

// AccountID returns the supervised account's id.
func (s *Supervisor) AccountID() string { return s.accountID }

// AccountInfo reads the live account summary from the terminal, for the
// status API.
func (s *Supervisor) AccountInfo(ctx context.Context) (*broker.AccountSummary, error) {
	return s.broker.AccountInfo(ctx)
}

// Loops returns the running loops sorted by bot id, for the status API.
func (s *Supervisor) Loops() []*strategy.Loop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loops := make([]*strategy.Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].BotID() < loops[j].BotID() })
	return loops
}

// Run validates the account, starts every bot's loop and the background
// tasks, then blocks until the context ends or a task returns an error.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.remote.Account(ctx, s.accountID); err != nil {
		return fmt.Errorf("account %s: %w", s.accountID, err)
	}
	bots, err := s.remote.AccountBots(ctx, s.accountID)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	started := 0
	for i := range bots {
		if err := s.startBot(ctx, &bots[i]); err != nil {
			s.logger.WithError(err).Warnf("bot %s not started", util.ShortID(bots[i].ID))
			continue
		}
		started++
	}
	s.logger.Infof("supervising %d of %d bots", started, len(bots))

	g.Go(func() error { return s.reconciler.Run(ctx) })
	g.Go(func() error { return s.publishMetrics(ctx) })
	g.Go(func() error { return s.watchEvents(ctx) })
	g.Go(func() error { return s.refreshToken(ctx) })
	g.Go(func() error { return s.publishQuotes(ctx) })
	if s.feed != nil {
		g.Go(func() error { return s.runFeed(ctx) })
	}
	return g.Wait()
}

// startBot builds and launches the loop for one bot. The event subscriber
// also calls it for create_bot, so it must be safe after Run has started
// the group.
func (s *Supervisor) startBot(ctx context.Context, bot *models.Bot) error {
	if !bot.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", bot.Strategy)
	}
	if bot.Symbol == "" {
		return fmt.Errorf("bot %s has no symbol", bot.ID)
	}

	s.mu.Lock()
	if _, ok := s.loops[bot.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("bot %s already running", bot.ID)
	}
	tracker := s.trackerLocked(bot.Strategy)
	eng := engine.New(s.broker, s.store, tracker, bot, s.baseLogger)
	loop := strategy.NewLoop(eng, s.broker, s.store, s.remote, bot,
		strategy.Config{TickInterval: s.config.TickInterval}, s.baseLogger)
	loopCtx, cancel := context.WithCancel(ctx)
	s.loops[bot.ID] = loop
	s.cancels[bot.ID] = cancel
	s.mu.Unlock()

	s.group.Go(func() error {
		defer s.dropBot(loop.BotID())
		return loop.Run(loopCtx)
	})
	return nil
}

// trackerLocked returns the family's shared order tracker, building it on
// first use. Caller holds s.mu.
func (s *Supervisor) trackerLocked(family models.StrategyKind) *orders.Tracker {
	if tr, ok := s.trackers[family]; ok {
		return tr
	}
	trackerLog := log.New(s.baseLogger.Writer(), "", 0)
	tr := orders.NewTracker(s.broker, s.store, family, trackerLog)
	s.trackers[family] = tr
	return tr
}

func (s *Supervisor) dropBot(id string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	delete(s.loops, id)
	s.mu.Unlock()
}

func (s *Supervisor) loopFor(botID string) *strategy.Loop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loops[botID]
}

// runFeed keeps the realtime subscription alive. Cancellation is the clean
// way down, not an error.
func (s *Supervisor) runFeed(ctx context.Context) error {
	err := s.feed.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// publishMetrics mirrors the terminal account state to the remote record.
// Only changes go out: the record is patched when any of the 2 dp rounded
// values moved since the last push.
func (s *Supervisor) publishMetrics(ctx context.Context) error {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	var last *remote.AccountMetrics
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.broker.AccountInfo(ctx)
			if err != nil {
				s.logger.WithError(err).Debug("account info")
				continue
			}
			m := remote.AccountMetrics{
				Balance:    util.Round2(summary.Balance),
				Equity:     util.Round2(summary.Equity),
				Margin:     util.Round2(summary.Margin),
				FreeMargin: util.Round2(summary.FreeMargin),
				Profit:     util.Round2(summary.Profit),
			}
			if last != nil && m == *last {
				continue
			}
			if err := s.remote.UpdateAccountMetrics(ctx, s.accountID, m); err != nil {
				s.logger.WithError(err).Debug("push account metrics")
				continue
			}
			last = &m
		}
	}
}

// watchEvents is the command router: it polls the account's event queue and
// drains the realtime feed. Both paths run through the processed-set, so an
// event seen on both dispatches once.
func (s *Supervisor) watchEvents(ctx context.Context) error {
	ticker := time.NewTicker(s.config.EventInterval)
	defer ticker.Stop()

	var wake <-chan models.Event
	if s.feed != nil {
		wake = s.feed.Events()
	}

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-wake:
			s.handleEvent(ctx, &evt)
		case <-ticker.C:
			s.pollEvents(ctx)
			iterations++
			if iterations%s.config.PruneEvery == 0 {
				s.pruneProcessed()
			}
		}
	}
}

func (s *Supervisor) pollEvents(ctx context.Context) {
	events, err := s.remote.ListEvents(ctx, s.accountID)
	if err != nil {
		s.logger.WithError(err).Debug("list events")
		return
	}
	for i := range events {
		s.handleEvent(ctx, &events[i])
	}
}

// handleEvent applies one event at most once: the remote copy is deleted
// before dispatch, so a crash between the two drops the event rather than
// replaying it.
func (s *Supervisor) handleEvent(ctx context.Context, evt *models.Event) {
	if evt.ID == "" || s.seen(evt.ID) {
		return
	}
	if err := s.remote.DeleteEvent(ctx, evt.ID); err != nil {
		s.logger.WithError(err).Warnf("delete event %s, retrying next poll", util.ShortID(evt.ID))
		return
	}
	s.markProcessed(evt.ID)
	s.dispatchEvent(ctx, evt)
}

// dispatchEvent routes one event. Bot lifecycle events are handled here;
// everything else parses into a loop command for the target bot.
func (s *Supervisor) dispatchEvent(ctx context.Context, evt *models.Event) {
	log := s.logger.WithField("event", evt.Content.EventType)

	switch evt.Content.EventType {
	case "create_bot":
		s.handleCreateBot(ctx, log, evt)
		return
	case "update_bot":
		s.handleUpdateBot(ctx, log, evt)
		return
	case "delete_bot":
		s.handleDeleteBot(log, evt)
		return
	}

	cmd, err := strategy.ParseCommand(evt.Content)
	if err != nil {
		log.WithError(err).Warn("event dropped")
		return
	}
	loop := s.loopFor(evt.Bot)
	if loop == nil {
		log.Warnf("no loop for bot %s", util.ShortID(evt.Bot))
		return
	}
	if err := loop.Dispatch(ctx, cmd); err != nil {
		log.WithError(err).Warn("dispatch failed")
	}
}

// eventBotID resolves the bot an event addresses. Lifecycle events sent
// before the bot relation exists carry the id in the details instead.
func eventBotID(evt *models.Event) string {
	if evt.Bot != "" {
		return evt.Bot
	}
	return evt.Content.DetailString("bot_id")
}

func (s *Supervisor) handleCreateBot(ctx context.Context, log *logrus.Entry, evt *models.Event) {
	id := eventBotID(evt)
	if id == "" {
		log.Warn("create_bot without bot id")
		return
	}
	bot, err := s.remote.Bot(ctx, id)
	if err != nil {
		log.WithError(err).Warnf("fetch bot %s", util.ShortID(id))
		return
	}
	if err := s.startBot(ctx, bot); err != nil {
		log.WithError(err).Warn("start bot")
		return
	}
	log.Infof("bot %s started", util.ShortID(id))
}

// handleUpdateBot refetches the bot record and applies the live-updatable
// fields to its loop.
func (s *Supervisor) handleUpdateBot(ctx context.Context, log *logrus.Entry, evt *models.Event) {
	id := eventBotID(evt)
	loop := s.loopFor(id)
	if loop == nil {
		log.Warnf("no loop for bot %s", util.ShortID(id))
		return
	}
	bot, err := s.remote.Bot(ctx, id)
	if err != nil {
		log.WithError(err).Warnf("fetch bot %s", util.ShortID(id))
		return
	}
	loop.UpdateBot(bot)
}

// handleDeleteBot stops the bot's loop and drops its local rows. Other
// bots' cycles stay untouched.
func (s *Supervisor) handleDeleteBot(log *logrus.Entry, evt *models.Event) {
	id := eventBotID(evt)
	s.mu.RLock()
	loop, ok := s.loops[id]
	cancel := s.cancels[id]
	s.mu.RUnlock()
	if !ok {
		log.Warnf("no loop for bot %s", util.ShortID(id))
		return
	}
	if cancel != nil {
		cancel()
	}
	if err := s.store.DeleteBotData(loop.Family(), id); err != nil {
		log.WithError(err).Warn("delete bot data")
	}
	log.Infof("bot %s removed", util.ShortID(id))
}

func (s *Supervisor) seen(id string) bool {
	s.mu.RLock()
	_, ok := s.processed[id]
	s.mu.RUnlock()
	return ok
}

func (s *Supervisor) markProcessed(id string) {
	s.mu.Lock()
	if _, ok := s.processed[id]; !ok {
		s.processed[id] = struct{}{}
		s.processedOrder = append(s.processedOrder, id)
	}
	s.mu.Unlock()
}

// pruneProcessed trims the dedupe set to its newest ProcessedCap ids.
// Pruned ids were already deleted remotely, so the list API cannot return
// them again.
func (s *Supervisor) pruneProcessed() {
	s.mu.Lock()
	if excess := len(s.processedOrder) - s.config.ProcessedCap; excess > 0 {
		for _, id := range s.processedOrder[:excess] {
			delete(s.processed, id)
		}
		s.processedOrder = append([]string(nil), s.processedOrder[excess:]...)
	}
	s.mu.Unlock()
}

// refreshToken keeps the shared session token young. The age check runs on
// its own short interval because several supervisors may share one client
// and any of them may have refreshed already.
func (s *Supervisor) refreshToken(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TokenCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.remote.TokenAge() < s.config.TokenMaxAge {
				continue
			}
			if err := s.remote.RefreshToken(ctx); err != nil {
				s.logger.WithError(err).Warn("token refresh")
				continue
			}
			s.logger.Info("session token refreshed")
		}
	}
}

// publishQuotes mirrors each traded symbol's bid to its remote symbol
// record. Records are created on first sight; a symbol the terminal has no
// quote for yet is skipped without noise.
func (s *Supervisor) publishQuotes(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SymbolInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, symbol := range s.tradedSymbols() {
				s.publishQuote(ctx, symbol)
			}
		}
	}
}

func (s *Supervisor) tradedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.loops))
	symbols := make([]string, 0, len(s.loops))
	for _, loop := range s.loops {
		sym := loop.Symbol()
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *Supervisor) publishQuote(ctx context.Context, symbol string) {
	bid, err := s.broker.Bid(ctx, symbol)
	if err != nil || bid == 0 {
		return
	}
	id, err := s.symbolRecordID(ctx, symbol)
	if err != nil {
		s.logger.WithError(err).Debugf("ensure symbol %s", symbol)
		return
	}
	if err := s.remote.UpdateSymbolBid(ctx, id, bid); err != nil {
		s.logger.WithError(err).Debugf("push %s bid", symbol)
	}
}

// symbolRecordID caches the remote record id per symbol name.
func (s *Supervisor) symbolRecordID(ctx context.Context, symbol string) (string, error) {
	s.mu.RLock()
	id, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}
	id, err := s.remote.EnsureSymbol(ctx, s.accountID, symbol)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.symbols[symbol] = id
	s.mu.Unlock()
	return id, nil
}
