// Package dashboard serves a read-only JSON status API over the running
// supervisors: account metrics, bots and their open cycles.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/broker"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
	"github.com/dryousufmesalm/bot-app-sub002/internal/strategy"
)

// Source exposes one running account to the status API.
// *supervisor.Supervisor implements it.
type Source interface {
	AccountID() string
	Loops() []*strategy.Loop
	AccountInfo(ctx context.Context) (*broker.AccountSummary, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	sources   []Source
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// AccountView is one account row: terminal metrics plus local counts.
type AccountView struct {
	ID         string  `json:"id"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Profit     float64 `json:"profit"`
	Bots       int     `json:"bots"`
	OpenCycles int     `json:"open_cycles"`
}

// BotView is one strategy loop as seen from outside.
type BotView struct {
	ID         string `json:"id"`
	Strategy   string `json:"strategy"`
	Symbol     string `json:"symbol"`
	Stopped    bool   `json:"stopped"`
	OpenCycles int    `json:"open_cycles"`
}

// CycleView is the slim cycle representation the API returns.
type CycleView struct {
	ID                string    `json:"id"`
	BotID             string    `json:"bot"`
	Symbol            string    `json:"symbol"`
	Kind              string    `json:"cycle_type"`
	Direction         string    `json:"direction"`
	Status            string    `json:"status"`
	OpenPrice         float64   `json:"open_price"`
	TotalProfit       float64   `json:"total_profit"`
	TotalVolume       float64   `json:"total_volume"`
	ActiveOrders      int       `json:"active_orders"`
	PendingOrders     int       `json:"pending_orders"`
	DirectionSwitched bool      `json:"direction_switched"`
	CreatedAt         time.Time `json:"created_at"`
}

func NewServer(cfg Config, store storage.Interface, sources []Source, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		sources:   sources,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/accounts", s.handleGetAccounts)
	s.router.Get("/api/accounts/{id}/bots", s.handleGetBots)
	s.router.Get("/api/accounts/{id}/cycles", s.handleGetAccountCycles)
	s.router.Get("/api/bots/{id}/cycles", s.handleGetBotCycles)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.Header.Get("X-Auth-Token")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"accounts":  len(s.sources),
		"timestamp": time.Now().Unix(),
	}

	s.writeJSON(w, health)
}

func (s *Server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	views := make([]AccountView, 0, len(s.sources))
	for _, src := range s.sources {
		views = append(views, s.accountView(r.Context(), src))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	s.writeJSON(w, views)
}

func (s *Server) handleGetBots(w http.ResponseWriter, r *http.Request) {
	src := s.sourceByID(chi.URLParam(r, "id"))
	if src == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	loops := src.Loops()
	views := make([]BotView, 0, len(loops))
	for _, loop := range loops {
		views = append(views, BotView{
			ID:         loop.BotID(),
			Strategy:   string(loop.Family()),
			Symbol:     loop.Symbol(),
			Stopped:    loop.Stopped(),
			OpenCycles: len(s.openCycles(loop)),
		})
	}

	s.writeJSON(w, views)
}

func (s *Server) handleGetAccountCycles(w http.ResponseWriter, r *http.Request) {
	src := s.sourceByID(chi.URLParam(r, "id"))
	if src == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	views := make([]CycleView, 0)
	for _, loop := range src.Loops() {
		for _, c := range s.openCycles(loop) {
			views = append(views, convertCycleToView(&c))
		}
	}

	s.writeJSON(w, views)
}

func (s *Server) handleGetBotCycles(w http.ResponseWriter, r *http.Request) {
	loop := s.loopByBotID(chi.URLParam(r, "id"))
	if loop == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	cycles := s.openCycles(loop)
	views := make([]CycleView, 0, len(cycles))
	for _, c := range cycles {
		views = append(views, convertCycleToView(&c))
	}

	s.writeJSON(w, views)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) sourceByID(accountID string) Source {
	for _, src := range s.sources {
		if src.AccountID() == accountID {
			return src
		}
	}
	return nil
}

func (s *Server) loopByBotID(botID string) *strategy.Loop {
	for _, src := range s.sources {
		for _, loop := range src.Loops() {
			if loop.BotID() == botID {
				return loop
			}
		}
	}
	return nil
}

func (s *Server) accountView(ctx context.Context, src Source) AccountView {
	view := AccountView{ID: src.AccountID()}

	summary, err := src.AccountInfo(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to get account summary")
	} else {
		view.Balance = summary.Balance
		view.Equity = summary.Equity
		view.Margin = summary.Margin
		view.FreeMargin = summary.FreeMargin
		view.Profit = summary.Profit
	}

	loops := src.Loops()
	view.Bots = len(loops)
	for _, loop := range loops {
		view.OpenCycles += len(s.openCycles(loop))
	}

	return view
}

// openCycles reads the loop's open cycles from the local store. A read
// failure reports as zero cycles rather than failing the whole response.
func (s *Server) openCycles(loop *strategy.Loop) []models.Cycle {
	cycles, err := s.storage.OpenCycles(loop.Family(), loop.BotID())
	if err != nil {
		s.logger.WithError(err).Error("Failed to get open cycles")
		return nil
	}
	return cycles
}

func convertCycleToView(c *models.Cycle) CycleView {
	return CycleView{
		ID:                c.ID,
		BotID:             c.BotID,
		Symbol:            c.Symbol,
		Kind:              string(c.Kind),
		Direction:         string(c.CurrentDirection),
		Status:            string(c.Status),
		OpenPrice:         c.OpenPrice,
		TotalProfit:       c.TotalProfit,
		TotalVolume:       c.TotalVolume,
		ActiveOrders:      len(c.ActiveTickets()),
		PendingOrders:     len(c.Pending),
		DirectionSwitched: c.DirectionSwitched,
		CreatedAt:         c.CreatedAt,
	}
}
