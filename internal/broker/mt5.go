// Package broker provides the gateway to an MT5 bridge terminal.
// It includes the HTTP bridge client used by grid-cycle trading strategies.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

const (
	defaultBridgeTimeout = 10 * time.Second

	// maxCommentLength is the terminal-side limit for order comments.
	maxCommentLength = 30

	// retcodeDone is the bridge's normalized success retcode.
	retcodeDone = "done"
)

// APIError represents a bridge HTTP error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Status, e.Body)
}

// MT5Client talks to one terminal through its local HTTP bridge. All calls
// are synchronous and return typed results.
type MT5Client struct {
	http    *resty.Client
	baseURL string
}

// Ensure MT5Client implements Broker at compile time.
var _ Broker = (*MT5Client)(nil)

// NewMT5Client creates a bridge client with default settings.
func NewMT5Client(baseURL string) *MT5Client {
	return NewMT5ClientWithTimeout(baseURL, defaultBridgeTimeout)
}

// NewMT5ClientWithTimeout creates a bridge client with a custom request timeout.
func NewMT5ClientWithTimeout(baseURL string, timeout time.Duration) *MT5Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bot-app/1.0 (+mt5-bridge)").
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &MT5Client{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WithHTTPClient swaps the underlying HTTP client, keeping the bridge settings.
func (m *MT5Client) WithHTTPClient(hc *http.Client) *MT5Client {
	base := m.http.BaseURL
	m.http = resty.NewWithClient(hc).
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bot-app/1.0 (+mt5-bridge)")
	return m
}

// bridgeAck is the envelope every bridge response carries.
type bridgeAck struct {
	Retcode string `json:"retcode"`
	Message string `json:"message"`
}

type accountResponse struct {
	bridgeAck
	Account AccountSummary `json:"account"`
}

type symbolResponse struct {
	bridgeAck
	Symbol SymbolQuote `json:"symbol"`
}

type tickResponse struct {
	bridgeAck
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

type tradeResponse struct {
	bridgeAck
	Positions []Position     `json:"positions"`
	Orders    []PendingOrder `json:"orders"`
}

type closeResponse struct {
	bridgeAck
	Result CloseResult `json:"result"`
}

type positionResponse struct {
	bridgeAck
	Position Position `json:"position"`
}

type orderResponse struct {
	bridgeAck
	Order PendingOrder `json:"order"`
}

type positionsResponse struct {
	bridgeAck
	Positions []Position `json:"positions"`
}

type ordersResponse struct {
	bridgeAck
	Orders []PendingOrder `json:"orders"`
}

type historyResponse struct {
	bridgeAck
	Found bool `json:"found"`
}

type candlesResponse struct {
	bridgeAck
	Candles []Candle `json:"candles"`
}

func (m *MT5Client) get(ctx context.Context, endpoint string, query map[string]string, out interface{}) error {
	req := m.http.R().SetContext(ctx).SetResult(out)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(endpoint)
	if err != nil {
		return err
	}
	return checkHTTPStatus(resp, endpoint)
}

func (m *MT5Client) post(ctx context.Context, endpoint string, body, out interface{}) error {
	resp, err := m.http.R().SetContext(ctx).SetBody(body).SetResult(out).Post(endpoint)
	if err != nil {
		return err
	}
	return checkHTTPStatus(resp, endpoint)
}

func (m *MT5Client) del(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := m.http.R().SetContext(ctx).SetResult(out).Delete(endpoint)
	if err != nil {
		return err
	}
	return checkHTTPStatus(resp, endpoint)
}

func checkHTTPStatus(resp *resty.Response, endpoint string) error {
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: fmt.Sprintf("%s -> %s", endpoint, resp.String())}
	}
	return nil
}

// checkRetcode converts a non-done retcode into a rejection error.
func checkRetcode(ack bridgeAck, op string) error {
	if strings.EqualFold(ack.Retcode, retcodeDone) {
		return nil
	}
	msg := ack.Message
	if msg == "" {
		msg = ack.Retcode
	}
	return fmt.Errorf("%s: %w: %s", op, ErrRejected, msg)
}

// isNotFound reports whether the bridge answered 404 for a lookup.
func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// truncateComment enforces the terminal's comment length limit.
func truncateComment(comment string) string {
	if len(comment) > maxCommentLength {
		return comment[:maxCommentLength]
	}
	return comment
}

// Initialize attaches the bridge to the terminal installation at path.
func (m *MT5Client) Initialize(ctx context.Context, path string) error {
	var ack bridgeAck
	body := map[string]string{"path": path}
	if err := m.post(ctx, "/api/session/initialize", body, &ack); err != nil {
		return fmt.Errorf("initialize terminal: %w", err)
	}
	if !strings.EqualFold(ack.Retcode, retcodeDone) {
		return fmt.Errorf("initialize terminal: %w: %s", ErrNotConnected, ack.Message)
	}
	return nil
}

// Login authenticates the trading account on the attached terminal.
func (m *MT5Client) Login(ctx context.Context, login int64, password, server string) error {
	var ack bridgeAck
	body := map[string]interface{}{
		"login":    login,
		"password": password,
		"server":   server,
	}
	if err := m.post(ctx, "/api/session/login", body, &ack); err != nil {
		return fmt.Errorf("login %d: %w", login, err)
	}
	if !strings.EqualFold(ack.Retcode, retcodeDone) {
		return fmt.Errorf("login %d: %w: %s", login, ErrNotConnected, ack.Message)
	}
	return nil
}

// AccountInfo returns the terminal's account snapshot.
func (m *MT5Client) AccountInfo(ctx context.Context) (*AccountSummary, error) {
	var res accountResponse
	if err := m.get(ctx, "/api/account", nil, &res); err != nil {
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "account info"); err != nil {
		return nil, err
	}
	return &res.Account, nil
}

// SymbolInfo returns point size, digits, spread and the current quote.
func (m *MT5Client) SymbolInfo(ctx context.Context, symbol string) (*SymbolQuote, error) {
	var res symbolResponse
	if err := m.get(ctx, "/api/symbols/"+symbol, nil, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "symbol "+symbol); err != nil {
		return nil, err
	}
	if res.Symbol.Point <= 0 {
		return nil, fmt.Errorf("symbol %s: %w: zero point size", symbol, ErrSymbolUnavailable)
	}
	return &res.Symbol, nil
}

func (m *MT5Client) tick(ctx context.Context, symbol string) (*tickResponse, error) {
	var res tickResponse
	if err := m.get(ctx, "/api/symbols/"+symbol+"/tick", nil, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "tick "+symbol); err != nil {
		return nil, err
	}
	return &res, nil
}

// Bid returns the current bid price for the symbol.
func (m *MT5Client) Bid(ctx context.Context, symbol string) (float64, error) {
	res, err := m.tick(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return res.Bid, nil
}

// Ask returns the current ask price for the symbol.
func (m *MT5Client) Ask(ctx context.Context, symbol string) (float64, error) {
	res, err := m.tick(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return res.Ask, nil
}

type marketOrderBody struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Volume   float64 `json:"volume"`
	Magic    int64   `json:"magic"`
	StopLoss float64 `json:"sl"`
	Take     float64 `json:"tp"`
	Slippage int     `json:"slippage"`
	Comment  string  `json:"comment"`
}

type pendingOrderBody struct {
	Symbol   string  `json:"symbol"`
	Kind     string  `json:"kind"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`
	Magic    int64   `json:"magic"`
	StopLoss float64 `json:"sl"`
	Take     float64 `json:"tp"`
	Slippage int     `json:"slippage"`
	Comment  string  `json:"comment"`
}

// resolveStops converts POINTS or PIPS distances into absolute prices around
// the anchor. PRICE requests pass through untouched and zero means unset.
func resolveStops(side models.Direction, anchor, stop, take float64, kind SLTPKind, point float64, digits int) (sl, tp float64) {
	if kind == SLTPPrice || kind == "" {
		return stop, take
	}
	unit := point
	if kind == SLTPPips {
		unit = util.PipSize(point)
	}
	if stop != 0 {
		if side == models.DirectionBuy {
			sl = anchor - stop*unit
		} else {
			sl = anchor + stop*unit
		}
		sl = util.RoundPrice(sl, digits)
	}
	if take != 0 {
		if side == models.DirectionBuy {
			tp = anchor + take*unit
		} else {
			tp = anchor - take*unit
		}
		tp = util.RoundPrice(tp, digits)
	}
	return sl, tp
}

// Market submits a market order and returns the positions it opened.
func (m *MT5Client) Market(ctx context.Context, req MarketOrderRequest) ([]Position, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("market order: invalid side %q", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("market order: volume must be positive, got %v", req.Volume)
	}

	quote, err := m.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	anchor := quote.Ask
	if req.Side == models.DirectionSell {
		anchor = quote.Bid
	}
	sl, tp := resolveStops(req.Side, anchor, req.StopLoss, req.Take, req.Kind, quote.Point, quote.Digits)

	body := marketOrderBody{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Volume:   util.NormalizeLot(req.Volume),
		Magic:    req.Magic,
		StopLoss: sl,
		Take:     tp,
		Slippage: req.Slippage,
		Comment:  truncateComment(req.Comment),
	}
	var res tradeResponse
	if err := m.post(ctx, "/api/orders/market", body, &res); err != nil {
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "market "+string(req.Side)+" "+req.Symbol); err != nil {
		return nil, err
	}
	return res.Positions, nil
}

// Pending places a stop or limit order. The order type is derived from the
// requested price relative to the current market: a buy above the ask becomes
// a buy stop, below it a buy limit, and mirrored for sells against the bid.
func (m *MT5Client) Pending(ctx context.Context, req PendingOrderRequest) ([]PendingOrder, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("pending order: invalid side %q", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("pending order: volume must be positive, got %v", req.Volume)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("pending order: price must be positive, got %v", req.Price)
	}

	quote, err := m.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	kind := derivePendingKind(req.Side, req.Price, quote.Bid, quote.Ask)
	sl, tp := resolveStops(req.Side, req.Price, req.StopLoss, req.Take, req.Kind, quote.Point, quote.Digits)

	body := pendingOrderBody{
		Symbol:   req.Symbol,
		Kind:     string(kind),
		Price:    util.RoundPrice(req.Price, quote.Digits),
		Volume:   util.NormalizeLot(req.Volume),
		Magic:    req.Magic,
		StopLoss: sl,
		Take:     tp,
		Slippage: req.Slippage,
		Comment:  truncateComment(req.Comment),
	}
	var res tradeResponse
	if err := m.post(ctx, "/api/orders/pending", body, &res); err != nil {
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "pending "+string(kind)+" "+req.Symbol); err != nil {
		return nil, err
	}
	return res.Orders, nil
}

// ClosePosition closes the position by ticket at market.
func (m *MT5Client) ClosePosition(ctx context.Context, ticket uint64, slippage int) (*CloseResult, error) {
	var res closeResponse
	body := map[string]interface{}{"slippage": slippage}
	if err := m.post(ctx, fmt.Sprintf("/api/positions/%d/close", ticket), body, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("close position %d: %w", ticket, ErrTicketNotFound)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, fmt.Sprintf("close position %d", ticket)); err != nil {
		return nil, err
	}
	return &res.Result, nil
}

// CloseOrder deletes the working pending order by ticket.
func (m *MT5Client) CloseOrder(ctx context.Context, ticket uint64) (*CloseResult, error) {
	var res closeResponse
	if err := m.del(ctx, fmt.Sprintf("/api/orders/%d", ticket), &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("close order %d: %w", ticket, ErrTicketNotFound)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, fmt.Sprintf("close order %d", ticket)); err != nil {
		return nil, err
	}
	return &res.Result, nil
}

// PositionByTicket returns the live position with the given ticket.
func (m *MT5Client) PositionByTicket(ctx context.Context, ticket uint64) (*Position, error) {
	var res positionResponse
	if err := m.get(ctx, fmt.Sprintf("/api/positions/%d", ticket), nil, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("position %d: %w", ticket, ErrTicketNotFound)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, fmt.Sprintf("position %d", ticket)); err != nil {
		return nil, err
	}
	return &res.Position, nil
}

// OrderByTicket returns the working pending order with the given ticket.
func (m *MT5Client) OrderByTicket(ctx context.Context, ticket uint64) (*PendingOrder, error) {
	var res orderResponse
	if err := m.get(ctx, fmt.Sprintf("/api/orders/%d", ticket), nil, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("order %d: %w", ticket, ErrTicketNotFound)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, fmt.Sprintf("order %d", ticket)); err != nil {
		return nil, err
	}
	return &res.Order, nil
}

// AllPositions lists live positions, optionally filtered by symbol.
func (m *MT5Client) AllPositions(ctx context.Context, symbol string) ([]Position, error) {
	var res positionsResponse
	var query map[string]string
	if symbol != "" {
		query = map[string]string{"symbol": symbol}
	}
	if err := m.get(ctx, "/api/positions", query, &res); err != nil {
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "positions"); err != nil {
		return nil, err
	}
	return res.Positions, nil
}

// AllOrders lists working pending orders, optionally filtered by symbol.
func (m *MT5Client) AllOrders(ctx context.Context, symbol string) ([]PendingOrder, error) {
	var res ordersResponse
	var query map[string]string
	if symbol != "" {
		query = map[string]string{"symbol": symbol}
	}
	if err := m.get(ctx, "/api/orders", query, &res); err != nil {
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "orders"); err != nil {
		return nil, err
	}
	return res.Orders, nil
}

// CheckIsPending reports whether the ticket is still a working pending order.
func (m *MT5Client) CheckIsPending(ctx context.Context, ticket uint64) (bool, error) {
	_, err := m.OrderByTicket(ctx, ticket)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrTicketNotFound) {
		return false, nil
	}
	return false, err
}

// CheckIsClosed reports whether the ticket is closed: absent from both the
// live position and pending books and present in terminal history.
func (m *MT5Client) CheckIsClosed(ctx context.Context, ticket uint64) (bool, error) {
	if _, err := m.PositionByTicket(ctx, ticket); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrTicketNotFound) {
		return false, err
	}
	if _, err := m.OrderByTicket(ctx, ticket); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrTicketNotFound) {
		return false, err
	}

	var res historyResponse
	if err := m.get(ctx, fmt.Sprintf("/api/history/%d", ticket), nil, &res); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := checkRetcode(res.bridgeAck, fmt.Sprintf("history %d", ticket)); err != nil {
		return false, err
	}
	return res.Found, nil
}

// Candles returns up to count completed bars, oldest first.
func (m *MT5Client) Candles(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("candles %s: invalid timeframe %q", symbol, tf)
	}
	if count <= 0 {
		return nil, fmt.Errorf("candles %s: count must be positive, got %d", symbol, count)
	}
	var res candlesResponse
	query := map[string]string{
		"timeframe": string(tf),
		"count":     fmt.Sprintf("%d", count),
	}
	if err := m.get(ctx, "/api/symbols/"+symbol+"/candles", query, &res); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolUnavailable)
		}
		return nil, err
	}
	if err := checkRetcode(res.bridgeAck, "candles "+symbol); err != nil {
		return nil, err
	}
	return res.Candles, nil
}

// LastCandle returns the most recent completed bar.
func (m *MT5Client) LastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*Candle, error) {
	candles, err := m.Candles(ctx, symbol, tf, 1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles %s %s: no completed bars", symbol, tf)
	}
	last := candles[len(candles)-1]
	return &last, nil
}

// CandleDirection classifies the most recent completed bar.
func (m *MT5Client) CandleDirection(ctx context.Context, symbol string, tf models.Timeframe) (CandleDirection, error) {
	last, err := m.LastCandle(ctx, symbol, tf)
	if err != nil {
		return CandleFlat, err
	}
	return last.Direction(), nil
}
