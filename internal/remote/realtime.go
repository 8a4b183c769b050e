package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	eventBufferSize  = 64
)

// Subscription is the realtime feed of event records for one account. It is
// an optimization over event polling: the poll loop still runs, the feed
// just wakes it early. Events arriving here carry the same ids the list API
// returns, so the processed-set dedupes the two paths.
type Subscription struct {
	url     string
	filter  string
	token   func() string
	logger  *logrus.Entry
	eventCh chan models.Event

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewSubscription builds a feed against the store's realtime endpoint.
// token is read at each connect so reconnects pick up refreshed tokens.
func NewSubscription(baseURL, accountID string, token func() string, logger *logrus.Logger) (*Subscription, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/realtime"

	return &Subscription{
		url:     u.String(),
		filter:  fmt.Sprintf("account = '%s'", accountID),
		token:   token,
		logger:  logger.WithField("component", "events_feed"),
		eventCh: make(chan models.Event, eventBufferSize),
	}, nil
}

// Events returns a read-only channel of incoming event records.
func (s *Subscription) Events() <-chan models.Event { return s.eventCh }

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled.
func (s *Subscription) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.WithError(err).WithField("backoff", backoff).Warn("events feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Subscription) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeJSON(subscribeMsg{
		Action:     "subscribe",
		Collection: collectionEvents,
		Filter:     s.filter,
		Token:      s.token(),
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)

	// Unblock the read loop promptly when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go s.pingLoop(done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatchMessage(msg)
	}
}

type subscribeMsg struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	Filter     string `json:"filter,omitempty"`
	Token      string `json:"token,omitempty"`
}

type realtimeEnvelope struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// dispatchMessage peeks the envelope and forwards created event records.
// Update and delete notifications are ignored; the poll loop sees those.
func (s *Subscription) dispatchMessage(msg []byte) {
	var env realtimeEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.WithError(err).Debug("unparsable realtime message")
		return
	}
	if env.Action != "create" || len(env.Record) == 0 {
		return
	}

	var rec Record
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		s.logger.WithError(err).Warn("unparsable event record")
		return
	}
	evt, err := eventFromRecord(&rec)
	if err != nil {
		s.logger.WithError(err).WithField("event", rec.ID).Warn("skipping undecodable event")
		return
	}

	select {
	case s.eventCh <- evt:
	default:
		s.logger.WithField("event", evt.ID).Warn("event channel full, dropping")
	}
}

func (s *Subscription) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

func (s *Subscription) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Subscription) writeMessage(messageType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}
