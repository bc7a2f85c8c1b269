// Package stream maintains a websocket feed of real-time quotes and pushes
// them into the market data cache. The connection authorizes with a
// short-lived streamer token from the REST API and reconnects on failure
// using the shared backoff ladder.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/models"
)

// QuoteSink receives quotes as they arrive on the feed.
type QuoteSink interface {
	ApplyStreamQuote(q models.Quote)
}

// TokenSource provides streaming authorization. The REST broker satisfies
// this with its quote-token endpoint.
type TokenSource interface {
	GetQuoteStreamerToken(ctx context.Context) (*broker.QuoteStreamerToken, error)
}

// Config contains configuration for the quote streamer.
type Config struct {
	// KeepaliveInterval is how often a keepalive frame is written. The
	// server drops quiet connections after about a minute.
	KeepaliveInterval time.Duration
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// Backoff drives the reconnect schedule.
	Backoff failsafe.Backoff
}

// DefaultConfig is the default streamer configuration.
var DefaultConfig = Config{
	KeepaliveInterval: 30 * time.Second,
	DialTimeout:       10 * time.Second,
	Backoff:           failsafe.DefaultBackoff,
}

// Streamer holds a quote feed connection and its subscription set.
type Streamer struct {
	tokens TokenSource
	sink   QuoteSink
	logger *log.Logger
	config Config

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	channel int
}

// wireMessage is the envelope every feed frame shares.
type wireMessage struct {
	Type    string          `json:"type"`
	Channel int             `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type setupMessage struct {
	Type                   string `json:"type"`
	Channel                int    `json:"channel"`
	Version                string `json:"version"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout"`
}

type authMessage struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
	Token   string `json:"token"`
}

type channelRequest struct {
	Type       string            `json:"type"`
	Channel    int               `json:"channel"`
	Service    string            `json:"service"`
	Parameters map[string]string `json:"parameters"`
}

type feedSetup struct {
	Type             string `json:"type"`
	Channel          int    `json:"channel"`
	AcceptDataFormat string `json:"acceptDataFormat"`
}

type subscriptionEntry struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type feedSubscription struct {
	Type    string              `json:"type"`
	Channel int                 `json:"channel"`
	Add     []subscriptionEntry `json:"add,omitempty"`
	Remove  []subscriptionEntry `json:"remove,omitempty"`
}

// feedQuote is one Quote event in FULL data format.
type feedQuote struct {
	EventType   string  `json:"eventType"`
	EventSymbol string  `json:"eventSymbol"`
	BidPrice    float64 `json:"bidPrice"`
	AskPrice    float64 `json:"askPrice"`
	LastPrice   float64 `json:"price"`
	DayVolume   float64 `json:"dayVolume"`
}

// NewStreamer creates a quote streamer feeding sink.
func NewStreamer(tokens TokenSource, sink QuoteSink, logger *log.Logger, config ...Config) *Streamer {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultConfig.KeepaliveInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig.DialTimeout
	}
	if len(cfg.Backoff.Ladder) == 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if logger == nil {
		logger = log.New(os.Stderr, "stream: ", log.LstdFlags)
	}
	return &Streamer{
		tokens:  tokens,
		sink:    sink,
		logger:  logger,
		config:  cfg,
		symbols: make(map[string]struct{}),
		channel: 1,
	}
}

// Subscribe adds wire symbols to the subscription set. When the feed is
// connected the subscription is pushed immediately; otherwise it takes
// effect on the next (re)connect.
func (s *Streamer) Subscribe(symbols ...string) error {
	s.mu.Lock()
	var added []subscriptionEntry
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, ok := s.symbols[sym]; ok {
			continue
		}
		s.symbols[sym] = struct{}{}
		added = append(added, subscriptionEntry{Type: "Quote", Symbol: sym})
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.writeJSON(feedSubscription{
		Type: "FEED_SUBSCRIPTION", Channel: s.channel, Add: added,
	})
}

// Unsubscribe removes wire symbols from the subscription set.
func (s *Streamer) Unsubscribe(symbols ...string) error {
	s.mu.Lock()
	var removed []subscriptionEntry
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			continue
		}
		delete(s.symbols, sym)
		removed = append(removed, subscriptionEntry{Type: "Quote", Symbol: sym})
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return s.writeJSON(feedSubscription{
		Type: "FEED_SUBSCRIPTION", Channel: s.channel, Remove: removed,
	})
}

// Run connects and pumps quotes until ctx is cancelled, reconnecting on
// failure with the backoff ladder. Each successful session resets the
// ladder.
func (s *Streamer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionStart := time.Now()
		err := s.session(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(sessionStart) > time.Minute {
			attempt = 0
		}
		delay := s.config.Backoff.Delay(attempt)
		attempt++
		s.logger.Printf("feed session ended, reconnecting in %v: %v", delay, err)
		if serr := failsafe.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// session runs a single connect-auth-subscribe-pump cycle.
func (s *Streamer) session(ctx context.Context) error {
	token, err := s.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("fetching streamer token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, token.DXLinkURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", token.DXLinkURL, err)
	}
	defer conn.Close()

	if err := s.handshake(conn, token.Token); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	entries := make([]subscriptionEntry, 0, len(s.symbols))
	for sym := range s.symbols {
		entries = append(entries, subscriptionEntry{Type: "Quote", Symbol: sym})
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if len(entries) > 0 {
		if err := s.writeJSON(feedSubscription{
			Type: "FEED_SUBSCRIPTION", Channel: s.channel, Add: entries,
		}); err != nil {
			return fmt.Errorf("pushing subscriptions: %w", err)
		}
	}
	s.logger.Printf("feed connected, %d symbols subscribed", len(entries))

	errCh := make(chan error, 1)
	go func() { errCh <- s.pump(conn) }()

	keepalive := time.NewTicker(s.config.KeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-errCh:
			return err
		case <-keepalive.C:
			if err := s.writeJSON(wireMessage{Type: "KEEPALIVE", Channel: 0}); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

// handshake performs the SETUP / AUTH / CHANNEL_REQUEST / FEED_SETUP
// sequence on a fresh connection.
func (s *Streamer) handshake(conn *websocket.Conn, token string) error {
	steps := []any{
		setupMessage{
			Type: "SETUP", Channel: 0, Version: "0.1",
			KeepaliveTimeout: 60, AcceptKeepaliveTimeout: 60,
		},
		authMessage{Type: "AUTH", Channel: 0, Token: token},
		channelRequest{
			Type: "CHANNEL_REQUEST", Channel: s.channel, Service: "FEED",
			Parameters: map[string]string{"contract": "AUTO"},
		},
		feedSetup{Type: "FEED_SETUP", Channel: s.channel, AcceptDataFormat: "FULL"},
	}
	for _, msg := range steps {
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("feed handshake: %w", err)
		}
	}

	// Wait for the channel grant before declaring the session usable.
	deadline := time.Now().Add(s.config.DialTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("feed handshake read: %w", err)
		}
		switch msg.Type {
		case "ERROR":
			return &failsafe.AuthError{Reason: fmt.Sprintf("feed handshake rejected: %s", msg.Data)}
		case "CHANNEL_OPENED":
			return nil
		}
	}
}

// pump reads frames until the connection breaks, forwarding quote events to
// the sink.
func (s *Streamer) pump(conn *websocket.Conn) error {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case "FEED_DATA":
			s.handleFeedData(msg.Data)
		case "KEEPALIVE":
			// Server-side heartbeat, nothing to do.
		case "ERROR":
			s.logger.Printf("feed error frame: %s", msg.Data)
		}
	}
}

// handleFeedData forwards each Quote event to the sink. Unknown event types
// in the batch are skipped.
func (s *Streamer) handleFeedData(raw json.RawMessage) {
	var events []feedQuote
	if err := json.Unmarshal(raw, &events); err != nil {
		s.logger.Printf("unparseable feed data: %v", err)
		return
	}
	now := time.Now()
	for _, ev := range events {
		if ev.EventType != "" && ev.EventType != "Quote" {
			continue
		}
		if ev.EventSymbol == "" {
			continue
		}
		q := models.Quote{
			Symbol:    ev.EventSymbol,
			Bid:       ev.BidPrice,
			Ask:       ev.AskPrice,
			Last:      ev.LastPrice,
			Volume:    int64(ev.DayVolume),
			Timestamp: now,
		}
		if q.Last == 0 && q.HasSpread() {
			q.Last = q.Mid()
		}
		s.sink.ApplyStreamQuote(q)
	}
}

func (s *Streamer) fetchToken(ctx context.Context) (*broker.QuoteStreamerToken, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	return s.tokens.GetQuoteStreamerToken(callCtx)
}

func (s *Streamer) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return s.conn.WriteJSON(v)
}
