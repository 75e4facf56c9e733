// feed.go implements the WebSocket order book feed for REST venues.
//
// The feed subscribes to depth updates for the configured symbols, converts
// each snapshot into an OrderBook and applies it to the registry. It
// auto-reconnects with jittered exponential backoff (1s → 30s max) and re-subscribes
// to all tracked symbols on reconnection. A read deadline (90s) ensures
// silent server failures are detected within ~2 missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/clock"
	"crossarb/internal/market"
	"crossarb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// StatusFunc receives per-venue connectivity transitions.
type StatusFunc func(types.ConnectionStatus)

// Feed maintains one venue's depth stream and mirrors it into the registry.
type Feed struct {
	venue    string
	url      string
	registry *market.Registry
	clock    clock.Clock
	rand     clock.RandomSource
	onStatus StatusFunc
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool
}

// NewFeed creates a feed for the venue's WS endpoint. rnd drives the
// reconnect jitter; onStatus may be nil.
func NewFeed(venueID, wsURL string, registry *market.Registry, clk clock.Clock, rnd clock.RandomSource, onStatus StatusFunc, logger *slog.Logger) *Feed {
	return &Feed{
		venue:      venueID,
		url:        wsURL,
		registry:   registry,
		clock:      clk,
		rand:       rnd,
		onStatus:   onStatus,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "feed", "venue", venueID),
	}
}

// Subscribe adds symbols to the depth subscription. Safe to call before
// Run: the initial subscription on connect covers everything recorded here.
func (f *Feed) Subscribe(symbols []string) {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	if err := f.writeJSON(subscribeMsg{Op: "subscribe", Symbols: symbols}); err != nil {
		f.logger.Debug("subscribe deferred until connect", "error", err)
	}
}

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		f.emitStatus(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterBackoff(backoff, f.rand.Float64())):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// jitterBackoff stretches the base delay by up to 25% so feeds that lost
// their upstream together do not reconnect in lockstep.
func jitterBackoff(base time.Duration, r float64) time.Duration {
	return base + time.Duration(r*0.25*float64(base))
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type subscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

type depthMsg struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected")
	f.emitStatus(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Op: "subscribe", Symbols: symbols})
}

func (f *Feed) dispatchMessage(data []byte) {
	var msg depthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json message", "data", string(data))
		return
	}
	if msg.Type != "depth" || msg.Symbol == "" {
		f.logger.Debug("ignoring event", "type", msg.Type)
		return
	}

	book := types.OrderBook{
		Venue:      f.venue,
		Symbol:     msg.Symbol,
		LastUpdate: f.clock.Now(),
	}
	var ok bool
	if book.Bids, ok = parseLevels(msg.Bids); !ok {
		f.logger.Error("malformed bids", "symbol", msg.Symbol)
		return
	}
	if book.Asks, ok = parseLevels(msg.Asks); !ok {
		f.logger.Error("malformed asks", "symbol", msg.Symbol)
		return
	}

	f.registry.Apply(book)
}

func (f *Feed) emitStatus(connected bool) {
	if f.onStatus == nil {
		return
	}
	f.onStatus(types.ConnectionStatus{
		Venue:     f.venue,
		Connected: connected,
		Timestamp: f.clock.Now(),
	})
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
