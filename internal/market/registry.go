// Package market maintains the engine's local view of venue order books.
//
// Registry holds the latest snapshot per (venue, symbol). Writes are
// push-driven by the venue feeds; each accepted write publishes the updated
// symbol onto the market update stream so detection can recompute. Crossed
// snapshots (best bid >= best ask) are rejected on intake, and snapshots
// older than the staleness window are treated as absent on read.
package market

import (
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

type bookKey struct {
	venue  string
	symbol string
}

// Registry is the per-(venue,symbol) order book store. Each key has one
// writer (the owning venue feed); readers get consistent copies.
type Registry struct {
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	updates *hub.UpdateStream
	maxAge  time.Duration

	mu    sync.RWMutex
	books map[bookKey]*types.OrderBook
}

// NewRegistry creates an empty registry. maxAge is the staleness window:
// books older than it are invisible to readers.
func NewRegistry(maxAge time.Duration, updates *hub.UpdateStream, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		clock:   clk,
		metrics: m,
		updates: updates,
		maxAge:  maxAge,
		books:   make(map[bookKey]*types.OrderBook),
	}
}

// Apply installs a fresh snapshot and publishes the symbol on the update
// stream. Crossed books are rejected: the counter is bumped, the previous
// snapshot (if any) stays in place, and no update is published.
func (r *Registry) Apply(book types.OrderBook) bool {
	if book.Crossed() {
		r.metrics.CrossedBooksRejected.Inc()
		r.logger.Warn("crossed book rejected", "venue", book.Venue, "symbol", book.Symbol)
		return false
	}
	if book.LastUpdate.IsZero() {
		book.LastUpdate = r.clock.Now()
	}

	key := bookKey{venue: book.Venue, symbol: book.Symbol}
	r.mu.Lock()
	r.books[key] = &book
	r.mu.Unlock()

	r.metrics.BookUpdates.WithLabelValues(book.Venue).Inc()
	r.updates.Publish(types.MarketUpdate{Venue: book.Venue, Symbol: book.Symbol})
	return true
}

// Get returns a copy of the current snapshot for (venue, symbol), or false
// when none exists or the stored one is stale.
func (r *Registry) Get(venue, symbol string) (types.OrderBook, bool) {
	r.mu.RLock()
	book, ok := r.books[bookKey{venue: venue, symbol: symbol}]
	r.mu.RUnlock()
	if !ok || book.IsStale(r.maxAge, r.clock.Now()) {
		return types.OrderBook{}, false
	}
	return copyBook(book), true
}

// BySymbol returns fresh snapshots of symbol's book on every venue that has
// one. The map is keyed by venue name.
func (r *Registry) BySymbol(symbol string) map[string]types.OrderBook {
	now := r.clock.Now()
	out := make(map[string]types.OrderBook)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, book := range r.books {
		if key.symbol != symbol || book.IsStale(r.maxAge, now) {
			continue
		}
		out[key.venue] = copyBook(book)
	}
	return out
}

// Symbols returns the distinct symbols currently tracked, fresh or stale.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for key := range r.books {
		if !seen[key.symbol] {
			seen[key.symbol] = true
			out = append(out, key.symbol)
		}
	}
	return out
}

// copyBook clones levels so callers can never mutate the stored snapshot.
func copyBook(b *types.OrderBook) types.OrderBook {
	out := *b
	out.Bids = make([]types.PriceLevel, len(b.Bids))
	copy(out.Bids, b.Bids)
	out.Asks = make([]types.PriceLevel, len(b.Asks))
	copy(out.Asks, b.Asks)
	return out
}
