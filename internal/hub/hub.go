// Package hub owns the bounded message streams connecting detection,
// dispatch, inventory and safety.
//
// Overflow policy differs per stream: market updates drop the oldest entry
// when full (a newer book supersedes an older one), trade and passive
// signals coalesce per symbol (last writer wins), and transaction results
// block rather than drop — losing an execution outcome would blind the
// safety monitor.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"crossarb/pkg/types"
)

const (
	marketUpdateBuffer = 256
	transactionBuffer  = 64
)

// Hub wires the engine's internal streams together.
type Hub struct {
	logger *slog.Logger

	MarketUpdates  *UpdateStream
	TradeSignals   *SignalQueue
	PassiveSignals *SignalQueue
	Transactions   chan types.Transaction
}

// New creates a hub with all streams at their default bounds.
func New(logger *slog.Logger) *Hub {
	l := logger.With("component", "hub")
	return &Hub{
		logger:         l,
		MarketUpdates:  newUpdateStream(l),
		TradeSignals:   NewSignalQueue(),
		PassiveSignals: NewSignalQueue(),
		Transactions:   make(chan types.Transaction, transactionBuffer),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market update stream (drop-oldest)
// ————————————————————————————————————————————————————————————————————————

// UpdateStream is a bounded market-update channel. When full, the oldest
// pending update is dropped to make room: book snapshots are superseding,
// so the freshest one always gets through.
type UpdateStream struct {
	logger *slog.Logger
	ch     chan types.MarketUpdate
}

func newUpdateStream(logger *slog.Logger) *UpdateStream {
	return &UpdateStream{
		logger: logger,
		ch:     make(chan types.MarketUpdate, marketUpdateBuffer),
	}
}

// Publish enqueues an update, evicting the oldest pending one if the
// buffer is full. Never blocks.
func (s *UpdateStream) Publish(u types.MarketUpdate) {
	select {
	case s.ch <- u:
		return
	default:
	}
	// Full: evict one, then retry once. A concurrent reader may have
	// drained in between, so the retry can still fail harmlessly.
	select {
	case old := <-s.ch:
		s.logger.Warn("market update stream full, dropping oldest",
			"venue", old.Venue, "symbol", old.Symbol)
	default:
	}
	select {
	case s.ch <- u:
	default:
		s.logger.Warn("market update dropped", "venue", u.Venue, "symbol", u.Symbol)
	}
}

// Recv exposes the receive side for the detection loop.
func (s *UpdateStream) Recv() <-chan types.MarketUpdate {
	return s.ch
}

// ————————————————————————————————————————————————————————————————————————
// Signal queue (per-symbol coalescing)
// ————————————————————————————————————————————————————————————————————————

// SignalQueue holds at most one pending opportunity per symbol. Pushing for
// a symbol that already has a pending signal replaces it; symbols are
// delivered in the order they first became pending. This keeps dispatch
// working on the freshest view of each market without backlog under bursts.
type SignalQueue struct {
	mu      sync.Mutex
	pending map[string]types.Opportunity
	order   []string
	wake    chan struct{}
	closed  bool
}

// NewSignalQueue creates an empty coalescing queue.
func NewSignalQueue() *SignalQueue {
	return &SignalQueue{
		pending: make(map[string]types.Opportunity),
		wake:    make(chan struct{}, 1),
	}
}

// Push enqueues or replaces the pending signal for opp.Symbol. Never blocks.
func (q *SignalQueue) Push(opp types.Opportunity) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, exists := q.pending[opp.Symbol]; !exists {
		q.order = append(q.order, opp.Symbol)
	}
	q.pending[opp.Symbol] = opp
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop blocks until a signal is available or ctx is cancelled.
func (q *SignalQueue) Pop(ctx context.Context) (types.Opportunity, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			symbol := q.order[0]
			q.order = q.order[1:]
			opp := q.pending[symbol]
			delete(q.pending, symbol)
			q.mu.Unlock()
			return opp, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return types.Opportunity{}, false
		}

		select {
		case <-ctx.Done():
			return types.Opportunity{}, false
		case <-q.wake:
		}
	}
}

// Len returns the number of distinct symbols with a pending signal.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Close wakes any blocked Pop and rejects further pushes.
func (q *SignalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
