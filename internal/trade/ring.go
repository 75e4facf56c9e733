// Package trade owns the execution side of the engine: the dispatcher gate
// chain, the two-leg executor, and the in-memory record of completed
// transactions.
package trade

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

const defaultRingCapacity = 512

// Ring is a bounded, newest-last transaction buffer. The executor is its
// only writer; the safety monitor and the state endpoint read it.
type Ring struct {
	mu       sync.RWMutex
	buf      []types.Transaction
	capacity int
}

// NewRing creates a ring holding up to capacity transactions (512 when
// capacity is not positive).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{
		buf:      make([]types.Transaction, 0, capacity),
		capacity: capacity,
	}
}

// Append records a transaction, evicting the oldest when full.
func (r *Ring) Append(tx types.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.capacity {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.capacity-1]
	}
	r.buf = append(r.buf, tx)
}

// Recent returns up to n transactions, newest last.
func (r *Ring) Recent(n int) []types.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]types.Transaction, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

// All returns every retained transaction, newest last.
func (r *Ring) All() []types.Transaction {
	return r.Recent(0)
}

// Len returns the number of retained transactions.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// ConsecutiveLosses counts the terminal run of losing transactions at the
// newest end of the buffer. A successful or recovered transaction breaks
// the run.
func (r *Ring) ConsecutiveLosses() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for i := len(r.buf) - 1; i >= 0; i-- {
		if !r.buf[i].Status.Loss() {
			break
		}
		n++
	}
	return n
}

// RealizedProfitSince sums realized profit over transactions created at or
// after the cutoff.
func (r *Ring) RealizedProfitSince(cutoff time.Time) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for i := len(r.buf) - 1; i >= 0; i-- {
		if r.buf[i].CreatedAt.Before(cutoff) {
			break
		}
		sum = sum.Add(r.buf[i].RealizedProfit)
	}
	return sum
}
