// Package stats keeps rolling in-memory windows of detection output.
//
// Window records net-spread observations as detection produces them and
// answers the aggregate queries the adaptive threshold needs: average spread
// over a recent duration, and the historical average for the current hour
// of day. Entries outside the retention period are evicted lazily on every
// write and query; nothing is persisted.
package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
)

const defaultRetention = 24 * time.Hour

type observation struct {
	at     time.Time
	symbol string
	netPct decimal.Decimal
}

// Window is a rolling spread-observation buffer. Safe for concurrent use.
type Window struct {
	clock     clock.Clock
	retention time.Duration

	mu  sync.RWMutex
	obs []observation
}

// NewWindow creates a window retaining observations for the given duration
// (24h when zero).
func NewWindow(retention time.Duration, clk clock.Clock) *Window {
	if retention == 0 {
		retention = defaultRetention
	}
	return &Window{
		clock:     clk,
		retention: retention,
		obs:       make([]observation, 0, 256),
	}
}

// Record appends one net-spread observation.
func (w *Window) Record(symbol string, netPct decimal.Decimal) {
	now := w.clock.Now()
	w.mu.Lock()
	w.obs = append(w.obs, observation{at: now, symbol: symbol, netPct: netPct})
	w.evictLocked(now)
	w.mu.Unlock()
}

// evictLocked removes observations older than the retention period.
// Must be called with the lock held.
func (w *Window) evictLocked(now time.Time) {
	if len(w.obs) == 0 {
		return
	}
	cutoff := now.Add(-w.retention)
	validIdx := -1
	for i, o := range w.obs {
		if o.at.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		w.obs = w.obs[:0]
		return
	}
	if validIdx > 0 {
		w.obs = w.obs[validIdx:]
	}
}

// AverageSince returns the mean netPct over observations newer than d, and
// how many contributed.
func (w *Window) AverageSince(d time.Duration) (decimal.Decimal, int) {
	now := w.clock.Now()
	cutoff := now.Add(-d)

	w.mu.Lock()
	w.evictLocked(now)
	w.mu.Unlock()

	w.mu.RLock()
	defer w.mu.RUnlock()

	sum := decimal.Zero
	count := 0
	for _, o := range w.obs {
		if o.at.After(cutoff) {
			sum = sum.Add(o.netPct)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero, 0
	}
	return sum.DivRound(decimal.NewFromInt(int64(count)), 12), count
}

// CurrentHourAverage returns the mean netPct of retained observations whose
// hour of day matches the current hour. This is the "what does this hour
// usually look like" input to the adaptive threshold.
func (w *Window) CurrentHourAverage() (decimal.Decimal, int) {
	now := w.clock.Now()
	hour := now.Hour()

	w.mu.Lock()
	w.evictLocked(now)
	w.mu.Unlock()

	w.mu.RLock()
	defer w.mu.RUnlock()

	sum := decimal.Zero
	count := 0
	for _, o := range w.obs {
		if o.at.Hour() == hour {
			sum = sum.Add(o.netPct)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero, 0
	}
	return sum.DivRound(decimal.NewFromInt(int64(count)), 12), count
}

// Count returns the number of retained observations.
func (w *Window) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.obs)
}
