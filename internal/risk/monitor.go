// Package risk enforces account-level safety limits over the transaction
// record.
//
// The monitor runs as a standalone goroutine that periodically inspects the
// recorded transactions and checks them against configured limits:
//
//   - Consecutive losses: trips when the newest transactions form an
//     unbroken run of Failed/Partial outcomes of the configured length
//   - Daily drawdown:     trips when realized losses over the trailing 24 h
//     reach the configured quote-currency amount
//
// A trip engages the kill switch in settings: the reason is recorded, the
// auto-trade flag is remembered and forced off, and every dispatcher gate
// starts rejecting signals. The switch never clears on its own; Reset is the
// only way back, and it reinstates the remembered auto-trade flag.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crossarb/internal/clock"
	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/trade"
)

const defaultCheckInterval = 15 * time.Second

// drawdownWindow is the trailing period over which losses accumulate.
const drawdownWindow = 24 * time.Hour

// Monitor watches the transaction record and trips the kill switch when a
// safety limit is breached.
type Monitor struct {
	ring     *trade.Ring
	settings *settings.Store
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	interval time.Duration
	// onTrip, when set, receives the reason of every trip for push streams.
	onTrip func(reason string)
}

// NewMonitor wires the safety loop. interval zero means 15 seconds; onTrip
// may be nil.
func NewMonitor(
	ring *trade.Ring,
	st *settings.Store,
	m *metrics.Metrics,
	clk clock.Clock,
	interval time.Duration,
	onTrip func(reason string),
	logger *slog.Logger,
) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Monitor{
		ring:     ring,
		settings: st,
		metrics:  m,
		clock:    clk,
		interval: interval,
		onTrip:   onTrip,
		logger:   logger.With("component", "safety"),
	}
}

// Run starts the periodic safety check loop.
func (mon *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mon.Check()
		}
	}
}

// Check runs both safety predicates once. Exposed so the executor path and
// tests can evaluate limits without waiting for a tick.
func (mon *Monitor) Check() {
	snap := mon.settings.Snapshot()
	if snap.SafetyKillSwitchActive {
		return
	}

	if reason, tripped := mon.breached(snap); tripped {
		mon.trip(reason)
	}
}

// breached evaluates the safety predicates against the transaction record.
func (mon *Monitor) breached(snap settings.Settings) (string, bool) {
	if snap.MaxConsecutiveLosses > 0 {
		if run := mon.ring.ConsecutiveLosses(); run >= snap.MaxConsecutiveLosses {
			return fmt.Sprintf("Consecutive failures: %d losing transactions in a row", run), true
		}
	}

	if snap.MaxDrawdownQuote.IsPositive() {
		cutoff := mon.clock.Now().Add(-drawdownWindow)
		drawdown := mon.ring.RealizedProfitSince(cutoff).Neg()
		if drawdown.GreaterThanOrEqual(snap.MaxDrawdownQuote) {
			return fmt.Sprintf("Max daily drawdown exceeded: %s lost over the last 24h", drawdown), true
		}
	}

	return "", false
}

// trip engages the kill switch: the current auto-trade flag is remembered so
// a manual reset can reinstate it, then trading is forced off.
func (mon *Monitor) trip(reason string) {
	updated, err := mon.settings.Update(func(s settings.Settings) settings.Settings {
		if s.SafetyKillSwitchActive {
			return s
		}
		s.SafetyKillSwitchActive = true
		s.SafetyReason = reason
		s.PriorAutoTrade = s.AutoTradeEnabled
		s.AutoTradeEnabled = false
		return s
	})
	if err != nil {
		mon.logger.Error("failed to persist kill switch", "error", err, "reason", reason)
		return
	}
	if !updated.SafetyKillSwitchActive {
		return
	}

	mon.metrics.SafetyTrips.Inc()
	mon.metrics.KillSwitchActive.Set(1)
	mon.logger.Error("KILL SWITCH", "reason", reason)
	if mon.onTrip != nil {
		mon.onTrip(reason)
	}
}

// Reset clears the kill switch and reinstates the auto-trade flag that was
// active when it tripped.
func (mon *Monitor) Reset() (settings.Settings, error) {
	updated, err := mon.settings.Update(func(s settings.Settings) settings.Settings {
		if !s.SafetyKillSwitchActive {
			return s
		}
		s.SafetyKillSwitchActive = false
		s.SafetyReason = ""
		s.AutoTradeEnabled = s.PriorAutoTrade
		s.PriorAutoTrade = false
		return s
	})
	if err != nil {
		return settings.Settings{}, err
	}

	mon.metrics.KillSwitchActive.Set(0)
	mon.logger.Info("kill switch reset", "auto_trade_enabled", updated.AutoTradeEnabled)
	return updated, nil
}
