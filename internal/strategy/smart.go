package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/internal/settings"
	"crossarb/internal/stats"
)

const defaultSmartInterval = 5 * time.Minute

// StrategyUpdate describes one adaptive threshold recomputation, for push
// streams and logs.
type StrategyUpdate struct {
	Enabled      bool            `json:"enabled"`
	ThresholdPct decimal.Decimal `json:"threshold_pct"`
	HourAvgPct   decimal.Decimal `json:"hour_avg_pct"`
	Samples      int             `json:"samples"`
	At           time.Time       `json:"at"`
}

// SmartStrategy adapts the global profit threshold to observed conditions:
// periodically it sets the threshold to the historical average spread for
// the current hour of day, scaled by a configured factor. Disabling it
// restores the operator's last manually chosen threshold.
type SmartStrategy struct {
	settings *settings.Store
	window   *stats.Window
	factor   decimal.Decimal
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// onUpdate, when set, receives every recomputation result.
	onUpdate func(StrategyUpdate)
}

// NewSmartStrategy builds the adaptive threshold loop. factor scales the
// hourly average spread into a threshold; interval zero means 5 minutes.
// onUpdate may be nil.
func NewSmartStrategy(
	st *settings.Store,
	window *stats.Window,
	factor float64,
	interval time.Duration,
	clk clock.Clock,
	onUpdate func(StrategyUpdate),
	logger *slog.Logger,
) *SmartStrategy {
	if interval <= 0 {
		interval = defaultSmartInterval
	}
	return &SmartStrategy{
		settings: st,
		window:   window,
		factor:   decimal.NewFromFloat(factor),
		interval: interval,
		clock:    clk,
		onUpdate: onUpdate,
		logger:   logger.With("component", "smart_strategy"),
	}
}

// Run recomputes the threshold on every tick while the strategy is enabled
// in settings, until ctx is cancelled.
func (s *SmartStrategy) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Recompute(s.clock.Now())
		}
	}
}

// Recompute applies one adaptation step. It is a no-op when the strategy is
// disabled or the window holds no observations for the current hour.
func (s *SmartStrategy) Recompute(now time.Time) {
	snap := s.settings.Snapshot()
	if !snap.SmartStrategyEnabled {
		return
	}

	avg, n := s.window.CurrentHourAverage()
	if n == 0 {
		s.logger.Debug("no observations for current hour, threshold unchanged")
		return
	}

	target := avg.Mul(s.factor).RoundBank(12)
	if target.LessThan(AbsoluteFloorPct) {
		target = AbsoluteFloorPct
	}
	if target.Equal(snap.GlobalMinProfitPct) {
		return
	}

	updated, err := s.settings.Update(func(cur settings.Settings) settings.Settings {
		if !cur.SmartStrategyEnabled {
			return cur
		}
		cur.GlobalMinProfitPct = target
		return cur
	})
	if err != nil {
		s.logger.Error("failed to persist adaptive threshold", "error", err)
		return
	}
	if !updated.GlobalMinProfitPct.Equal(target) {
		return
	}

	s.logger.Info("adaptive threshold updated",
		"threshold_pct", target,
		"hour_avg_pct", avg,
		"samples", n,
	)
	if s.onUpdate != nil {
		s.onUpdate(StrategyUpdate{
			Enabled:      true,
			ThresholdPct: target,
			HourAvgPct:   avg,
			Samples:      n,
			At:           now,
		})
	}
}

// SetEnabled flips the adaptive strategy on or off. Enabling remembers the
// current threshold as the manual baseline; disabling restores it.
func (s *SmartStrategy) SetEnabled(enabled bool) (settings.Settings, error) {
	updated, err := s.settings.Update(func(cur settings.Settings) settings.Settings {
		if cur.SmartStrategyEnabled == enabled {
			return cur
		}
		cur.SmartStrategyEnabled = enabled
		if enabled {
			cur.ManualMinProfitPct = cur.GlobalMinProfitPct
		} else {
			cur.GlobalMinProfitPct = cur.ManualMinProfitPct
		}
		return cur
	})
	if err != nil {
		return settings.Settings{}, err
	}
	s.logger.Info("smart strategy toggled", "enabled", enabled,
		"threshold_pct", updated.GlobalMinProfitPct)
	if s.onUpdate != nil {
		s.onUpdate(StrategyUpdate{
			Enabled:      enabled,
			ThresholdPct: updated.GlobalMinProfitPct,
			At:           s.clock.Now(),
		})
	}
	return updated, nil
}
