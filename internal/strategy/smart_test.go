package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/clock"
	"crossarb/internal/settings"
	"crossarb/internal/stats"
)

func newSmartRig(t *testing.T) (*SmartStrategy, *settings.Store, *stats.Window, *clock.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC))

	st, err := settings.Open(t.TempDir(), settings.Defaults(), logger)
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	window := stats.NewWindow(0, clk)
	smart := NewSmartStrategy(st, window, 0.9, time.Minute, clk, nil, logger)
	return smart, st, window, clk
}

func TestRecomputeAdaptsThreshold(t *testing.T) {
	t.Parallel()
	smart, st, window, clk := newSmartRig(t)

	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.SmartStrategyEnabled = true
		return s
	}); err != nil {
		t.Fatalf("enable smart strategy: %v", err)
	}

	// Two observations in the current hour averaging 2.0 → target 1.8.
	window.Record("BTCUSDT", d("1.5"))
	window.Record("BTCUSDT", d("2.5"))

	smart.Recompute(clk.Now())

	got := st.Snapshot().GlobalMinProfitPct
	if !got.Equal(d("1.8")) {
		t.Fatalf("threshold = %s, want 1.8", got)
	}
}

func TestRecomputeFloorsAtAbsoluteMinimum(t *testing.T) {
	t.Parallel()
	smart, st, window, clk := newSmartRig(t)

	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.SmartStrategyEnabled = true
		return s
	}); err != nil {
		t.Fatalf("enable smart strategy: %v", err)
	}

	window.Record("BTCUSDT", d("0.001"))

	smart.Recompute(clk.Now())

	got := st.Snapshot().GlobalMinProfitPct
	if !got.Equal(AbsoluteFloorPct) {
		t.Fatalf("threshold = %s, want floor %s", got, AbsoluteFloorPct)
	}
}

func TestRecomputeNoOpWhenDisabled(t *testing.T) {
	t.Parallel()
	smart, st, window, clk := newSmartRig(t)

	window.Record("BTCUSDT", d("2.0"))
	before := st.Snapshot().GlobalMinProfitPct

	smart.Recompute(clk.Now())

	if got := st.Snapshot().GlobalMinProfitPct; !got.Equal(before) {
		t.Fatalf("threshold changed to %s while disabled", got)
	}
}

func TestRecomputeNoOpWithoutObservations(t *testing.T) {
	t.Parallel()
	smart, st, _, clk := newSmartRig(t)

	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.SmartStrategyEnabled = true
		return s
	}); err != nil {
		t.Fatalf("enable smart strategy: %v", err)
	}
	before := st.Snapshot().GlobalMinProfitPct

	smart.Recompute(clk.Now())

	if got := st.Snapshot().GlobalMinProfitPct; !got.Equal(before) {
		t.Fatalf("threshold changed to %s without observations", got)
	}
}

func TestRecomputeIgnoresOtherHours(t *testing.T) {
	t.Parallel()
	smart, st, window, clk := newSmartRig(t)

	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.SmartStrategyEnabled = true
		return s
	}); err != nil {
		t.Fatalf("enable smart strategy: %v", err)
	}

	// Recorded at 14:30; recomputed three hours later, in a different hour
	// of day with no samples of its own.
	window.Record("BTCUSDT", d("3.0"))
	clk.Advance(3 * time.Hour)
	before := st.Snapshot().GlobalMinProfitPct

	smart.Recompute(clk.Now())

	if got := st.Snapshot().GlobalMinProfitPct; !got.Equal(before) {
		t.Fatalf("threshold changed to %s from another hour's samples", got)
	}
}

func TestRunStampsUpdatesFromInjectedClock(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Pinned far from the test machine's wall clock so a real time.Now()
	// leaking in shows up as a mismatched stamp.
	clk := clock.NewFake(time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC))

	st, err := settings.Open(t.TempDir(), settings.Defaults(), logger)
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.SmartStrategyEnabled = true
		return s
	}); err != nil {
		t.Fatalf("enable smart strategy: %v", err)
	}
	window := stats.NewWindow(0, clk)
	window.Record("BTCUSDT", d("2.0"))

	updates := make(chan StrategyUpdate, 1)
	smart := NewSmartStrategy(st, window, 0.9, 10*time.Millisecond, clk, func(u StrategyUpdate) {
		select {
		case updates <- u:
		default:
		}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go smart.Run(ctx)

	select {
	case u := <-updates:
		if !u.At.Equal(clk.Now()) {
			t.Fatalf("update stamped %s, want injected clock %s", u.At, clk.Now())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no strategy update observed")
	}
}

func TestSetEnabledRestoresManualBaseline(t *testing.T) {
	t.Parallel()
	smart, st, window, clk := newSmartRig(t)

	if _, err := st.Update(func(s settings.Settings) settings.Settings {
		s.GlobalMinProfitPct = d("0.7")
		s.ManualMinProfitPct = d("0.7")
		return s
	}); err != nil {
		t.Fatalf("set manual threshold: %v", err)
	}

	if _, err := smart.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	// The adaptive loop moves the threshold away from the manual value.
	window.Record("BTCUSDT", d("2.0"))
	smart.Recompute(clk.Now())
	if got := st.Snapshot().GlobalMinProfitPct; !got.Equal(d("1.8")) {
		t.Fatalf("adaptive threshold = %s, want 1.8", got)
	}

	snap, err := smart.SetEnabled(false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !snap.GlobalMinProfitPct.Equal(d("0.7")) {
		t.Fatalf("restored threshold = %s, want manual 0.7", snap.GlobalMinProfitPct)
	}
}

func TestSetEnabledIdempotent(t *testing.T) {
	t.Parallel()
	smart, st, _, _ := newSmartRig(t)

	if _, err := smart.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	first := st.Snapshot()

	if _, err := smart.SetEnabled(true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	second := st.Snapshot()

	if !second.ManualMinProfitPct.Equal(first.ManualMinProfitPct) {
		t.Fatalf("manual baseline moved on repeated enable: %s → %s",
			first.ManualMinProfitPct, second.ManualMinProfitPct)
	}
}
