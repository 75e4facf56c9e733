package stats

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAverageSince(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	w := NewWindow(24*time.Hour, clk)

	w.Record("BTCUSDT", d("0.4"))
	clk.Advance(10 * time.Minute)
	w.Record("BTCUSDT", d("0.6"))
	clk.Advance(10 * time.Minute)

	avg, n := w.AverageSince(time.Hour)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if !avg.Equal(d("0.5")) {
		t.Errorf("avg = %s, want 0.5", avg)
	}

	// Only the second observation is within the last 15 minutes.
	avg, n = w.AverageSince(15 * time.Minute)
	if n != 1 || !avg.Equal(d("0.6")) {
		t.Errorf("recent avg = %s (n=%d), want 0.6 (n=1)", avg, n)
	}
}

func TestRetentionEviction(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	w := NewWindow(time.Hour, clk)

	w.Record("BTCUSDT", d("1"))
	clk.Advance(2 * time.Hour)
	w.Record("BTCUSDT", d("2"))

	if w.Count() != 1 {
		t.Errorf("Count = %d after retention passed, want 1", w.Count())
	}
}

func TestCurrentHourAverage(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))
	w := NewWindow(24*time.Hour, clk)

	w.Record("BTCUSDT", d("0.2")) // 09:30
	clk.Advance(time.Hour)
	w.Record("BTCUSDT", d("0.8")) // 10:30
	clk.Advance(15 * time.Minute) // now 10:45

	avg, n := w.CurrentHourAverage()
	if n != 1 || !avg.Equal(d("0.8")) {
		t.Errorf("hour avg = %s (n=%d), want 0.8 (n=1)", avg, n)
	}
}

func TestEmptyWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	w := NewWindow(0, clk)

	if _, n := w.AverageSince(time.Hour); n != 0 {
		t.Error("empty window reported observations")
	}
	if _, n := w.CurrentHourAverage(); n != 0 {
		t.Error("empty window reported hour observations")
	}
}
