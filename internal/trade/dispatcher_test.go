package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// testRig is everything a dispatcher test needs, wired against two funded
// sandbox venues with crossing books.
type testRig struct {
	dispatcher *Dispatcher
	settings   *settings.Store
	registry   *market.Registry
	hub        *hub.Hub
	ring       *Ring
	alpha      *venue.SandboxAdapter
	beta       *venue.SandboxAdapter
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)

	st, err := settings.Open(t.TempDir(), settings.Defaults(), testLogger())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}

	h := hub.New(testLogger())
	m := metrics.New()
	registry := market.NewRegistry(time.Hour, h.MarketUpdates, m, clk, testLogger())

	// Mirror the venue books into the registry so the slippage gate sees
	// the same market the sandbox venues will fill against.
	for _, a := range []*venue.SandboxAdapter{alpha, beta} {
		book, _ := a.OrderBook(context.Background(), "BTCUSDT", 20)
		registry.Apply(book)
	}

	ring := NewRing(16)
	exec := NewExecutor(
		map[string]venue.Adapter{"alpha": alpha, "beta": beta},
		ring, h, m, clk,
		100*time.Millisecond, 3,
		testLogger(),
	)

	return &testRig{
		dispatcher: NewDispatcher(registry, st, exec, h, m, testLogger()),
		settings:   st,
		registry:   registry,
		hub:        h,
		ring:       ring,
		alpha:      alpha,
		beta:       beta,
	}
}

func (r *testRig) enableAutoTrade(t *testing.T) {
	t.Helper()
	_, err := r.settings.Update(func(s settings.Settings) settings.Settings {
		s.AutoTradeEnabled = true
		s.GlobalMinProfitPct = d("0.5")
		return s
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func TestForceExecuteKillSwitch(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)
	rig.settings.Update(func(s settings.Settings) settings.Settings {
		s.SafetyKillSwitchActive = true
		return s
	})

	_, err := rig.dispatcher.ForceExecute(context.Background(), testOpportunity("opp-1"))
	if !errors.Is(err, ErrKillSwitch) {
		t.Errorf("err = %v, want ErrKillSwitch", err)
	}
	if rig.ring.Len() != 0 {
		t.Error("transaction recorded despite kill switch")
	}
}

func TestForceExecuteAutoTradeDisabled(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)

	_, err := rig.dispatcher.ForceExecute(context.Background(), testOpportunity("opp-1"))
	if !errors.Is(err, ErrAutoTradeDisabled) {
		t.Errorf("err = %v, want ErrAutoTradeDisabled", err)
	}
}

func TestThresholdGateDiscards(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)
	rig.settings.Update(func(s settings.Settings) settings.Settings {
		s.GlobalMinProfitPct = d("5")
		return s
	})

	_, err := rig.dispatcher.execute(context.Background(), testOpportunity("opp-1"), false)
	if err == nil {
		t.Fatal("signal below threshold executed")
	}
	if rig.ring.Len() != 0 {
		t.Error("transaction recorded for a discarded signal")
	}
}

func TestForceExecuteBypassesThreshold(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)
	rig.settings.Update(func(s settings.Settings) settings.Settings {
		s.GlobalMinProfitPct = d("5") // well above the signal's 1.8
		return s
	})

	tx, err := rig.dispatcher.ForceExecute(context.Background(), testOpportunity("opp-1"))
	if err != nil {
		t.Fatalf("ForceExecute: %v", err)
	}
	if tx.Status != types.TxSuccess {
		t.Errorf("status = %s, want SUCCESS (notes: %s)", tx.Status, tx.Notes)
	}
}

func TestSlippageGateDiscards(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)

	// The market moved after detection: the buy-side asks now sit above the
	// sell-side bids, so the signalled edge is gone.
	rig.registry.Apply(types.OrderBook{
		Venue:  "alpha",
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{level("52000", "1")},
		Bids:   []types.PriceLevel{level("51900", "1")},
	})

	_, err := rig.dispatcher.execute(context.Background(), testOpportunity("opp-1"), false)
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("err = %v, want ErrSlippage", err)
	}
	if rig.ring.Len() != 0 {
		t.Error("transaction recorded for a slipped signal")
	}
}

func TestDispatcherRunExecutesSignal(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.dispatcher.Run(ctx)

	rig.hub.TradeSignals.Push(testOpportunity("opp-1"))

	select {
	case tx := <-rig.hub.Transactions:
		if tx.Status != types.TxSuccess {
			t.Errorf("status = %s, want SUCCESS (notes: %s)", tx.Status, tx.Notes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transaction within deadline")
	}
}

func TestSubmitPassiveBypassesThreshold(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)
	rig.settings.Update(func(s settings.Settings) settings.Settings {
		s.GlobalMinProfitPct = d("5")
		return s
	})

	rig.dispatcher.SubmitPassive(context.Background(), testOpportunity("opp-1"))

	select {
	case tx := <-rig.hub.Transactions:
		if tx.Status != types.TxSuccess {
			t.Errorf("status = %s, want SUCCESS (notes: %s)", tx.Status, tx.Notes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("passive signal was not executed")
	}
}

func TestParkedSignalSuperseded(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.enableAutoTrade(t)

	// Occupy the symbol's execution slot so incoming signals park.
	rig.dispatcher.mu.Lock()
	rig.dispatcher.inflight["BTCUSDT"] = true
	rig.dispatcher.mu.Unlock()

	first := make(chan dispatchResult, 1)
	rig.dispatcher.enqueue(context.Background(), testOpportunity("opp-1"), false, first)
	rig.dispatcher.enqueue(context.Background(), testOpportunity("opp-2"), false, nil)

	select {
	case res := <-first:
		if !errors.Is(res.err, ErrSuperseded) {
			t.Errorf("err = %v, want ErrSuperseded", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("replaced signal never notified")
	}

	rig.dispatcher.mu.Lock()
	if got := rig.dispatcher.waiting["BTCUSDT"].opp.ID; got != "opp-2" {
		t.Errorf("waiting signal = %s, want opp-2", got)
	}
	rig.dispatcher.mu.Unlock()
}
