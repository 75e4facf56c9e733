package trade

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/metrics"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func level(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Quantity: d(qty)}
}

// twoVenues builds sandbox venues "alpha" (cheap asks, the buy side) and
// "beta" (rich bids, the sell side), both funded.
func twoVenues(clk clock.Clock) (alpha, beta *venue.SandboxAdapter) {
	fees := types.FeeSchedule{Maker: d("0.001"), Taker: d("0.001")}
	alpha = venue.NewSandboxAdapter("alpha", fees, clk, testLogger())
	beta = venue.NewSandboxAdapter("beta", fees, clk, testLogger())

	alpha.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{level("50000", "1")},
		Bids:   []types.PriceLevel{level("49900", "1")},
	})
	beta.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{level("51100", "1")},
		Bids:   []types.PriceLevel{level("51000", "1")},
	})
	alpha.SetBalance("USDT", d("100000"))
	beta.SetBalance("BTC", d("1"))
	beta.SetBalance("USDT", d("100000"))
	return alpha, beta
}

func newTestExecutor(alpha, beta venue.Adapter, clk clock.Clock) (*Executor, *Ring, *hub.Hub) {
	ring := NewRing(16)
	h := hub.New(testLogger())
	e := NewExecutor(
		map[string]venue.Adapter{"alpha": alpha, "beta": beta},
		ring, h, metrics.New(), clk,
		100*time.Millisecond, 3,
		testLogger(),
	)
	return e, ring, h
}

func testOpportunity(id string) types.Opportunity {
	return types.Opportunity{
		ID:        id,
		Symbol:    "BTCUSDT",
		Base:      "BTC",
		Quote:     "USDT",
		BuyVenue:  "alpha",
		SellVenue: "beta",
		BuyPrice:  d("50000"),
		SellPrice: d("51000"),
		Volume:    d("0.1"),
		BuyFee:    d("0.001"),
		SellFee:   d("0.001"),
		NetPct:    d("1.8"),
	}
}

func TestSequentialSuccess(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	e, ring, _ := newTestExecutor(alpha, beta, clk)

	tx, executed := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)
	if !executed {
		t.Fatal("execution reported as duplicate")
	}
	if tx.Status != types.TxSuccess {
		t.Fatalf("status = %s, want SUCCESS (notes: %s)", tx.Status, tx.Notes)
	}
	// 0.1*51000*(1-0.001) - 0.1*50000*(1+0.001) = 5094.9 - 5005 = 89.9
	if !tx.RealizedProfit.Equal(d("89.9")) {
		t.Errorf("realized profit = %s, want 89.9", tx.RealizedProfit)
	}
	if ring.Len() != 1 {
		t.Errorf("ring holds %d transactions, want 1", ring.Len())
	}
}

func TestSequentialBuyFails(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	alpha.FailNext(types.BUY, "margin check failed")
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)
	if tx.Status != types.TxFailed {
		t.Fatalf("status = %s, want FAILED", tx.Status)
	}
	if tx.SellResult.OrderID != "" {
		t.Error("sell leg placed after the buy leg died")
	}
	if !tx.RealizedProfit.IsZero() {
		t.Errorf("realized profit = %s with no fills", tx.RealizedProfit)
	}
}

func TestSequentialUndoRecovers(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	beta.FailNext(types.SELL, "account suspended")
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)
	if tx.Status != types.TxRecovered {
		t.Fatalf("status = %s, want RECOVERED (notes: %s)", tx.Status, tx.Notes)
	}
	if !strings.Contains(tx.Notes, "compensating") {
		t.Errorf("notes do not record the compensating order: %q", tx.Notes)
	}

	// Bought 0.1 then unwound 0.1: no base exposure left on the buy venue.
	for _, b := range alpha.CachedBalances() {
		if b.Asset == "BTC" && !b.Free.IsZero() {
			t.Errorf("residual BTC on buy venue: %s", b.Free)
		}
	}
	// Round trip at 50000/49900 plus fees: a small loss, never a gain.
	if tx.RealizedProfit.IsPositive() {
		t.Errorf("recovered round trip should not profit, got %s", tx.RealizedProfit)
	}
}

func TestSequentialStrandedPosition(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	// No bids on the buy venue: the unwind has nothing to hit.
	alpha.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{level("50000", "1")},
	})
	beta.FailNext(types.SELL, "account suspended")
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)
	if tx.Status != types.TxFailed {
		t.Fatalf("status = %s, want FAILED", tx.Status)
	}
	if !strings.Contains(tx.Notes, "stranded") {
		t.Errorf("notes do not flag the stranded position: %q", tx.Notes)
	}
}

func TestSequentialPartialSell(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	// Thin sell side: only 0.04 of the 0.1 bought can be sold on beta.
	beta.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{level("51100", "1")},
		Bids:   []types.PriceLevel{level("51000", "0.04")},
	})
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)
	if tx.Status != types.TxPartial {
		t.Fatalf("status = %s, want PARTIAL (notes: %s)", tx.Status, tx.Notes)
	}
	if !tx.SellResult.ExecutedQty.Equal(d("0.04")) {
		t.Errorf("sell fill = %s, want 0.04", tx.SellResult.ExecutedQty)
	}
	// The unsold 0.06 must have been unwound on alpha.
	for _, b := range alpha.CachedBalances() {
		if b.Asset == "BTC" && !b.Free.IsZero() {
			t.Errorf("residual BTC on buy venue: %s", b.Free)
		}
	}
}

func TestConcurrentSuccess(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeConcurrent)
	if tx.Status != types.TxSuccess {
		t.Fatalf("status = %s, want SUCCESS (notes: %s)", tx.Status, tx.Notes)
	}
	if !tx.RealizedProfit.Equal(d("89.9")) {
		t.Errorf("realized profit = %s, want 89.9", tx.RealizedProfit)
	}
}

func TestConcurrentBuyFailsSellRecovered(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	alpha.FailNext(types.BUY, "margin check failed")
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeConcurrent)
	if tx.Status != types.TxRecovered {
		t.Fatalf("status = %s, want RECOVERED (notes: %s)", tx.Status, tx.Notes)
	}
	// Sold 0.1 at 51000, bought back 0.1 at 51100 plus fees on both: a loss.
	if tx.RealizedProfit.IsPositive() {
		t.Errorf("recovered round trip should not profit, got %s", tx.RealizedProfit)
	}
	// Base holdings on the sell venue are restored.
	for _, b := range beta.CachedBalances() {
		if b.Asset == "BTC" && !b.Free.Equal(d("1")) {
			t.Errorf("BTC on sell venue = %s, want 1", b.Free)
		}
	}
}

func TestConcurrentBothFail(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	alpha.FailNext(types.BUY, "margin check failed")
	beta.FailNext(types.SELL, "account suspended")
	e, _, _ := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeConcurrent)
	if tx.Status != types.TxFailed {
		t.Fatalf("status = %s, want FAILED", tx.Status)
	}
	if !tx.RealizedProfit.IsZero() {
		t.Errorf("realized profit = %s with no fills", tx.RealizedProfit)
	}
}

func TestExecuteIdempotent(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	e, ring, _ := newTestExecutor(alpha, beta, clk)

	opp := testOpportunity("opp-1")
	first, executed := e.Execute(context.Background(), opp, types.ModeSequential)
	if !executed {
		t.Fatal("first execution reported as duplicate")
	}
	replay, executed := e.Execute(context.Background(), opp, types.ModeSequential)
	if executed {
		t.Fatal("replay executed instead of returning the recorded transaction")
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned a different transaction: %s vs %s", replay.ID, first.ID)
	}
	if ring.Len() != 1 {
		t.Errorf("ring holds %d transactions after replay, want 1", ring.Len())
	}
}

// shutdownFillAdapter models an order that fills while the engine is
// shutting down: status polls on a live context succeed, polls on a dead
// one fail like any venue call would.
type shutdownFillAdapter struct {
	venue.Adapter
	info types.OrderInfo
}

func (s shutdownFillAdapter) VenueID() string { return "stub" }

func (s shutdownFillAdapter) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderInfo{}, err
	}
	return s.info, nil
}

func TestResolveReconcilesFillOnShutdown(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	e, _, _ := newTestExecutor(alpha, beta, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := shutdownFillAdapter{info: types.OrderInfo{
		OrderID:     "o-1",
		Symbol:      "BTCUSDT",
		Status:      types.StatusFilled,
		ExecutedQty: d("0.1"),
		AvgPrice:    d("50000"),
	}}
	res := e.resolve(ctx, stub, types.OrderResult{
		OrderID: "o-1",
		Venue:   "stub",
		Symbol:  "BTCUSDT",
		Side:    types.BUY,
		Status:  types.StatusPending,
	})

	if res.Status != types.StatusFilled {
		t.Fatalf("status = %s, want FILLED after shutdown reconciliation", res.Status)
	}
	if !res.ExecutedQty.Equal(d("0.1")) {
		t.Errorf("executed qty = %s, want 0.1", res.ExecutedQty)
	}
	if !res.AvgPrice.Equal(d("50000")) {
		t.Errorf("avg price = %s, want 50000", res.AvgPrice)
	}
}

func TestTransactionPublished(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alpha, beta := twoVenues(clk)
	e, _, h := newTestExecutor(alpha, beta, clk)

	tx, _ := e.Execute(context.Background(), testOpportunity("opp-1"), types.ModeSequential)

	select {
	case got := <-h.Transactions:
		if got.ID != tx.ID {
			t.Errorf("published transaction %s, recorded %s", got.ID, tx.ID)
		}
	default:
		t.Fatal("no transaction published on the hub")
	}
}

func TestRingEviction(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(types.Transaction{ID: string(rune('a' + i)), Status: types.TxSuccess})
	}
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("ring holds %d, want 3", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "e" {
		t.Errorf("eviction kept wrong entries: %s..%s", all[0].ID, all[2].ID)
	}
}

func TestRingConsecutiveLosses(t *testing.T) {
	t.Parallel()

	r := NewRing(8)
	r.Append(types.Transaction{Status: types.TxFailed})
	r.Append(types.Transaction{Status: types.TxSuccess})
	r.Append(types.Transaction{Status: types.TxFailed})
	r.Append(types.Transaction{Status: types.TxPartial})
	if got := r.ConsecutiveLosses(); got != 2 {
		t.Errorf("ConsecutiveLosses = %d, want 2", got)
	}

	r.Append(types.Transaction{Status: types.TxRecovered})
	if got := r.ConsecutiveLosses(); got != 0 {
		t.Errorf("ConsecutiveLosses = %d after recovery, want 0", got)
	}
}

func TestRingRealizedProfitSince(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(8)
	r.Append(types.Transaction{CreatedAt: base.Add(-48 * time.Hour), RealizedProfit: d("1000")})
	r.Append(types.Transaction{CreatedAt: base.Add(-2 * time.Hour), RealizedProfit: d("-30")})
	r.Append(types.Transaction{CreatedAt: base.Add(-1 * time.Hour), RealizedProfit: d("-30")})

	got := r.RealizedProfitSince(base.Add(-24 * time.Hour))
	if !got.Equal(d("-60")) {
		t.Errorf("RealizedProfitSince = %s, want -60", got)
	}
}
