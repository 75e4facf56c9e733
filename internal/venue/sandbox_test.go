package venue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSandbox(t *testing.T) *SandboxAdapter {
	t.Helper()
	fees := types.FeeSchedule{Maker: d("0.001"), Taker: d("0.001")}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewSandboxAdapter("sim", fees, clk, testLogger())
}

func TestSandboxMarketBuyWalksBook(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("USDT", d("100000"))
	a.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks: []types.PriceLevel{
			{Price: d("50000"), Quantity: d("0.5")},
			{Price: d("51000"), Quantity: d("0.5")},
		},
		Bids: []types.PriceLevel{{Price: d("49900"), Quantity: d("1")}},
	})

	res := a.PlaceMarketBuy(context.Background(), "BTCUSDT", d("1"))
	if res.Status != types.StatusFilled {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if !res.ExecutedQty.Equal(d("1")) {
		t.Errorf("executed = %s, want 1", res.ExecutedQty)
	}
	// VWAP of 0.5@50000 + 0.5@51000
	if !res.AvgPrice.Equal(d("50500")) {
		t.Errorf("avg price = %s, want 50500", res.AvgPrice)
	}

	// 50500 notional + 0.1% fee spent; 1 BTC credited.
	bals := a.CachedBalances()
	var usdt, btc decimal.Decimal
	for _, b := range bals {
		switch b.Asset {
		case "USDT":
			usdt = b.Free
		case "BTC":
			btc = b.Free
		}
	}
	wantUSDT := d("100000").Sub(d("50500")).Sub(d("50.5"))
	if !usdt.Equal(wantUSDT) {
		t.Errorf("USDT = %s, want %s", usdt, wantUSDT)
	}
	if !btc.Equal(d("1")) {
		t.Errorf("BTC = %s, want 1", btc)
	}
}

func TestSandboxPartialFill(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("USDT", d("100000"))
	a.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{{Price: d("50000"), Quantity: d("0.3")}},
	})

	res := a.PlaceMarketBuy(context.Background(), "BTCUSDT", d("1"))
	if res.Status != types.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if !res.ExecutedQty.Equal(d("0.3")) {
		t.Errorf("executed = %s, want 0.3", res.ExecutedQty)
	}
}

func TestSandboxInsufficientBalanceRejects(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("USDT", d("10"))
	a.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{{Price: d("50000"), Quantity: d("1")}},
	})

	res := a.PlaceMarketBuy(context.Background(), "BTCUSDT", d("0.5"))
	if res.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Message == "" {
		t.Error("reject carries no diagnostic")
	}
}

func TestSandboxFailNextScriptsReject(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("BTC", d("1"))
	a.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []types.PriceLevel{{Price: d("50000"), Quantity: d("1")}},
	})

	a.FailNext(types.SELL, "scripted outage")
	res := a.PlaceMarketSell(context.Background(), "BTCUSDT", d("0.5"))
	if res.Status != types.StatusFailed || res.Message != "scripted outage" {
		t.Fatalf("result = %+v, want scripted failure", res)
	}

	// Next order goes through.
	res = a.PlaceMarketSell(context.Background(), "BTCUSDT", d("0.5"))
	if res.Status != types.StatusFilled {
		t.Errorf("second order status = %s (%s)", res.Status, res.Message)
	}
}

func TestSandboxLimitRestsAndCancels(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("USDT", d("100000"))
	a.SetBook(types.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []types.PriceLevel{{Price: d("50000"), Quantity: d("1")}},
	})

	// Limit below the best ask cannot fill.
	res := a.PlaceLimitBuy(context.Background(), "BTCUSDT", d("1"), d("49000"))
	if res.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", res.Status)
	}

	info, err := a.OrderStatus(context.Background(), "BTCUSDT", res.OrderID)
	if err != nil || info.Status != types.StatusPending {
		t.Fatalf("OrderStatus = %+v, %v", info, err)
	}

	if !a.Cancel(context.Background(), "BTCUSDT", res.OrderID) {
		t.Fatal("cancel refused")
	}
	info, _ = a.OrderStatus(context.Background(), "BTCUSDT", res.OrderID)
	if info.Status != types.StatusCancelled {
		t.Errorf("status after cancel = %s", info.Status)
	}
	if a.Cancel(context.Background(), "BTCUSDT", res.OrderID) {
		t.Error("cancel of terminal order succeeded")
	}
}

func TestSandboxWithdrawDeductsFee(t *testing.T) {
	t.Parallel()

	a := newSandbox(t)
	a.SetBalance("BTC", d("1"))
	a.SetWithdrawalFee("BTC", d("0.0005"))

	ref, err := a.Withdraw(context.Background(), "BTC", d("0.5"), "addr", "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if ref == "" {
		t.Error("no transfer reference")
	}

	for _, b := range a.CachedBalances() {
		if b.Asset == "BTC" && !b.Free.Equal(d("0.4995")) {
			t.Errorf("BTC after withdraw = %s, want 0.4995", b.Free)
		}
	}
}

func TestSplitSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHUSDC", "ETH", "USDC"},
		{"ETHBTC", "ETH", "BTC"},
		{"SOLEUR", "SOL", "EUR"},
	}
	for _, tt := range tests {
		base, quote := SplitSymbol(tt.symbol)
		if base != tt.base || quote != tt.quote {
			t.Errorf("SplitSymbol(%q) = %s/%s, want %s/%s", tt.symbol, base, quote, tt.base, tt.quote)
		}
	}
}
