package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderBookCrossed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bid  string
		ask  string
		want bool
	}{
		{"normal", "99.5", "100.0", false},
		{"touching", "100.0", "100.0", true},
		{"inverted", "100.5", "100.0", true},
	}

	for _, tt := range tests {
		book := &OrderBook{
			Bids: []PriceLevel{{Price: d(tt.bid), Quantity: d("1")}},
			Asks: []PriceLevel{{Price: d(tt.ask), Quantity: d("1")}},
		}
		if got := book.Crossed(); got != tt.want {
			t.Errorf("%s: Crossed() = %v, want %v", tt.name, got, tt.want)
		}
	}

	empty := &OrderBook{Asks: []PriceLevel{{Price: d("100"), Quantity: d("1")}}}
	if empty.Crossed() {
		t.Error("one-sided book reported crossed")
	}
}

func TestOrderBookIsStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	book := &OrderBook{LastUpdate: now.Add(-3 * time.Second)}

	if book.IsStale(5*time.Second, now) {
		t.Error("3s old book reported stale with 5s max age")
	}
	if !book.IsStale(2*time.Second, now) {
		t.Error("3s old book not stale with 2s max age")
	}

	never := &OrderBook{}
	if !never.IsStale(time.Hour, now) {
		t.Error("never-updated book not stale")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite() broken")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []OrderStatus{StatusFilled, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
}

func TestTransactionStatusLoss(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status TransactionStatus
		want   bool
	}{
		{TxSuccess, false},
		{TxRecovered, false},
		{TxPartial, true},
		{TxFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Loss(); got != tt.want {
			t.Errorf("%s.Loss() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestOrderResultFilled(t *testing.T) {
	t.Parallel()

	r := OrderResult{Status: StatusFilled, ExecutedQty: d("0.5")}
	if !r.Filled() {
		t.Error("filled order with qty not reported Filled")
	}

	r = OrderResult{Status: StatusFailed, ExecutedQty: d("0.5")}
	if r.Filled() {
		t.Error("failed order reported Filled")
	}

	r = OrderResult{Status: StatusFilled, ExecutedQty: decimal.Zero}
	if r.Filled() {
		t.Error("zero-qty fill reported Filled")
	}
}

func TestFeeScheduleRate(t *testing.T) {
	t.Parallel()

	f := FeeSchedule{Maker: d("0.0008"), Taker: d("0.001")}
	if !f.Rate(true).Equal(d("0.001")) {
		t.Errorf("taker rate = %s", f.Rate(true))
	}
	if !f.Rate(false).Equal(d("0.0008")) {
		t.Errorf("maker rate = %s", f.Rate(false))
	}
}

func TestBalanceTotal(t *testing.T) {
	t.Parallel()

	b := Balance{Asset: "BTC", Free: d("1.25"), Locked: d("0.75")}
	if !b.Total().Equal(d("2")) {
		t.Errorf("Total() = %s, want 2", b.Total())
	}
}
