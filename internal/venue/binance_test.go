package venue

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseWithdrawFee(t *testing.T) {
	t.Parallel()

	fee, err := parseWithdrawFee("BTC", "0.0005")
	if err != nil {
		t.Fatalf("parse valid fee: %v", err)
	}
	if !fee.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("fee = %s, want 0.0005", fee)
	}
}

func TestParseWithdrawFeeMalformed(t *testing.T) {
	t.Parallel()

	if _, err := parseWithdrawFee("BTC", "n/a"); err == nil {
		t.Fatal("malformed fee accepted")
	}
	if _, err := parseWithdrawFee("BTC", ""); err == nil {
		t.Fatal("empty fee accepted")
	}
}
