// Package venue implements access to exchanges behind a single Adapter
// contract.
//
// Three implementations exist: a generic signed REST adapter (rest.go) with
// its WebSocket book feed (feed.go), a Binance spot adapter (binance.go),
// and an in-memory simulated venue (sandbox.go). Whether a venue runs real
// or simulated is decided once, at construction; nothing re-binds adapters
// at runtime.
//
// Adapters never raise on venue rejects: placement methods return an
// OrderResult with StatusFailed (or StatusNotSupported) and a diagnostic
// message. Transport errors are retried internally with bounded backoff and
// only surface as failed results once retries are exhausted.
package venue

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// ErrNotSupported marks adapter operations the venue does not offer.
var ErrNotSupported = errors.New("operation not supported by venue")

// Adapter is the contract every venue satisfies.
//
// Fee and balance reads come in cached and authoritative flavors: the cached
// ones are what the hot detection path uses and fall back to last-known
// values on transport failure; Balances forces a refresh and is what the
// inventory loop calls.
type Adapter interface {
	// VenueID returns the venue's configured name.
	VenueID() string

	// CachedFees returns the venue's fee schedule, refreshing lazily when
	// the TTL expired. Falls back to the last-known schedule on failure.
	CachedFees(ctx context.Context) types.FeeSchedule

	// OrderBook returns a fresh book snapshot, or false when unavailable.
	OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, bool)

	// CachedBalances returns the last fetched balances without I/O.
	CachedBalances() []types.Balance

	// Balances fetches authoritative balances, updating the cache.
	Balances(ctx context.Context) ([]types.Balance, error)

	// PlaceMarketBuy and friends submit orders. qty is in base units,
	// price in quote units. Results are tagged, never raised.
	PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult
	PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult

	// OrderStatus polls a previously placed order.
	OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderInfo, error)

	// Cancel attempts to cancel an order; true when the venue confirmed.
	Cancel(ctx context.Context, symbol, orderID string) bool

	// WithdrawalFee returns the venue's total quoted withdrawal cost for
	// the asset (inclusive of on-chain cost).
	WithdrawalFee(ctx context.Context, asset string) (decimal.Decimal, error)

	// DepositAddress returns the venue's deposit address for the asset.
	DepositAddress(ctx context.Context, asset string) (string, bool)

	// Withdraw moves funds off the venue; returns a transfer reference.
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error)
}

// notSupported builds the tagged result for an unimplemented operation.
func notSupported(venueID, symbol string, side types.Side) types.OrderResult {
	return types.OrderResult{
		Venue:   venueID,
		Symbol:  symbol,
		Side:    side,
		Status:  types.StatusNotSupported,
		Message: ErrNotSupported.Error(),
	}
}

// failedResult builds the tagged result for a reject or exhausted transport.
func failedResult(venueID, symbol string, side types.Side, msg string) types.OrderResult {
	return types.OrderResult{
		Venue:   venueID,
		Symbol:  symbol,
		Side:    side,
		Status:  types.StatusFailed,
		Message: msg,
	}
}

// knownQuotes is checked longest-first when splitting symbols.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "EUR", "USD", "BTC", "ETH", "BNB"}

// SplitSymbol derives (base, quote) from a concatenated symbol like
// "BTCUSDT". Unknown quotes fall back to a 3-character suffix.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	if len(s) > 3 {
		return s[:len(s)-3], s[len(s)-3:]
	}
	return s, ""
}
