// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order sides, book
// snapshots, fee schedules, balances, opportunities, transactions, and
// rebalance proposals. It has no dependencies on internal packages, so it can
// be imported by any layer. Every money and quantity field is a
// fixed-precision decimal; binary floating point never touches a price.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side. Used when building compensating orders.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderStatus enumerates the states a venue order moves through. Venue
// rejects are not errors at the adapter boundary: they come back as a result
// with StatusFailed and a diagnostic message.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFailed          OrderStatus = "FAILED"
	StatusCancelled       OrderStatus = "CANCELLED"
	// StatusNotSupported tags an operation the adapter does not implement.
	// The dispatcher treats it as a configuration error, never as a
	// runnable branch.
	StatusNotSupported OrderStatus = "NOT_SUPPORTED"
)

// Terminal reports whether no further fills are possible for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusFailed, StatusCancelled, StatusNotSupported:
		return true
	}
	return false
}

// ExecutionMode selects how the two legs of a paired trade are placed.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "Sequential" // buy leg first, sell leg only after it lands
	ModeConcurrent ExecutionMode = "Concurrent" // both legs in parallel, reconcile after
)

// ————————————————————————————————————————————————————————————————————————
// Order books
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a point-in-time snapshot of one symbol's book on one venue.
// Bids are sorted descending by price (best first), asks ascending (best
// first). LastUpdate is the local receive time, used for staleness checks.
type OrderBook struct {
	Venue      string       `json:"venue"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	LastUpdate time.Time    `json:"last_update"`
}

// BestBid returns the top bid level; ok is false when the bid side is empty.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level; ok is false when the ask side is empty.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether the snapshot violates best bid < best ask.
// Crossed snapshots are rejected on intake and never reach detection.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// IsStale reports whether the snapshot is older than maxAge at the given
// instant. A book that was never updated is always stale.
func (b *OrderBook) IsStale(maxAge time.Duration, now time.Time) bool {
	if b.LastUpdate.IsZero() {
		return true
	}
	return now.Sub(b.LastUpdate) > maxAge
}

// MarketUpdate announces that a venue published a fresh book for a symbol.
type MarketUpdate struct {
	Venue  string
	Symbol string
}

// ————————————————————————————————————————————————————————————————————————
// Fees and balances
// ————————————————————————————————————————————————————————————————————————

// FeeSchedule holds a venue's trading fee rates as fractions in [0, 1).
// A 0.1% taker fee is stored as 0.001.
type FeeSchedule struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// Rate returns the fee fraction applicable to the given liquidity role.
func (f FeeSchedule) Rate(taker bool) decimal.Decimal {
	if taker {
		return f.Taker
	}
	return f.Maker
}

// Balance is one asset's holdings on a single venue.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and transactions
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a detected cross-venue price dislocation. BuyPrice and
// SellPrice are depth-walked volume-weighted averages, Volume is in base
// units, and the fee fields are fractions of notional. NetPct already has
// both fees deducted: NetPct = GrossPct - BuyFee*100 - SellFee*100.
//
// ID is assigned once, when the opportunity is first emitted, and serves as
// the executor's idempotency key: replaying a seen ID places no orders.
type Opportunity struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	BuyVenue  string          `json:"buy_venue"`
	SellVenue string          `json:"sell_venue"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Volume    decimal.Decimal `json:"volume"`
	BuyFee    decimal.Decimal `json:"buy_fee"`
	SellFee   decimal.Decimal `json:"sell_fee"`
	GrossPct  decimal.Decimal `json:"gross_pct"`
	NetPct    decimal.Decimal `json:"net_pct"`
	Timestamp time.Time       `json:"timestamp"`
	IsSandbox bool            `json:"is_sandbox"`
}

// Notional returns the buy-side cost of the opportunity in quote units.
func (o *Opportunity) Notional() decimal.Decimal {
	return o.BuyPrice.Mul(o.Volume)
}

// TransactionStatus is the terminal classification of one paired execution.
type TransactionStatus string

const (
	// TxSuccess means both legs filled at the reconciled quantity.
	TxSuccess TransactionStatus = "SUCCESS"
	// TxPartial means the legs filled unevenly and the excess was unwound.
	TxPartial TransactionStatus = "PARTIAL"
	// TxFailed means nothing was captured, or an unwind itself failed.
	TxFailed TransactionStatus = "FAILED"
	// TxRecovered means one leg stranded but the compensating order closed
	// it out; the net effect is the round-trip slippage cost.
	TxRecovered TransactionStatus = "RECOVERED"
)

// Loss reports whether this outcome counts against the consecutive-loss
// safety streak.
func (s TransactionStatus) Loss() bool {
	return s == TxFailed || s == TxPartial
}

// Transaction records the outcome of executing one opportunity. Immutable
// once Status is set; RealizedProfit is computed from actual fill prices and
// quantities, never from the signalled opportunity.
type Transaction struct {
	ID             string            `json:"id"`
	Opportunity    Opportunity       `json:"opportunity"`
	CreatedAt      time.Time         `json:"created_at"`
	Status         TransactionStatus `json:"status"`
	RealizedProfit decimal.Decimal   `json:"realized_profit"`
	BuyResult      OrderResult       `json:"buy_result"`
	SellResult     OrderResult       `json:"sell_result"`
	Notes          string            `json:"notes,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Venue order results
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the adapter-level outcome of placing an order. Transport
// errors and venue rejects both come back as StatusFailed with Message set.
type OrderResult struct {
	OrderID     string          `json:"order_id"`
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Status      OrderStatus     `json:"status"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Message     string          `json:"message,omitempty"`
}

// Filled reports whether any quantity executed.
func (r OrderResult) Filled() bool {
	return (r.Status == StatusFilled || r.Status == StatusPartiallyFilled) &&
		r.ExecutedQty.IsPositive()
}

// OrderInfo is a status poll result for a previously placed order.
type OrderInfo struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Status      OrderStatus     `json:"status"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// RebalanceProposal is a suggested transfer of an asset between venues to
// re-center inventory. CostPct = EstimatedFee / Amount * 100; the proposal
// is viable when that cost stays under the configured ceiling.
type RebalanceProposal struct {
	Asset        string          `json:"asset"`
	SourceVenue  string          `json:"source_venue"`
	TargetVenue  string          `json:"target_venue"`
	Amount       decimal.Decimal `json:"amount"`
	EstimatedFee decimal.Decimal `json:"estimated_fee"`
	CostPct      decimal.Decimal `json:"cost_pct"`
	TrendLabel   string          `json:"trend_label"`
	IsViable     bool            `json:"is_viable"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Connectivity
// ————————————————————————————————————————————————————————————————————————

// ConnectionStatus is a per-venue connectivity event pushed to external
// consumers.
type ConnectionStatus struct {
	Venue     string    `json:"venue"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}
