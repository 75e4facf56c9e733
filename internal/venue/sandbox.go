// sandbox.go implements the simulated venue used in sandbox mode and tests.
//
// The sandbox holds its own order books and balances in memory. Market
// orders fill by walking the held book; limit orders fill when marketable
// and rest as Pending otherwise. Balance accounting mirrors a real spot
// venue: buys spend quote and credit base, sells spend base and credit
// quote, with the taker fee charged on the quote side.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/pkg/types"
)

// SandboxAdapter is an in-memory Adapter implementation.
type SandboxAdapter struct {
	name   string
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	books    map[string]types.OrderBook
	balances map[string]types.Balance
	fees     types.FeeSchedule
	wfees    map[string]decimal.Decimal
	orders   map[string]types.OrderInfo
	seq      int

	// failNext, when set for a side, fails the next order on that side
	// with the given diagnostic. Used to script venue rejects.
	failNext map[types.Side]string
}

// NewSandboxAdapter creates an empty simulated venue with the given fees.
func NewSandboxAdapter(name string, fees types.FeeSchedule, clk clock.Clock, logger *slog.Logger) *SandboxAdapter {
	return &SandboxAdapter{
		name:     name,
		clock:    clk,
		logger:   logger.With("component", "venue", "venue", name),
		books:    make(map[string]types.OrderBook),
		balances: make(map[string]types.Balance),
		fees:     fees,
		wfees:    make(map[string]decimal.Decimal),
		orders:   make(map[string]types.OrderInfo),
		failNext: make(map[types.Side]string),
	}
}

func (a *SandboxAdapter) VenueID() string { return a.name }

// SetBook installs the book market orders will fill against.
func (a *SandboxAdapter) SetBook(book types.OrderBook) {
	book.Venue = a.name
	if book.LastUpdate.IsZero() {
		book.LastUpdate = a.clock.Now()
	}
	a.mu.Lock()
	a.books[book.Symbol] = book
	a.mu.Unlock()
}

// SetBalance sets one asset's free balance (locked zeroed).
func (a *SandboxAdapter) SetBalance(asset string, free decimal.Decimal) {
	a.mu.Lock()
	a.balances[asset] = types.Balance{Asset: asset, Free: free}
	a.mu.Unlock()
}

// SetWithdrawalFee sets the quoted withdrawal cost for an asset.
func (a *SandboxAdapter) SetWithdrawalFee(asset string, fee decimal.Decimal) {
	a.mu.Lock()
	a.wfees[asset] = fee
	a.mu.Unlock()
}

// FailNext scripts a venue reject for the next order on the given side.
func (a *SandboxAdapter) FailNext(side types.Side, msg string) {
	a.mu.Lock()
	a.failNext[side] = msg
	a.mu.Unlock()
}

func (a *SandboxAdapter) CachedFees(ctx context.Context) types.FeeSchedule {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fees
}

func (a *SandboxAdapter) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	book, ok := a.books[symbol]
	if !ok {
		return types.OrderBook{}, false
	}
	return book, true
}

func (a *SandboxAdapter) CachedBalances() []types.Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balanceListLocked()
}

func (a *SandboxAdapter) Balances(ctx context.Context) ([]types.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balanceListLocked(), nil
}

func (a *SandboxAdapter) balanceListLocked() []types.Balance {
	out := make([]types.Balance, 0, len(a.balances))
	for _, b := range a.balances {
		out = append(out, b)
	}
	return out
}

func (a *SandboxAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.fill(symbol, types.BUY, qty, decimal.Zero, false)
}

func (a *SandboxAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.fill(symbol, types.SELL, qty, decimal.Zero, false)
}

func (a *SandboxAdapter) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.fill(symbol, types.BUY, qty, price, true)
}

func (a *SandboxAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.fill(symbol, types.SELL, qty, price, true)
}

// fill executes an order against the held book. Market orders take every
// level; limit orders stop at the limit price and rest as Pending when
// nothing is marketable.
func (a *SandboxAdapter) fill(symbol string, side types.Side, qty, limit decimal.Decimal, isLimit bool) types.OrderResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if msg, ok := a.failNext[side]; ok {
		delete(a.failNext, side)
		return failedResult(a.name, symbol, side, msg)
	}
	if !qty.IsPositive() {
		return failedResult(a.name, symbol, side, "quantity must be positive")
	}

	book, ok := a.books[symbol]
	if !ok {
		return failedResult(a.name, symbol, side, "no book for symbol")
	}

	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}

	remaining := qty
	filled := decimal.Zero
	notional := decimal.Zero
	for _, lvl := range levels {
		if remaining.IsZero() {
			break
		}
		if isLimit {
			if side == types.BUY && lvl.Price.GreaterThan(limit) {
				break
			}
			if side == types.SELL && lvl.Price.LessThan(limit) {
				break
			}
		}
		take := decimal.Min(remaining, lvl.Quantity)
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}

	a.seq++
	orderID := fmt.Sprintf("%s-%d", a.name, a.seq)

	if filled.IsZero() {
		if isLimit {
			info := types.OrderInfo{OrderID: orderID, Symbol: symbol, Status: types.StatusPending}
			a.orders[orderID] = info
			return types.OrderResult{
				OrderID: orderID, Venue: a.name, Symbol: symbol, Side: side,
				Status: types.StatusPending,
			}
		}
		return failedResult(a.name, symbol, side, "no liquidity")
	}

	avgPrice := notional.DivRound(filled, 12)
	base, quote := SplitSymbol(symbol)
	fee := notional.Mul(a.fees.Taker)

	if side == types.BUY {
		cost := notional.Add(fee)
		q := a.balances[quote]
		if q.Free.LessThan(cost) {
			return failedResult(a.name, symbol, side, "insufficient "+quote+" balance")
		}
		q.Free = q.Free.Sub(cost)
		a.balances[quote] = q
		b := a.balances[base]
		b.Asset = base
		b.Free = b.Free.Add(filled)
		a.balances[base] = b
	} else {
		b := a.balances[base]
		if b.Free.LessThan(filled) {
			return failedResult(a.name, symbol, side, "insufficient "+base+" balance")
		}
		b.Free = b.Free.Sub(filled)
		a.balances[base] = b
		q := a.balances[quote]
		q.Asset = quote
		q.Free = q.Free.Add(notional.Sub(fee))
		a.balances[quote] = q
	}

	status := types.StatusFilled
	if remaining.IsPositive() {
		status = types.StatusPartiallyFilled
	}
	info := types.OrderInfo{
		OrderID: orderID, Symbol: symbol, Status: status,
		ExecutedQty: filled, AvgPrice: avgPrice,
	}
	a.orders[orderID] = info

	return types.OrderResult{
		OrderID: orderID, Venue: a.name, Symbol: symbol, Side: side,
		Status: status, ExecutedQty: filled, AvgPrice: avgPrice,
	}
}

func (a *SandboxAdapter) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.orders[orderID]
	if !ok {
		return types.OrderInfo{}, fmt.Errorf("unknown order %s", orderID)
	}
	return info, nil
}

func (a *SandboxAdapter) Cancel(ctx context.Context, symbol, orderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.orders[orderID]
	if !ok || info.Status.Terminal() {
		return false
	}
	info.Status = types.StatusCancelled
	a.orders[orderID] = info
	return true
}

func (a *SandboxAdapter) WithdrawalFee(ctx context.Context, asset string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fee, ok := a.wfees[asset]; ok {
		return fee, nil
	}
	return decimal.Zero, nil
}

func (a *SandboxAdapter) DepositAddress(ctx context.Context, asset string) (string, bool) {
	return fmt.Sprintf("sim-%s-%s", a.name, asset), true
}

func (a *SandboxAdapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fee := a.wfees[asset]
	total := amount.Add(fee)
	b, ok := a.balances[asset]
	if !ok || b.Free.LessThan(total) {
		return "", fmt.Errorf("insufficient %s balance for withdrawal", asset)
	}
	b.Free = b.Free.Sub(total)
	a.balances[asset] = b

	a.seq++
	ref := fmt.Sprintf("wd-%s-%d", a.name, a.seq)
	a.logger.Info("sandbox withdrawal", "asset", asset, "amount", amount, "ref", ref)
	return ref, nil
}
