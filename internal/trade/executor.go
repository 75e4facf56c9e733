package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/metrics"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	defaultOrderTimeout  = 5 * time.Second
	defaultStatusRetries = 3
	lastLookTimeout      = 2 * time.Second
)

// Executor places the two legs of an opportunity and reconciles the result
// into exactly one Transaction. Realized profit is computed from fill data
// only, never from the signalled prices.
//
// Execution is idempotent per opportunity ID: replaying a signal returns the
// already recorded transaction without touching any venue.
type Executor struct {
	adapters map[string]venue.Adapter
	ring     *Ring
	hub      *hub.Hub
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	orderTimeout  time.Duration
	statusRetries int

	mu   sync.Mutex
	done map[string]types.Transaction
}

// NewExecutor wires the executor. orderTimeout and statusRetries fall back
// to 5s and 3 when not positive.
func NewExecutor(
	adapters map[string]venue.Adapter,
	ring *Ring,
	h *hub.Hub,
	m *metrics.Metrics,
	clk clock.Clock,
	orderTimeout time.Duration,
	statusRetries int,
	logger *slog.Logger,
) *Executor {
	if orderTimeout <= 0 {
		orderTimeout = defaultOrderTimeout
	}
	if statusRetries <= 0 {
		statusRetries = defaultStatusRetries
	}
	return &Executor{
		adapters:      adapters,
		ring:          ring,
		hub:           h,
		metrics:       m,
		clock:         clk,
		orderTimeout:  orderTimeout,
		statusRetries: statusRetries,
		done:          make(map[string]types.Transaction),
		logger:        logger.With("component", "executor"),
	}
}

// Execute runs both legs of the opportunity in the given mode and records
// the outcome. The returned bool is false when the opportunity had already
// been executed (the recorded transaction is returned unchanged).
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity, mode types.ExecutionMode) (types.Transaction, bool) {
	e.mu.Lock()
	if tx, seen := e.done[opp.ID]; seen {
		e.mu.Unlock()
		e.logger.Warn("duplicate signal ignored", "opportunity_id", opp.ID)
		return tx, false
	}
	// Reserve the slot before placing anything so a concurrent replay of
	// the same ID can never double-execute.
	e.done[opp.ID] = types.Transaction{ID: opp.ID, Opportunity: opp, Status: types.TxFailed}
	e.mu.Unlock()

	buyAd, okB := e.adapters[opp.BuyVenue]
	sellAd, okS := e.adapters[opp.SellVenue]

	var tx types.Transaction
	if !okB || !okS {
		tx = types.Transaction{
			Status: types.TxFailed,
			Notes:  fmt.Sprintf("unknown venue in pair %s/%s", opp.BuyVenue, opp.SellVenue),
		}
	} else if mode == types.ModeConcurrent {
		tx = e.executeConcurrent(ctx, opp, buyAd, sellAd)
	} else {
		tx = e.executeSequential(ctx, opp, buyAd, sellAd)
	}

	tx.ID = uuid.NewString()
	tx.Opportunity = opp
	tx.CreatedAt = e.clock.Now()

	if tx.BuyResult.Status == types.StatusNotSupported || tx.SellResult.Status == types.StatusNotSupported {
		// A venue that cannot take market orders should never have been
		// routed to; this is a configuration error, not a market outcome.
		e.logger.Error("venue does not support required order type, check venue configuration",
			"buy_venue", opp.BuyVenue, "sell_venue", opp.SellVenue, "symbol", opp.Symbol)
	}

	e.mu.Lock()
	e.done[opp.ID] = tx
	e.mu.Unlock()

	e.ring.Append(tx)
	e.metrics.Transactions.WithLabelValues(string(tx.Status)).Inc()
	e.logger.Info("transaction recorded",
		"transaction_id", tx.ID,
		"opportunity_id", opp.ID,
		"symbol", opp.Symbol,
		"status", tx.Status,
		"realized_profit", tx.RealizedProfit,
	)
	select {
	case e.hub.Transactions <- tx:
	case <-ctx.Done():
	}
	return tx, true
}

// ————————————————————————————————————————————————————————————————————————
// Sequential mode
// ————————————————————————————————————————————————————————————————————————

// executeSequential places the buy leg first and sells only what actually
// filled. A dead sell leg triggers a compensating market sell on the buy
// venue so no base-asset exposure is left behind.
func (e *Executor) executeSequential(ctx context.Context, opp types.Opportunity, buyAd, sellAd venue.Adapter) types.Transaction {
	buy := e.resolve(ctx, buyAd, buyAd.PlaceMarketBuy(ctx, opp.Symbol, opp.Volume))
	if !buy.Filled() {
		return types.Transaction{
			Status:    types.TxFailed,
			BuyResult: buy,
			Notes:     "buy leg did not fill: " + buy.Message,
		}
	}

	sell := e.resolve(ctx, sellAd, sellAd.PlaceMarketSell(ctx, opp.Symbol, buy.ExecutedQty))

	unsold := buy.ExecutedQty.Sub(sell.ExecutedQty)
	if !unsold.IsPositive() {
		return types.Transaction{
			Status:         types.TxSuccess,
			RealizedProfit: realized(opp, buy, sell, nil),
			BuyResult:      buy,
			SellResult:     sell,
		}
	}

	// Sell leg dead or short: unwind the remainder where we bought it.
	undo := e.resolve(ctx, buyAd, buyAd.PlaceMarketSell(ctx, opp.Symbol, unsold))
	if undo.ExecutedQty.GreaterThanOrEqual(unsold) {
		status := types.TxRecovered
		if sell.Filled() {
			status = types.TxPartial
		}
		return types.Transaction{
			Status:         status,
			RealizedProfit: realized(opp, buy, sell, []types.OrderResult{undo}),
			BuyResult:      buy,
			SellResult:     sell,
			Notes:          undoNote(undo),
		}
	}

	stranded := unsold.Sub(undo.ExecutedQty)
	e.logger.Error("stranded position after failed unwind",
		"opportunity_id", opp.ID,
		"venue", opp.BuyVenue,
		"symbol", opp.Symbol,
		"asset", opp.Base,
		"quantity", stranded,
	)
	return types.Transaction{
		Status:         types.TxFailed,
		RealizedProfit: realized(opp, buy, sell, []types.OrderResult{undo}),
		BuyResult:      buy,
		SellResult:     sell,
		Notes:          fmt.Sprintf("stranded %s %s on %s after failed unwind", stranded, opp.Base, opp.BuyVenue),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Concurrent mode
// ————————————————————————————————————————————————————————————————————————

// executeConcurrent fires both legs in parallel, then reconciles fills to
// the smaller side, unwinding any excess on the venue that overfilled.
func (e *Executor) executeConcurrent(ctx context.Context, opp types.Opportunity, buyAd, sellAd venue.Adapter) types.Transaction {
	var buy, sell types.OrderResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buy = e.resolve(ctx, buyAd, buyAd.PlaceMarketBuy(ctx, opp.Symbol, opp.Volume))
	}()
	go func() {
		defer wg.Done()
		sell = e.resolve(ctx, sellAd, sellAd.PlaceMarketSell(ctx, opp.Symbol, opp.Volume))
	}()
	wg.Wait()

	switch {
	case !buy.Filled() && !sell.Filled():
		return types.Transaction{
			Status:     types.TxFailed,
			BuyResult:  buy,
			SellResult: sell,
			Notes:      "neither leg filled",
		}

	case buy.Filled() && !sell.Filled():
		// Holding unmatched base on the buy venue: sell it back there.
		undo := e.resolve(ctx, buyAd, buyAd.PlaceMarketSell(ctx, opp.Symbol, buy.ExecutedQty))
		return e.unwound(opp, buy, sell, undo, buy.ExecutedQty, opp.BuyVenue)

	case sell.Filled() && !buy.Filled():
		// Sold base we never acquired: buy it back on the sell venue.
		undo := e.resolve(ctx, sellAd, sellAd.PlaceMarketBuy(ctx, opp.Symbol, sell.ExecutedQty))
		return e.unwound(opp, buy, sell, undo, sell.ExecutedQty, opp.SellVenue)
	}

	diff := buy.ExecutedQty.Sub(sell.ExecutedQty)
	if diff.IsZero() {
		return types.Transaction{
			Status:         types.TxSuccess,
			RealizedProfit: realized(opp, buy, sell, nil),
			BuyResult:      buy,
			SellResult:     sell,
		}
	}

	// Uneven partials: reconcile to the smaller fill.
	var undo types.OrderResult
	var undoVenue string
	if diff.IsPositive() {
		undo = e.resolve(ctx, buyAd, buyAd.PlaceMarketSell(ctx, opp.Symbol, diff))
		undoVenue = opp.BuyVenue
	} else {
		undo = e.resolve(ctx, sellAd, sellAd.PlaceMarketBuy(ctx, opp.Symbol, diff.Neg()))
		undoVenue = opp.SellVenue
	}
	tx := types.Transaction{
		Status:         types.TxPartial,
		RealizedProfit: realized(opp, buy, sell, []types.OrderResult{undo}),
		BuyResult:      buy,
		SellResult:     sell,
		Notes:          undoNote(undo),
	}
	if undo.ExecutedQty.LessThan(diff.Abs()) {
		e.logger.Error("stranded position after failed reconcile",
			"opportunity_id", opp.ID,
			"venue", undoVenue,
			"symbol", opp.Symbol,
			"quantity", diff.Abs().Sub(undo.ExecutedQty),
		)
		tx.Status = types.TxFailed
		tx.Notes = fmt.Sprintf("stranded %s %s on %s after failed reconcile",
			diff.Abs().Sub(undo.ExecutedQty), opp.Base, undoVenue)
	}
	return tx
}

// unwound classifies a single-leg unwind: Recovered when the full exposure
// came back, Failed with a stranded-position alert otherwise.
func (e *Executor) unwound(opp types.Opportunity, buy, sell, undo types.OrderResult, exposure decimal.Decimal, venueID string) types.Transaction {
	tx := types.Transaction{
		RealizedProfit: realized(opp, buy, sell, []types.OrderResult{undo}),
		BuyResult:      buy,
		SellResult:     sell,
		Notes:          undoNote(undo),
	}
	if undo.ExecutedQty.GreaterThanOrEqual(exposure) {
		tx.Status = types.TxRecovered
		return tx
	}
	e.logger.Error("stranded position after failed unwind",
		"opportunity_id", opp.ID,
		"venue", venueID,
		"symbol", opp.Symbol,
		"quantity", exposure.Sub(undo.ExecutedQty),
	)
	tx.Status = types.TxFailed
	tx.Notes = fmt.Sprintf("stranded %s %s on %s after failed unwind",
		exposure.Sub(undo.ExecutedQty), opp.Base, venueID)
	return tx
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// resolve settles a placement result. Pending orders are polled a bounded
// number of times; an order that stays open is cancelled and its confirmed
// fill taken. An order is never assumed failed without the venue saying so.
func (e *Executor) resolve(ctx context.Context, a venue.Adapter, res types.OrderResult) types.OrderResult {
	if res.Status.Terminal() || res.OrderID == "" {
		return res
	}

	interval := e.orderTimeout / time.Duration(e.statusRetries)
	for i := 0; i < e.statusRetries; i++ {
		select {
		case <-ctx.Done():
			return e.lastLook(a, res)
		case <-time.After(interval):
		}
		info, err := a.OrderStatus(ctx, res.Symbol, res.OrderID)
		if err != nil {
			e.logger.Warn("order status poll failed",
				"venue", a.VenueID(), "order_id", res.OrderID, "error", err)
			continue
		}
		res.Status = info.Status
		res.ExecutedQty = info.ExecutedQty
		res.AvgPrice = info.AvgPrice
		if res.Status.Terminal() {
			return res
		}
	}

	// Still open after the poll budget: cancel and keep whatever filled.
	if a.Cancel(ctx, res.Symbol, res.OrderID) {
		if info, err := a.OrderStatus(ctx, res.Symbol, res.OrderID); err == nil {
			res.Status = info.Status
			res.ExecutedQty = info.ExecutedQty
			res.AvgPrice = info.AvgPrice
		}
	}
	if !res.Status.Terminal() {
		if res.ExecutedQty.IsPositive() {
			res.Status = types.StatusPartiallyFilled
		} else {
			res.Status = types.StatusCancelled
		}
	}
	return res
}

// lastLook fetches the order's status once on a detached deadline after the
// caller's context died mid-poll. An order can fill while the engine shuts
// down; the recorded transaction must reflect that fill, not the stale
// pending snapshot.
func (e *Executor) lastLook(a venue.Adapter, res types.OrderResult) types.OrderResult {
	ctx, cancel := context.WithTimeout(context.Background(), lastLookTimeout)
	defer cancel()

	info, err := a.OrderStatus(ctx, res.Symbol, res.OrderID)
	if err != nil {
		e.logger.Warn("final status fetch failed during shutdown",
			"venue", a.VenueID(), "order_id", res.OrderID, "error", err)
		return res
	}
	res.Status = info.Status
	res.ExecutedQty = info.ExecutedQty
	res.AvgPrice = info.AvgPrice
	return res
}

// realized computes profit in quote units from actual fills: every sell-side
// fill credits qty*price net of fee, every buy-side fill debits qty*price
// plus fee. Unwind orders participate like any other fill, charged at the
// fee of the venue they ran on.
func realized(opp types.Opportunity, buy, sell types.OrderResult, undos []types.OrderResult) decimal.Decimal {
	one := decimal.NewFromInt(1)
	feeFor := func(venueID string) decimal.Decimal {
		if venueID == opp.BuyVenue {
			return opp.BuyFee
		}
		return opp.SellFee
	}

	total := decimal.Zero
	for _, r := range append([]types.OrderResult{buy, sell}, undos...) {
		if !r.ExecutedQty.IsPositive() {
			continue
		}
		notional := r.ExecutedQty.Mul(r.AvgPrice)
		fee := feeFor(r.Venue)
		if r.Side == types.SELL {
			total = total.Add(notional.Mul(one.Sub(fee)))
		} else {
			total = total.Sub(notional.Mul(one.Add(fee)))
		}
	}
	return total
}

func undoNote(undo types.OrderResult) string {
	if undo.OrderID == "" && undo.ExecutedQty.IsZero() {
		return "compensating order did not execute: " + undo.Message
	}
	return fmt.Sprintf("compensating %s on %s: order %s filled %s @ %s",
		undo.Side, undo.Venue, undo.OrderID, undo.ExecutedQty, undo.AvgPrice)
}
