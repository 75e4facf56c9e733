// binance.go implements the Adapter contract for Binance spot via the
// official REST API client.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"crossarb/internal/clock"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// BinanceAdapter wraps the go-binance spot client. Request pacing uses a
// shared limiter well under Binance's weight budget; fee and balance reads
// are cached with TTL fallback like the generic adapter.
type BinanceAdapter struct {
	name    string
	client  *binance.Client
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *slog.Logger

	// feeSymbol is the symbol whose trade fee stands in for the venue
	// schedule; Binance quotes fees per symbol, the contract wants one
	// schedule per venue.
	feeSymbol string
	feeTTL    time.Duration

	feeMu      sync.RWMutex
	fees       types.FeeSchedule
	feesSet    bool
	feeFetched time.Time

	balMu    sync.RWMutex
	balances []types.Balance
}

// NewBinanceAdapter builds the adapter. feeSymbol should be one of the
// traded symbols; its fee schedule is used for the whole venue.
func NewBinanceAdapter(cfg config.VenueConfig, feeSymbol string, feeTTL time.Duration, clk clock.Clock, logger *slog.Logger) *BinanceAdapter {
	client := binance.NewClient(cfg.APIKey, cfg.Secret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if feeTTL == 0 {
		feeTTL = defaultFeeTTL
	}
	return &BinanceAdapter{
		name:      cfg.Name,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		clock:     clk,
		logger:    logger.With("component", "venue", "venue", cfg.Name),
		feeSymbol: feeSymbol,
		feeTTL:    feeTTL,
		// Standard spot fee tier until the first successful fetch.
		fees: types.FeeSchedule{
			Maker: decimal.RequireFromString("0.001"),
			Taker: decimal.RequireFromString("0.001"),
		},
	}
}

func (a *BinanceAdapter) VenueID() string { return a.name }

// OrderBook fetches a depth snapshot.
func (a *BinanceAdapter) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, bool) {
	if err := a.limiter.Wait(ctx); err != nil {
		return types.OrderBook{}, false
	}

	res, err := a.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		a.logger.Warn("depth fetch failed", "symbol", symbol, "error", err)
		return types.OrderBook{}, false
	}

	book := types.OrderBook{
		Venue:      a.name,
		Symbol:     symbol,
		LastUpdate: a.clock.Now(),
		Bids:       make([]types.PriceLevel, 0, len(res.Bids)),
		Asks:       make([]types.PriceLevel, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		price, perr := decimal.NewFromString(b.Price)
		qty, qerr := decimal.NewFromString(b.Quantity)
		if perr != nil || qerr != nil {
			return types.OrderBook{}, false
		}
		book.Bids = append(book.Bids, types.PriceLevel{Price: price, Quantity: qty})
	}
	for _, ask := range res.Asks {
		price, perr := decimal.NewFromString(ask.Price)
		qty, qerr := decimal.NewFromString(ask.Quantity)
		if perr != nil || qerr != nil {
			return types.OrderBook{}, false
		}
		book.Asks = append(book.Asks, types.PriceLevel{Price: price, Quantity: qty})
	}
	return book, true
}

// CachedFees returns the venue fee schedule, refreshing when the TTL
// expired. Falls back to the last-known schedule on failure.
func (a *BinanceAdapter) CachedFees(ctx context.Context) types.FeeSchedule {
	a.feeMu.RLock()
	fresh := a.feesSet && a.clock.Now().Sub(a.feeFetched) < a.feeTTL
	fees := a.fees
	a.feeMu.RUnlock()
	if fresh {
		return fees
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return fees
	}
	details, err := a.client.NewTradeFeeService().Symbol(a.feeSymbol).Do(ctx)
	if err != nil || len(details) == 0 {
		a.logger.Warn("fee refresh failed, using last known", "error", err)
		return fees
	}

	maker, merr := decimal.NewFromString(details[0].MakerCommission)
	taker, terr := decimal.NewFromString(details[0].TakerCommission)
	if merr != nil || terr != nil {
		return fees
	}

	updated := types.FeeSchedule{Maker: maker, Taker: taker}
	a.feeMu.Lock()
	a.fees = updated
	a.feesSet = true
	a.feeFetched = a.clock.Now()
	a.feeMu.Unlock()
	return updated
}

// CachedBalances returns the last fetched balances without I/O.
func (a *BinanceAdapter) CachedBalances() []types.Balance {
	a.balMu.RLock()
	defer a.balMu.RUnlock()
	out := make([]types.Balance, len(a.balances))
	copy(out, a.balances)
	return out
}

// Balances fetches authoritative balances and updates the cache.
func (a *BinanceAdapter) Balances(ctx context.Context) ([]types.Balance, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	balances := make([]types.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, ferr := decimal.NewFromString(b.Free)
		locked, lerr := decimal.NewFromString(b.Locked)
		if ferr != nil || lerr != nil {
			return nil, fmt.Errorf("parse balance for %s", b.Asset)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, types.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}

	a.balMu.Lock()
	a.balances = balances
	a.balMu.Unlock()
	return balances, nil
}

func (a *BinanceAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.BUY, binance.OrderTypeMarket, qty, decimal.Zero)
}

func (a *BinanceAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.SELL, binance.OrderTypeMarket, qty, decimal.Zero)
}

func (a *BinanceAdapter) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.BUY, binance.OrderTypeLimit, qty, price)
}

func (a *BinanceAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.SELL, binance.OrderTypeLimit, qty, price)
}

func (a *BinanceAdapter) placeOrder(ctx context.Context, symbol string, side types.Side, orderType binance.OrderType, qty, price decimal.Decimal) types.OrderResult {
	if err := a.limiter.Wait(ctx); err != nil {
		return failedResult(a.name, symbol, side, "rate limit wait: "+err.Error())
	}

	binSide := binance.SideTypeBuy
	if side == types.SELL {
		binSide = binance.SideTypeSell
	}

	svc := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binSide).
		Type(orderType).
		Quantity(qty.String())
	if orderType == binance.OrderTypeLimit {
		svc = svc.Price(price.String()).TimeInForce(binance.TimeInForceTypeGTC)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		// The SDK surfaces venue rejects and transport errors uniformly;
		// both become a Failed result with the diagnostic attached.
		a.logger.Warn("order failed", "symbol", symbol, "side", side, "error", err)
		return failedResult(a.name, symbol, side, err.Error())
	}

	out := types.OrderResult{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Venue:   a.name,
		Symbol:  symbol,
		Side:    side,
		Status:  parseOrderStatus(string(res.Status)),
	}
	if res.ExecutedQuantity != "" {
		if eq, err := decimal.NewFromString(res.ExecutedQuantity); err == nil {
			out.ExecutedQty = eq
		}
	}
	if res.CummulativeQuoteQuantity != "" && out.ExecutedQty.IsPositive() {
		if quote, err := decimal.NewFromString(res.CummulativeQuoteQuantity); err == nil {
			out.AvgPrice = quote.DivRound(out.ExecutedQty, 12)
		}
	}
	return out
}

// OrderStatus polls one order.
func (a *BinanceAdapter) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderInfo, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.OrderInfo{}, fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return types.OrderInfo{}, err
	}

	order, err := a.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return types.OrderInfo{}, fmt.Errorf("get order: %w", err)
	}

	info := types.OrderInfo{
		OrderID: orderID,
		Symbol:  symbol,
		Status:  parseOrderStatus(string(order.Status)),
	}
	if eq, err := decimal.NewFromString(order.ExecutedQuantity); err == nil {
		info.ExecutedQty = eq
	}
	if order.CummulativeQuoteQuantity != "" && info.ExecutedQty.IsPositive() {
		if quote, err := decimal.NewFromString(order.CummulativeQuoteQuantity); err == nil {
			info.AvgPrice = quote.DivRound(info.ExecutedQty, 12)
		}
	}
	return info, nil
}

// Cancel attempts to cancel an order.
func (a *BinanceAdapter) Cancel(ctx context.Context, symbol, orderID string) bool {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	if _, err := a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		a.logger.Warn("cancel failed", "order_id", orderID, "error", err)
		return false
	}
	return true
}

// WithdrawalFee returns Binance's quoted withdrawal fee for the asset.
func (a *BinanceAdapter) WithdrawalFee(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	details, err := a.client.NewGetAssetDetailService().Asset(asset).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("asset detail: %w", err)
	}
	detail, ok := details[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("asset detail: no entry for %s", asset)
	}
	return parseWithdrawFee(asset, detail.WithdrawFee)
}

// parseWithdrawFee converts the string-typed fee the asset-detail endpoint
// returns. A malformed quote is an error, never a silent zero.
func parseWithdrawFee(asset, raw string) (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse withdraw fee %q for %s: %w", raw, asset, err)
	}
	return fee, nil
}

// DepositAddress returns the deposit address for the asset.
func (a *BinanceAdapter) DepositAddress(ctx context.Context, asset string) (string, bool) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", false
	}
	res, err := a.client.NewGetDepositAddressService().Coin(asset).Do(ctx)
	if err != nil || res.Address == "" {
		return "", false
	}
	return res.Address, true
}

// Withdraw submits a withdrawal and returns the transfer reference.
func (a *BinanceAdapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	svc := a.client.NewCreateWithdrawService().
		Coin(asset).
		Address(address).
		Amount(amount.String())
	if network != "" {
		svc = svc.Network(network)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("withdraw: %w", err)
	}
	a.logger.Info("withdrawal submitted", "asset", asset, "amount", amount, "ref", res.ID)
	return res.ID, nil
}
