// rest.go implements the generic signed-REST venue adapter.
//
// It targets the common spot-exchange REST shape: depth snapshots, an
// account endpoint for balances and fees, an orders endpoint, and asset
// endpoints for withdrawal fees and deposit addresses. Every request is
// rate-limited via per-category TokenBuckets, retried on 5xx inside resty,
// authenticated with HMAC-SHA256 headers, and wrapped in a circuit breaker
// so a flapping venue fails fast instead of tying up dispatch.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"crossarb/internal/clock"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const defaultFeeTTL = time.Hour

// RESTAdapter talks to one exchange over its signed REST API.
type RESTAdapter struct {
	name   string
	http   *resty.Client
	rl     *RateLimiter
	brk    *gobreaker.CircuitBreaker
	clock  clock.Clock
	logger *slog.Logger

	apiKey     string
	secret     string
	passphrase string

	feeTTL time.Duration

	feeMu      sync.RWMutex
	fees       types.FeeSchedule
	feesSet    bool
	feeFetched time.Time

	balMu    sync.RWMutex
	balances []types.Balance
}

// NewRESTAdapter builds an adapter from venue config.
func NewRESTAdapter(cfg config.VenueConfig, feeTTL time.Duration, clk clock.Clock, logger *slog.Logger) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if feeTTL == 0 {
		feeTTL = defaultFeeTTL
	}

	return &RESTAdapter{
		name:       cfg.Name,
		http:       httpClient,
		rl:         NewRateLimiter(),
		clock:      clk,
		logger:     logger.With("component", "venue", "venue", cfg.Name),
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		passphrase: cfg.Passphrase,
		feeTTL:     feeTTL,
		brk: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (a *RESTAdapter) VenueID() string { return a.name }

// signedHeaders computes the auth headers for one request.
// message = timestamp + method + path [+ body], HMAC-SHA256 over the secret.
func (a *RESTAdapter) signedHeaders(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(a.clock.Now().Unix(), 10)

	message := timestamp + method + path
	if body != "" {
		message += body
	}
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	headers := map[string]string{
		"X-API-KEY":   a.apiKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": sig,
	}
	if a.passphrase != "" {
		headers["X-PASSPHRASE"] = a.passphrase
	}
	return headers
}

// bodyJSON renders the request body exactly as resty will send it, so the
// signature covers the same bytes.
func bodyJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// do runs fn through the circuit breaker.
func (a *RESTAdapter) do(fn func() error) error {
	_, err := a.brk.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type depthResponse struct {
	Bids [][2]string `json:"bids"` // [price, quantity]
	Asks [][2]string `json:"asks"`
}

// OrderBook fetches a depth snapshot. Missing or malformed books return
// false; detection treats the venue as absent for this symbol.
func (a *RESTAdapter) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, bool) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return types.OrderBook{}, false
	}

	var result depthResponse
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("limit", strconv.Itoa(depth)).
			SetResult(&result).
			Get("/api/v1/market/depth")
		if err != nil {
			return fmt.Errorf("get depth: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("depth fetch failed", "symbol", symbol, "error", err)
		return types.OrderBook{}, false
	}

	book := types.OrderBook{
		Venue:      a.name,
		Symbol:     symbol,
		LastUpdate: a.clock.Now(),
	}
	var ok bool
	if book.Bids, ok = parseLevels(result.Bids); !ok {
		return types.OrderBook{}, false
	}
	if book.Asks, ok = parseLevels(result.Asks); !ok {
		return types.OrderBook{}, false
	}
	return book, true
}

func parseLevels(raw [][2]string) ([]types.PriceLevel, bool) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, false
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, false
		}
		levels = append(levels, types.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, true
}

// ————————————————————————————————————————————————————————————————————————
// Fees and balances
// ————————————————————————————————————————————————————————————————————————

type feeResponse struct {
	Maker string `json:"maker"`
	Taker string `json:"taker"`
}

// CachedFees returns the fee schedule, refreshing when the TTL expired.
// On refresh failure the last-known schedule is returned.
func (a *RESTAdapter) CachedFees(ctx context.Context) types.FeeSchedule {
	a.feeMu.RLock()
	fresh := a.feesSet && a.clock.Now().Sub(a.feeFetched) < a.feeTTL
	fees := a.fees
	a.feeMu.RUnlock()
	if fresh {
		return fees
	}

	updated, err := a.fetchFees(ctx)
	if err != nil {
		a.logger.Warn("fee refresh failed, using last known", "error", err)
		return fees
	}
	a.feeMu.Lock()
	a.fees = updated
	a.feesSet = true
	a.feeFetched = a.clock.Now()
	a.feeMu.Unlock()
	return updated
}

func (a *RESTAdapter) fetchFees(ctx context.Context) (types.FeeSchedule, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.FeeSchedule{}, err
	}

	const path = "/api/v1/account/fees"
	var result feeResponse
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("GET", path, "")).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("get fees: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("get fees: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return types.FeeSchedule{}, err
	}

	maker, err := decimal.NewFromString(result.Maker)
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("parse maker fee: %w", err)
	}
	taker, err := decimal.NewFromString(result.Taker)
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("parse taker fee: %w", err)
	}
	return types.FeeSchedule{Maker: maker, Taker: taker}, nil
}

type balanceEntry struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// CachedBalances returns the last fetched balances without I/O.
func (a *RESTAdapter) CachedBalances() []types.Balance {
	a.balMu.RLock()
	defer a.balMu.RUnlock()
	out := make([]types.Balance, len(a.balances))
	copy(out, a.balances)
	return out
}

// Balances fetches authoritative balances and updates the cache. On failure
// the cache keeps its last-known values and the error is returned.
func (a *RESTAdapter) Balances(ctx context.Context) ([]types.Balance, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/account/balances"
	var result []balanceEntry
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("GET", path, "")).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("get balances: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	balances := make([]types.Balance, 0, len(result))
	for _, e := range result {
		free, ferr := decimal.NewFromString(e.Free)
		locked, lerr := decimal.NewFromString(e.Locked)
		if ferr != nil || lerr != nil {
			return nil, fmt.Errorf("parse balance for %s", e.Asset)
		}
		balances = append(balances, types.Balance{Asset: e.Asset, Free: free, Locked: locked})
	}

	a.balMu.Lock()
	a.balances = balances
	a.balMu.Unlock()
	return balances, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

type orderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executed_qty"`
	AvgPrice    string `json:"avg_price"`
	Message     string `json:"message"`
}

func (a *RESTAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.BUY, "MARKET", qty, decimal.Zero)
}

func (a *RESTAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.SELL, "MARKET", qty, decimal.Zero)
}

func (a *RESTAdapter) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.BUY, "LIMIT", qty, price)
}

func (a *RESTAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) types.OrderResult {
	return a.placeOrder(ctx, symbol, types.SELL, "LIMIT", qty, price)
}

func (a *RESTAdapter) placeOrder(ctx context.Context, symbol string, side types.Side, orderType string, qty, price decimal.Decimal) types.OrderResult {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return failedResult(a.name, symbol, side, "rate limit wait: "+err.Error())
	}

	req := orderRequest{
		Symbol:   symbol,
		Side:     string(side),
		Type:     orderType,
		Quantity: qty.String(),
	}
	if orderType == "LIMIT" {
		req.Price = price.String()
	}

	const path = "/api/v1/orders"
	var result orderResponse
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("POST", path, bodyJSON(req))).
			SetBody(req).
			SetResult(&result).
			SetError(&result).
			Post(path)
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		// 4xx is a venue reject: the parsed body carries the diagnostic
		// and the caller gets a Failed result, not an error.
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("order transport failed", "symbol", symbol, "side", side, "error", err)
		return failedResult(a.name, symbol, side, err.Error())
	}

	return a.toOrderResult(symbol, side, result)
}

func (a *RESTAdapter) toOrderResult(symbol string, side types.Side, r orderResponse) types.OrderResult {
	out := types.OrderResult{
		OrderID: r.OrderID,
		Venue:   a.name,
		Symbol:  symbol,
		Side:    side,
		Status:  parseOrderStatus(r.Status),
		Message: r.Message,
	}
	if r.ExecutedQty != "" {
		if qty, err := decimal.NewFromString(r.ExecutedQty); err == nil {
			out.ExecutedQty = qty
		}
	}
	if r.AvgPrice != "" {
		if price, err := decimal.NewFromString(r.AvgPrice); err == nil {
			out.AvgPrice = price
		}
	}
	if out.Status == "" {
		out.Status = types.StatusFailed
		if out.Message == "" {
			out.Message = "venue returned no status"
		}
	}
	return out
}

func parseOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW", "PENDING", "ACCEPTED":
		return types.StatusPending
	case "FILLED":
		return types.StatusFilled
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return types.StatusCancelled
	case "REJECTED", "FAILED":
		return types.StatusFailed
	default:
		return types.OrderStatus("")
	}
}

// OrderStatus polls one order.
func (a *RESTAdapter) OrderStatus(ctx context.Context, symbol, orderID string) (types.OrderInfo, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.OrderInfo{}, err
	}

	path := "/api/v1/orders/" + orderID
	var result orderResponse
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("GET", path, "")).
			SetQueryParam("symbol", symbol).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("order status: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("order status: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return types.OrderInfo{}, err
	}

	info := types.OrderInfo{
		OrderID: result.OrderID,
		Symbol:  symbol,
		Status:  parseOrderStatus(result.Status),
	}
	if qty, err := decimal.NewFromString(result.ExecutedQty); err == nil {
		info.ExecutedQty = qty
	}
	if price, err := decimal.NewFromString(result.AvgPrice); err == nil {
		info.AvgPrice = price
	}
	return info, nil
}

// Cancel attempts to cancel an order.
func (a *RESTAdapter) Cancel(ctx context.Context, symbol, orderID string) bool {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return false
	}

	path := "/api/v1/orders/" + orderID
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("DELETE", path, "")).
			SetQueryParam("symbol", symbol).
			Delete(path)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("cancel: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("cancel failed", "order_id", orderID, "error", err)
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Transfers
// ————————————————————————————————————————————————————————————————————————

// WithdrawalFee returns the venue's quoted withdrawal cost for the asset.
func (a *RESTAdapter) WithdrawalFee(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	path := "/api/v1/assets/" + asset + "/withdraw-fee"
	var result struct {
		Fee string `json:"fee"`
	}
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("GET", path, "")).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("withdraw fee: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("withdraw fee: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	fee, err := decimal.NewFromString(result.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse withdraw fee: %w", err)
	}
	return fee, nil
}

// DepositAddress returns the deposit address for the asset.
func (a *RESTAdapter) DepositAddress(ctx context.Context, asset string) (string, bool) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return "", false
	}

	path := "/api/v1/assets/" + asset + "/deposit-address"
	var result struct {
		Address string `json:"address"`
	}
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("GET", path, "")).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("deposit address: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("deposit address: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil || result.Address == "" {
		return "", false
	}
	return result.Address, true
}

// Withdraw submits a withdrawal and returns the venue's transfer reference.
func (a *RESTAdapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return "", err
	}

	req := map[string]string{
		"asset":   asset,
		"amount":  amount.String(),
		"address": address,
	}
	if network != "" {
		req["network"] = network
	}

	const path = "/api/v1/withdrawals"
	var result struct {
		ID string `json:"id"`
	}
	err := a.do(func() error {
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeaders(a.signedHeaders("POST", path, bodyJSON(req))).
			SetBody(req).
			SetResult(&result).
			Post(path)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("withdraw: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	a.logger.Info("withdrawal submitted", "asset", asset, "amount", amount, "ref", result.ID)
	return result.ID, nil
}
