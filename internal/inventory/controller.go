// Package inventory keeps asset holdings balanced across venues.
//
// The controller polls authoritative balances, measures how far each venue's
// holding of an asset deviates from an even split, and produces transfer
// proposals when the skew passes the configured threshold. Proposals are
// advisory unless auto-rebalancing is enabled, in which case viable ones are
// executed as on-chain withdrawals.
//
// Independently, the controller watches the passive signal stream: an
// arbitrage candidate too thin for the profit threshold still gets executed
// when its legs happen to move inventory in the right direction, since the
// trade then replaces a transfer that would have cost a withdrawal fee.
package inventory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/trade"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	defaultPollInterval = 30 * time.Second
	// trendNeutral is the only trend classification currently produced;
	// the field exists so flow-based labels can slot in later.
	trendNeutral = "Neutral"
)

// defaultViabilityCeiling caps transfer cost at 1% of the moved amount.
var defaultViabilityCeiling = decimal.RequireFromString("1")

// Controller measures cross-venue inventory skew and acts on it.
type Controller struct {
	adapters   map[string]venue.Adapter
	settings   *settings.Store
	dispatcher *trade.Dispatcher
	hub        *hub.Hub
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger

	assets           []string
	pollInterval     time.Duration
	viabilityCeiling decimal.Decimal

	// onProposal, when set, receives every fresh proposal for push streams.
	onProposal func(types.RebalanceProposal)

	mu        sync.RWMutex
	holdings  map[string]map[string]decimal.Decimal
	proposals []types.RebalanceProposal
}

// NewController wires the inventory loop. assets lists the base and quote
// assets to track; pollInterval zero means 30s and viabilityCeiling zero
// means 1%. onProposal may be nil.
func NewController(
	adapters map[string]venue.Adapter,
	st *settings.Store,
	dispatcher *trade.Dispatcher,
	h *hub.Hub,
	m *metrics.Metrics,
	clk clock.Clock,
	assets []string,
	pollInterval time.Duration,
	viabilityCeiling decimal.Decimal,
	onProposal func(types.RebalanceProposal),
	logger *slog.Logger,
) *Controller {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if !viabilityCeiling.IsPositive() {
		viabilityCeiling = defaultViabilityCeiling
	}
	return &Controller{
		adapters:         adapters,
		settings:         st,
		dispatcher:       dispatcher,
		hub:              h,
		metrics:          m,
		clock:            clk,
		assets:           assets,
		pollInterval:     pollInterval,
		viabilityCeiling: viabilityCeiling,
		onProposal:       onProposal,
		holdings:         make(map[string]map[string]decimal.Decimal),
		logger:           logger.With("component", "inventory"),
	}
}

// Run drives both the balance poll loop and the passive signal consumer
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	go c.consumePassive(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Balance polling and proposals
// ————————————————————————————————————————————————————————————————————————

// Poll refreshes holdings from every venue and rebuilds proposals.
func (c *Controller) Poll(ctx context.Context) {
	holdings := make(map[string]map[string]decimal.Decimal, len(c.assets))
	for _, asset := range c.assets {
		holdings[asset] = make(map[string]decimal.Decimal, len(c.adapters))
	}

	for venueID, adapter := range c.adapters {
		balances, err := adapter.Balances(ctx)
		if err != nil {
			c.logger.Warn("balance refresh failed, venue skipped this cycle",
				"venue", venueID, "error", err)
			continue
		}
		byAsset := make(map[string]decimal.Decimal, len(balances))
		for _, b := range balances {
			byAsset[b.Asset] = b.Total()
		}
		for _, asset := range c.assets {
			holdings[asset][venueID] = byAsset[asset]
		}
	}

	snap := c.settings.Snapshot()
	proposals := make([]types.RebalanceProposal, 0, len(c.assets))
	for _, asset := range c.assets {
		p, ok := c.propose(ctx, asset, holdings[asset], snap)
		if !ok {
			continue
		}
		proposals = append(proposals, p)
		c.metrics.RebalanceProposals.WithLabelValues(boolLabel(p.IsViable)).Inc()
		if c.onProposal != nil {
			c.onProposal(p)
		}
		if snap.AutoRebalanceEnabled && p.IsViable {
			c.transfer(ctx, p, snap)
		}
	}

	c.mu.Lock()
	c.holdings = holdings
	c.proposals = proposals
	c.mu.Unlock()
}

// propose builds a transfer proposal for one asset when its skew passes the
// configured threshold: from the most overweight venue to the most
// underweight one, sized to halve the gap between them.
func (c *Controller) propose(ctx context.Context, asset string, byVenue map[string]decimal.Decimal, snap settings.Settings) (types.RebalanceProposal, bool) {
	devs := Deviations(byVenue)
	if len(devs) < 2 {
		return types.RebalanceProposal{}, false
	}

	source, target := extremes(devs)
	if devs[source].LessThan(snap.MinRebalanceSkew) {
		return types.RebalanceProposal{}, false
	}

	amount := byVenue[source].Sub(byVenue[target]).DivRound(decimal.NewFromInt(2), 12)
	if !amount.IsPositive() {
		return types.RebalanceProposal{}, false
	}

	fee, err := c.adapters[source].WithdrawalFee(ctx, asset)
	if err != nil {
		c.logger.Warn("withdrawal fee unavailable", "venue", source, "asset", asset, "error", err)
		return types.RebalanceProposal{}, false
	}
	costPct := fee.DivRound(amount, 12).Mul(decimal.NewFromInt(100))

	return types.RebalanceProposal{
		Asset:        asset,
		SourceVenue:  source,
		TargetVenue:  target,
		Amount:       amount,
		EstimatedFee: fee,
		CostPct:      costPct,
		TrendLabel:   trendNeutral,
		IsViable:     costPct.LessThanOrEqual(c.viabilityCeiling),
		CreatedAt:    c.clock.Now(),
	}, true
}

// transfer executes a viable proposal as an on-chain withdrawal. An operator
// wallet override beats the address the target venue reports.
func (c *Controller) transfer(ctx context.Context, p types.RebalanceProposal, snap settings.Settings) {
	address, ok := snap.WalletOverride(p.Asset, p.TargetVenue)
	if !ok {
		address, ok = c.adapters[p.TargetVenue].DepositAddress(ctx, p.Asset)
		if !ok {
			c.logger.Warn("no deposit address for transfer target",
				"venue", p.TargetVenue, "asset", p.Asset)
			return
		}
	}

	ref, err := c.adapters[p.SourceVenue].Withdraw(ctx, p.Asset, p.Amount, address, "")
	if err != nil {
		c.logger.Error("rebalance withdrawal failed",
			"asset", p.Asset, "source", p.SourceVenue, "target", p.TargetVenue,
			"amount", p.Amount, "error", err)
		return
	}
	c.logger.Info("rebalance withdrawal submitted",
		"asset", p.Asset, "source", p.SourceVenue, "target", p.TargetVenue,
		"amount", p.Amount, "fee", p.EstimatedFee, "ref", ref)
}

// Proposals returns the proposals built by the latest poll.
func (c *Controller) Proposals() []types.RebalanceProposal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.RebalanceProposal, len(c.proposals))
	copy(out, c.proposals)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Passive rebalancing
// ————————————————————————————————————————————————————————————————————————

// consumePassive evaluates below-threshold arbitrage candidates as free
// rebalancing moves.
func (c *Controller) consumePassive(ctx context.Context) {
	for {
		opp, ok := c.hub.PassiveSignals.Pop(ctx)
		if !ok {
			return
		}
		if c.WantsPassive(opp) {
			c.logger.Info("forwarding passive rebalance trade",
				"symbol", opp.Symbol,
				"sell_venue", opp.SellVenue,
				"buy_venue", opp.BuyVenue,
				"net_pct", opp.NetPct,
			)
			c.dispatcher.SubmitPassive(ctx, opp)
		}
	}
}

// WantsPassive reports whether executing the opportunity would move base
// inventory from an overweight venue to an underweight one: the sell leg
// must sit where the asset is over-held and the buy leg where it is
// under-held, each past the skew threshold.
func (c *Controller) WantsPassive(opp types.Opportunity) bool {
	snap := c.settings.Snapshot()

	c.mu.RLock()
	byVenue, ok := c.holdings[opp.Base]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	devs := Deviations(byVenue)
	sellDev, okS := devs[opp.SellVenue]
	buyDev, okB := devs[opp.BuyVenue]
	if !okS || !okB {
		return false
	}
	return sellDev.GreaterThanOrEqual(snap.MinRebalanceSkew) &&
		buyDev.Neg().GreaterThanOrEqual(snap.MinRebalanceSkew)
}

// ————————————————————————————————————————————————————————————————————————
// Skew math
// ————————————————————————————————————————————————————————————————————————

// Deviations maps each venue to its holding's signed deviation from an even
// split, normalized by the total: (holding - mean) / total, in [-1, 1].
// Empty when the total holding is zero.
func Deviations(byVenue map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(byVenue) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, h := range byVenue {
		total = total.Add(h)
	}
	if !total.IsPositive() {
		return nil
	}
	mean := total.DivRound(decimal.NewFromInt(int64(len(byVenue))), 12)

	out := make(map[string]decimal.Decimal, len(byVenue))
	for v, h := range byVenue {
		out[v] = h.Sub(mean).DivRound(total, 12)
	}
	return out
}

// Skew returns the largest deviation across venues: how overweight the most
// overweight venue is.
func Skew(byVenue map[string]decimal.Decimal) decimal.Decimal {
	max := decimal.Zero
	for _, dev := range Deviations(byVenue) {
		if dev.GreaterThan(max) {
			max = dev
		}
	}
	return max
}

// extremes returns the venues with the highest and lowest deviation, ties
// broken by venue name for determinism.
func extremes(devs map[string]decimal.Decimal) (source, target string) {
	venues := make([]string, 0, len(devs))
	for v := range devs {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	source, target = venues[0], venues[0]
	for _, v := range venues[1:] {
		if devs[v].GreaterThan(devs[source]) {
			source = v
		}
		if devs[v].LessThan(devs[target]) {
			target = v
		}
	}
	return source, target
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
