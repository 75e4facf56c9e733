package strategy

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/clock"
	"crossarb/internal/hub"
	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/stats"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// Detector consumes market updates, runs the calculator over the affected
// symbol, and emits surviving opportunities. Candidates clearing the
// configured threshold go to the trade queue; every candidate clearing the
// absolute floor additionally goes to the passive-rebalance queue.
//
// Every emitted opportunity carries a freshly generated UUID: the ID is the
// executor's dedupe key, so two detections of the same dislocation are two
// distinct signals.
type Detector struct {
	registry *market.Registry
	adapters map[string]venue.Adapter
	settings *settings.Store
	hub      *hub.Hub
	window   *stats.Window
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	dustFloor decimal.Decimal
	// onOpportunity, when set, receives every trade-grade opportunity for
	// external consumers (push streams).
	onOpportunity func(types.Opportunity)
}

// NewDetector wires the detection loop. onOpportunity may be nil.
func NewDetector(
	registry *market.Registry,
	adapters map[string]venue.Adapter,
	st *settings.Store,
	h *hub.Hub,
	window *stats.Window,
	m *metrics.Metrics,
	clk clock.Clock,
	dustFloor decimal.Decimal,
	onOpportunity func(types.Opportunity),
	logger *slog.Logger,
) *Detector {
	return &Detector{
		registry:      registry,
		adapters:      adapters,
		settings:      st,
		hub:           h,
		window:        window,
		metrics:       m,
		clock:         clk,
		dustFloor:     dustFloor,
		onOpportunity: onOpportunity,
		logger:        logger.With("component", "detector"),
	}
}

// Run consumes the market update stream until ctx is cancelled.
func (det *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-det.hub.MarketUpdates.Recv():
			det.evaluateSymbol(ctx, update.Symbol)
		}
	}
}

// evaluateSymbol gathers current books, fees and cached balances for the
// symbol and runs the calculator. Missing data for all but one venue means
// skip silently.
func (det *Detector) evaluateSymbol(ctx context.Context, symbol string) {
	books := det.registry.BySymbol(symbol)
	if len(books) < 2 {
		return
	}

	snap := det.settings.Snapshot()

	fees := make(map[string]types.FeeSchedule, len(books))
	balances := make(map[string][]types.Balance, len(books))
	for venueID := range books {
		adapter, ok := det.adapters[venueID]
		if !ok {
			delete(books, venueID)
			continue
		}
		fees[venueID] = adapter.CachedFees(ctx)
		balances[venueID] = adapter.CachedBalances()
	}
	if len(books) < 2 {
		return
	}

	in := Input{
		Symbol:                symbol,
		Books:                 books,
		Fees:                  fees,
		UseTakerFees:          snap.UseTakerFees,
		GlobalMinProfitPct:    snap.GlobalMinProfitPct,
		PairMinProfitPct:      snap.PairMinProfitPct,
		Balances:              balances,
		SafeBalanceMultiplier: snap.SafeBalanceMultiplier,
		DustFloor:             det.dustFloor,
		IsSandbox:             snap.SandboxMode,
		Now:                   det.clock.Now(),
	}

	opp, ok := Evaluate(in)
	if !ok {
		return
	}
	opp.ID = uuid.NewString()

	det.window.Record(symbol, opp.NetPct)

	// Floor-grade candidates always feed the passive-rebalance path.
	det.hub.PassiveSignals.Push(opp)

	if opp.NetPct.LessThan(in.EffectiveThreshold()) {
		return
	}

	det.metrics.OpportunitiesFound.WithLabelValues(symbol).Inc()
	det.logger.Info("opportunity detected",
		"symbol", symbol,
		"buy_venue", opp.BuyVenue,
		"sell_venue", opp.SellVenue,
		"net_pct", opp.NetPct,
		"volume", opp.Volume,
	)
	det.hub.TradeSignals.Push(opp)
	if det.onOpportunity != nil {
		det.onOpportunity(opp)
	}
}
