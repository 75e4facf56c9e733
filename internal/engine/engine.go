// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. One venue adapter per configured exchange (real or simulated), with a
//     WebSocket depth feed or a REST book poller keeping the registry fresh.
//  2. The detector turns registry updates into opportunities; the dispatcher
//     gates them; the executor places the paired legs.
//  3. The inventory controller rebalances holdings across venues and routes
//     passive signals back through the dispatcher.
//  4. The safety monitor watches outcomes and trips the kill switch.
//  5. The optional API server exposes settings, forced execution, metrics
//     and the push stream.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/api"
	"crossarb/internal/clock"
	"crossarb/internal/config"
	"crossarb/internal/hub"
	"crossarb/internal/inventory"
	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/risk"
	"crossarb/internal/settings"
	"crossarb/internal/stats"
	"crossarb/internal/strategy"
	"crossarb/internal/trade"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock
	rand   clock.RandomSource

	settings *settings.Store
	metrics  *metrics.Metrics
	hub      *hub.Hub
	registry *market.Registry

	adapters map[string]venue.Adapter
	feeds    []*venue.Feed
	// polled lists venues without a stream; their books are refreshed over REST.
	polled []string

	window     *stats.Window
	detector   *strategy.Detector
	smart      *strategy.SmartStrategy
	ring       *trade.Ring
	executor   *trade.Executor
	dispatcher *trade.Dispatcher
	safety     *risk.Monitor
	inventory  *inventory.Controller
	apiServer  *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Settings corruption surfaces
// as settings.ErrCorrupt for the CLI to map to its exit code.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		clock:    clock.System{},
		rand:     clock.NewRand(time.Now().UnixNano()),
		adapters: make(map[string]venue.Adapter),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	st, err := settings.Open(cfg.Store.DataDir, settingsDefaults(cfg), logger)
	if err != nil {
		return nil, err
	}
	e.settings = st

	e.metrics = metrics.New()
	e.hub = hub.New(logger)
	e.registry = market.NewRegistry(
		time.Duration(cfg.Market.StalenessMs)*time.Millisecond,
		e.hub.MarketUpdates, e.metrics, e.clock, logger,
	)

	if err := e.buildVenues(logger); err != nil {
		return nil, err
	}

	e.window = stats.NewWindow(0, e.clock)
	e.ring = trade.NewRing(0)
	e.executor = trade.NewExecutor(
		e.adapters, e.ring, e.hub, e.metrics, e.clock,
		cfg.Trading.OrderTimeout, cfg.Trading.StatusPollRetries, logger,
	)
	e.dispatcher = trade.NewDispatcher(e.registry, st, e.executor, e.hub, e.metrics, logger)
	e.detector = strategy.NewDetector(
		e.registry, e.adapters, st, e.hub, e.window, e.metrics, e.clock,
		decimal.NewFromFloat(cfg.Trading.DustFloor),
		e.broadcastOpportunity, logger,
	)
	e.smart = strategy.NewSmartStrategy(
		st, e.window,
		cfg.Trading.SmartStrategyFactor, cfg.Trading.SmartStrategyInterval,
		e.clock, e.broadcastStrategy, logger,
	)
	e.safety = risk.NewMonitor(
		e.ring, st, e.metrics, e.clock,
		cfg.Safety.CheckInterval, e.broadcastSafetyTrip, logger,
	)
	e.inventory = inventory.NewController(
		e.adapters, st, e.dispatcher, e.hub, e.metrics, e.clock,
		trackedAssets(cfg.Symbols),
		cfg.Inventory.PollInterval,
		decimal.NewFromFloat(cfg.Inventory.ViabilityCeiling),
		e.broadcastRebalance, logger,
	)

	if cfg.API.Enabled {
		handlers := api.NewHandlers(
			st, e.dispatcher, e.safety, e.smart, e.inventory, e.ring,
			api.NewStreamHub(logger), cfg.API.AllowedOrigins, logger,
		)
		e.apiServer = api.NewServer(cfg.API.Port, st, e.metrics, handlers, logger)
	}

	return e, nil
}

// buildVenues constructs one adapter per configured venue. Sandbox mode, a
// per-venue sandbox flag, or kind "sandbox" all force the simulated adapter;
// the real/simulated decision is made exactly once, here.
func (e *Engine) buildVenues(logger *slog.Logger) error {
	defaultFees := types.FeeSchedule{
		Maker: decimal.RequireFromString("0.001"),
		Taker: decimal.RequireFromString("0.001"),
	}

	for _, vc := range e.cfg.Venues {
		simulated := e.cfg.SandboxMode || vc.Sandbox || vc.Kind == "sandbox"

		var a venue.Adapter
		switch {
		case simulated:
			a = venue.NewSandboxAdapter(vc.Name, defaultFees, e.clock, logger)
		case vc.Kind == "binance":
			a = venue.NewBinanceAdapter(vc, e.cfg.Symbols[0], e.cfg.Market.FeeCacheTTL, e.clock, logger)
		case vc.Kind == "rest":
			a = venue.NewRESTAdapter(vc, e.cfg.Market.FeeCacheTTL, e.clock, logger)
		default:
			return fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
		e.adapters[vc.Name] = a

		if !simulated && vc.WSURL != "" {
			feed := venue.NewFeed(vc.Name, vc.WSURL, e.registry, e.clock, e.rand, e.broadcastConnection, logger)
			feed.Subscribe(e.cfg.Symbols)
			e.feeds = append(e.feeds, feed)
		} else {
			e.polled = append(e.polled, vc.Name)
		}
	}
	return nil
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	for _, feed := range e.feeds {
		f := feed
		e.spawn(func() {
			if err := f.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed stopped", "error", err)
			}
		})
	}
	e.spawn(func() { e.pollBooks() })
	e.spawn(func() { e.consumeTransactions() })
	e.spawn(func() { e.detector.Run(e.ctx) })
	e.spawn(func() { e.dispatcher.Run(e.ctx) })
	e.spawn(func() { e.safety.Run(e.ctx) })
	e.spawn(func() { e.inventory.Run(e.ctx) })
	e.spawn(func() { e.smart.Run(e.ctx) })

	if e.apiServer != nil {
		e.spawn(func() {
			if err := e.apiServer.Start(); err != nil {
				e.logger.Error("api server stopped", "error", err)
			}
		})
	}

	e.logger.Info("engine started",
		"venues", len(e.adapters),
		"symbols", e.cfg.Symbols,
		"sandbox", e.cfg.SandboxMode,
	)
	return nil
}

// Stop gracefully shuts down: stops the API listener, cancels all loops and
// waits for in-flight executions to finish reconciling their legs.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if e.apiServer != nil {
		if err := e.apiServer.Stop(); err != nil {
			e.logger.Error("api server shutdown", "error", err)
		}
	}

	e.cancel()
	e.wg.Wait()

	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// pollBooks keeps the registry fresh for venues without a depth stream by
// fetching snapshots over REST at half the staleness budget.
func (e *Engine) pollBooks() {
	if len(e.polled) == 0 {
		return
	}
	interval := time.Duration(e.cfg.Market.StalenessMs) * time.Millisecond / 2
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, venueID := range e.polled {
				adapter := e.adapters[venueID]
				for _, symbol := range e.cfg.Symbols {
					book, ok := adapter.OrderBook(e.ctx, symbol, e.cfg.Market.Depth)
					if !ok {
						continue
					}
					e.registry.Apply(book)
				}
			}
		}
	}
}

// consumeTransactions drains execution outcomes and forwards them to the
// push stream. The executor blocks on this channel rather than dropping, so
// the engine keeps a consumer running whether or not the API is enabled.
func (e *Engine) consumeTransactions() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tx := <-e.hub.Transactions:
			if e.apiServer != nil {
				e.apiServer.BroadcastTransaction(tx)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Push stream fan-out (no-ops when the API server is disabled)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) broadcastOpportunity(opp types.Opportunity) {
	if e.apiServer != nil {
		e.apiServer.BroadcastOpportunity(opp)
	}
}

func (e *Engine) broadcastConnection(cs types.ConnectionStatus) {
	if e.apiServer != nil {
		e.apiServer.BroadcastConnection(cs)
	}
}

func (e *Engine) broadcastStrategy(u strategy.StrategyUpdate) {
	if e.apiServer != nil {
		e.apiServer.BroadcastStrategy(u)
	}
}

func (e *Engine) broadcastRebalance(p types.RebalanceProposal) {
	if e.apiServer != nil {
		e.apiServer.BroadcastRebalance(p)
	}
}

func (e *Engine) broadcastSafetyTrip(reason string) {
	if e.apiServer != nil {
		e.apiServer.BroadcastSafetyTrip(reason)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// settingsDefaults seeds first-boot settings from the static config; once a
// settings file exists it is authoritative and the config values are ignored.
func settingsDefaults(cfg *config.Config) settings.Settings {
	s := settings.Defaults()
	if cfg.Trading.GlobalMinProfitPct > 0 {
		s.GlobalMinProfitPct = decimal.NewFromFloat(cfg.Trading.GlobalMinProfitPct)
		s.ManualMinProfitPct = s.GlobalMinProfitPct
	}
	s.SafeBalanceMultiplier = decimal.NewFromFloat(cfg.Trading.SafeBalanceMultiplier)
	s.ExecutionMode = types.ExecutionMode(cfg.Trading.ExecutionMode)
	s.SmartStrategyEnabled = cfg.Trading.SmartStrategyEnabled
	if cfg.Safety.MaxConsecutiveLosses > 0 {
		s.MaxConsecutiveLosses = cfg.Safety.MaxConsecutiveLosses
	}
	if cfg.Safety.MaxDrawdownQuote > 0 {
		s.MaxDrawdownQuote = decimal.NewFromFloat(cfg.Safety.MaxDrawdownQuote)
	}
	s.MinRebalanceSkew = decimal.NewFromFloat(cfg.Inventory.SkewThreshold)
	s.AutoRebalanceEnabled = cfg.Inventory.AutoRebalance
	s.SandboxMode = cfg.SandboxMode
	return s
}

// trackedAssets derives the distinct base and quote assets from the
// configured symbols, in first-seen order.
func trackedAssets(symbols []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, symbol := range symbols {
		base, quote := venue.SplitSymbol(symbol)
		for _, asset := range []string{base, quote} {
			if asset != "" && !seen[asset] {
				seen[asset] = true
				out = append(out, asset)
			}
		}
	}
	return out
}
