package trade

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"crossarb/internal/hub"
	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/strategy"
	"crossarb/pkg/types"
)

// Discard reasons, as exported on the signals-discarded counter.
const (
	reasonKillSwitch = "kill_switch"
	reasonAutoTrade  = "auto_trade_disabled"
	reasonThreshold  = "threshold"
	reasonSlippage   = "slippage"
)

var (
	// ErrKillSwitch rejects execution while the safety kill switch is engaged.
	ErrKillSwitch = errors.New("safety kill switch is active")
	// ErrAutoTradeDisabled rejects execution while auto-trading is off.
	ErrAutoTradeDisabled = errors.New("auto-trading is disabled")
	// ErrSlippage rejects execution when the edge evaporated before placement.
	ErrSlippage = errors.New("opportunity no longer profitable at current books")
	// ErrSuperseded means a newer signal for the same symbol replaced this one
	// before it could run.
	ErrSuperseded = errors.New("superseded by a newer signal for the same symbol")
)

// Dispatcher stands between detection and execution. Every signal passes the
// gate chain in order: kill switch, auto-trade, profit threshold, per-symbol
// single-flight, and a slippage re-check against the freshest books. At most
// one execution runs per symbol; a signal arriving while its symbol is busy
// replaces any signal already waiting.
type Dispatcher struct {
	registry *market.Registry
	settings *settings.Store
	executor *Executor
	hub      *hub.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	waiting  map[string]pendingSignal
}

type pendingSignal struct {
	opp             types.Opportunity
	bypassThreshold bool
	reply           chan dispatchResult
}

type dispatchResult struct {
	tx  types.Transaction
	err error
}

// NewDispatcher wires the gate chain in front of the executor.
func NewDispatcher(
	registry *market.Registry,
	st *settings.Store,
	executor *Executor,
	h *hub.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		settings: st,
		executor: executor,
		hub:      h,
		metrics:  m,
		inflight: make(map[string]bool),
		waiting:  make(map[string]pendingSignal),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Run consumes the trade signal queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		opp, ok := d.hub.TradeSignals.Pop(ctx)
		if !ok {
			return ctx.Err()
		}
		d.enqueue(ctx, opp, false, nil)
	}
}

// SubmitPassive routes a rebalance-motivated signal: the profit threshold
// gate is skipped, everything else applies. Fire-and-forget.
func (d *Dispatcher) SubmitPassive(ctx context.Context, opp types.Opportunity) {
	d.enqueue(ctx, opp, true, nil)
}

// ForceExecute runs an operator-supplied opportunity through the gate chain
// minus the profit threshold, waiting for the outcome. The kill switch and
// the auto-trade flag still apply.
func (d *Dispatcher) ForceExecute(ctx context.Context, opp types.Opportunity) (types.Transaction, error) {
	snap := d.settings.Snapshot()
	if snap.SafetyKillSwitchActive {
		return types.Transaction{}, ErrKillSwitch
	}
	if !snap.AutoTradeEnabled {
		return types.Transaction{}, ErrAutoTradeDisabled
	}

	reply := make(chan dispatchResult, 1)
	d.enqueue(ctx, opp, true, reply)
	select {
	case res := <-reply:
		return res.tx, res.err
	case <-ctx.Done():
		return types.Transaction{}, ctx.Err()
	}
}

// enqueue claims the symbol's execution slot or parks the signal as the
// symbol's single waiter, replacing whoever was there.
func (d *Dispatcher) enqueue(ctx context.Context, opp types.Opportunity, bypassThreshold bool, reply chan dispatchResult) {
	d.mu.Lock()
	if d.inflight[opp.Symbol] {
		if prev, ok := d.waiting[opp.Symbol]; ok && prev.reply != nil {
			prev.reply <- dispatchResult{err: ErrSuperseded}
		}
		d.waiting[opp.Symbol] = pendingSignal{opp: opp, bypassThreshold: bypassThreshold, reply: reply}
		d.mu.Unlock()
		d.logger.Debug("symbol busy, signal parked", "symbol", opp.Symbol, "opportunity_id", opp.ID)
		return
	}
	d.inflight[opp.Symbol] = true
	d.mu.Unlock()

	go d.drainSymbol(ctx, pendingSignal{opp: opp, bypassThreshold: bypassThreshold, reply: reply})
}

// drainSymbol executes the claimed signal, then any signal that was parked
// while it ran, until the symbol goes quiet.
func (d *Dispatcher) drainSymbol(ctx context.Context, sig pendingSignal) {
	for {
		tx, err := d.execute(ctx, sig.opp, sig.bypassThreshold)
		if sig.reply != nil {
			sig.reply <- dispatchResult{tx: tx, err: err}
		}

		d.mu.Lock()
		next, ok := d.waiting[sig.opp.Symbol]
		if !ok {
			delete(d.inflight, sig.opp.Symbol)
			d.mu.Unlock()
			return
		}
		delete(d.waiting, sig.opp.Symbol)
		d.mu.Unlock()
		sig = next
	}
}

// execute applies the non-structural gates and hands off to the executor.
func (d *Dispatcher) execute(ctx context.Context, opp types.Opportunity, bypassThreshold bool) (types.Transaction, error) {
	snap := d.settings.Snapshot()

	if snap.SafetyKillSwitchActive {
		d.discard(opp, reasonKillSwitch)
		return types.Transaction{}, ErrKillSwitch
	}
	if !snap.AutoTradeEnabled {
		d.discard(opp, reasonAutoTrade)
		return types.Transaction{}, ErrAutoTradeDisabled
	}
	if !bypassThreshold && opp.NetPct.LessThan(snap.EffectiveThreshold(opp.Symbol)) {
		d.discard(opp, reasonThreshold)
		return types.Transaction{}, errors.New("below profit threshold")
	}
	if !d.stillProfitable(opp, bypassThreshold, snap) {
		d.discard(opp, reasonSlippage)
		return types.Transaction{}, ErrSlippage
	}

	tx, _ := d.executor.Execute(ctx, opp, snap.ExecutionMode)
	return tx, nil
}

// stillProfitable re-walks the freshest books at the signalled volume. The
// signal must still clear its admission bar: the configured threshold for
// normal signals, the absolute floor for threshold-bypassing ones.
func (d *Dispatcher) stillProfitable(opp types.Opportunity, bypassThreshold bool, snap settings.Settings) bool {
	buyBook, okB := d.registry.Get(opp.BuyVenue, opp.Symbol)
	sellBook, okS := d.registry.Get(opp.SellVenue, opp.Symbol)
	if !okB || !okS {
		return false
	}
	netPct, ok := strategy.Revalue(opp, buyBook, sellBook)
	if !ok {
		return false
	}
	bar := snap.EffectiveThreshold(opp.Symbol)
	if bypassThreshold {
		bar = strategy.AbsoluteFloorPct
	}
	return netPct.GreaterThanOrEqual(bar)
}

func (d *Dispatcher) discard(opp types.Opportunity, reason string) {
	d.metrics.SignalsDiscarded.WithLabelValues(reason).Inc()
	d.logger.Info("signal discarded",
		"reason", reason,
		"symbol", opp.Symbol,
		"opportunity_id", opp.ID,
		"net_pct", opp.NetPct,
	)
}
