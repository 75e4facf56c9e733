package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/internal/inventory"
	"crossarb/internal/risk"
	"crossarb/internal/settings"
	"crossarb/internal/strategy"
	"crossarb/internal/trade"
	"crossarb/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	settings   *settings.Store
	dispatcher *trade.Dispatcher
	safety     *risk.Monitor
	smart      *strategy.SmartStrategy
	inventory  *inventory.Controller
	ring       *trade.Ring
	hub        *StreamHub
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandlers creates a new handlers instance. allowedOrigins empty means
// any origin is accepted.
func NewHandlers(
	st *settings.Store,
	dispatcher *trade.Dispatcher,
	safety *risk.Monitor,
	smart *strategy.SmartStrategy,
	inv *inventory.Controller,
	ring *trade.Ring,
	hub *StreamHub,
	allowedOrigins []string,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		settings:   st,
		dispatcher: dispatcher,
		safety:     safety,
		smart:      smart,
		inventory:  inv,
		ring:       ring,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// State is the response of GET /api/state.
type State struct {
	Settings     settings.Settings         `json:"settings"`
	Transactions []types.Transaction       `json:"transactions"`
	Proposals    []types.RebalanceProposal `json:"rebalance_proposals"`
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleState returns the full runtime settings plus recent activity.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	state := State{
		Settings:     h.settings.Snapshot(),
		Transactions: h.ring.Recent(100),
	}
	if h.inventory != nil {
		state.Proposals = h.inventory.Proposals()
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleAutoTrade flips the auto-trade flag: POST /api/autotrade?enabled=bool.
func (h *Handlers) HandleAutoTrade(w http.ResponseWriter, r *http.Request) {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.AutoTradeEnabled = enabled
		return s
	})
}

// HandleThreshold sets the global profit threshold:
// POST /api/autotrade/threshold?threshold=decimal. The value also becomes
// the manual baseline the smart strategy restores on disable.
func (h *Handlers) HandleThreshold(w http.ResponseWriter, r *http.Request) {
	threshold, err := decimalParam(r, "threshold")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if threshold.IsNegative() {
		writeError(w, http.StatusBadRequest, errors.New("threshold must not be negative"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.GlobalMinProfitPct = threshold
		s.ManualMinProfitPct = threshold
		return s
	})
}

// HandleExecutionMode sets the leg ordering: POST /api/strategy?mode=....
func (h *Handlers) HandleExecutionMode(w http.ResponseWriter, r *http.Request) {
	mode := types.ExecutionMode(r.URL.Query().Get("mode"))
	if mode != types.ModeSequential && mode != types.ModeConcurrent {
		writeError(w, http.StatusBadRequest, errors.New("mode must be Sequential or Concurrent"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.ExecutionMode = mode
		return s
	})
}

// HandleSandbox flips sandbox mode: POST /api/sandbox?enabled=bool. Takes
// effect for newly detected opportunities; venue adapters are rebound on
// restart.
func (h *Handlers) HandleSandbox(w http.ResponseWriter, r *http.Request) {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.SandboxMode = enabled
		return s
	})
}

// HandlePairThresholds replaces the per-symbol threshold overrides:
// POST /api/pair-thresholds with body {"BTCUSDT": "0.3", ...}.
func (h *Handlers) HandlePairThresholds(w http.ResponseWriter, r *http.Request) {
	var overrides map[string]decimal.Decimal
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for symbol, t := range overrides {
		if t.IsNegative() {
			writeError(w, http.StatusBadRequest, errors.New("negative threshold for "+symbol))
			return
		}
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.PairMinProfitPct = overrides
		return s
	})
}

// HandleSafeMultiplier sets the balance fraction tradable per signal:
// POST /api/safe-multiplier?multiplier=decimal in (0,1].
func (h *Handlers) HandleSafeMultiplier(w http.ResponseWriter, r *http.Request) {
	mult, err := decimalParam(r, "multiplier")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !mult.IsPositive() || mult.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, http.StatusBadRequest, errors.New("multiplier must be in (0,1]"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.SafeBalanceMultiplier = mult
		return s
	})
}

// HandleTakerFees selects which fee tier detection prices with:
// POST /api/taker-fees?enabled=bool.
func (h *Handlers) HandleTakerFees(w http.ResponseWriter, r *http.Request) {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.UseTakerFees = enabled
		return s
	})
}

// HandleAutoRebalance flips automatic execution of viable transfer
// proposals: POST /api/auto-rebalance?enabled=bool.
func (h *Handlers) HandleAutoRebalance(w http.ResponseWriter, r *http.Request) {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.AutoRebalanceEnabled = enabled
		return s
	})
}

// HandleSafetyLimits sets the kill-switch trip levels:
// POST /api/safety-limits?drawdown=decimal&losses=int.
func (h *Handlers) HandleSafetyLimits(w http.ResponseWriter, r *http.Request) {
	drawdown, err := decimalParam(r, "drawdown")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	losses, err := strconv.Atoi(r.URL.Query().Get("losses"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("losses must be an integer"))
		return
	}
	if drawdown.IsNegative() || losses < 0 {
		writeError(w, http.StatusBadRequest, errors.New("limits must not be negative"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.MaxDrawdownQuote = drawdown
		s.MaxConsecutiveLosses = losses
		return s
	})
}

// HandleRebalanceThreshold sets the skew level that triggers proposals:
// POST /api/rebalance-threshold?threshold=decimal in (0,1).
func (h *Handlers) HandleRebalanceThreshold(w http.ResponseWriter, r *http.Request) {
	threshold, err := decimalParam(r, "threshold")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !threshold.IsPositive() || threshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, http.StatusBadRequest, errors.New("threshold must be in (0,1)"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		s.MinRebalanceSkew = threshold
		return s
	})
}

// HandleSafetyReset clears the kill switch: POST /api/safety-reset.
func (h *Handlers) HandleSafetyReset(w http.ResponseWriter, r *http.Request) {
	snap, err := h.safety.Reset()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleSmartStrategy toggles the adaptive threshold:
// POST /api/smart-strategy?enabled=bool.
func (h *Handlers) HandleSmartStrategy(w http.ResponseWriter, r *http.Request) {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := h.smart.SetEnabled(enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleWalletOverride pins a deposit address for transfers:
// POST /api/wallet-override?asset=BTC&exchange=alpha&address=....
func (h *Handlers) HandleWalletOverride(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset, exchange, address := q.Get("asset"), q.Get("exchange"), q.Get("address")
	if asset == "" || exchange == "" || address == "" {
		writeError(w, http.StatusBadRequest, errors.New("asset, exchange and address are required"))
		return
	}
	h.apply(w, func(s settings.Settings) settings.Settings {
		if s.WalletOverrides == nil {
			s.WalletOverrides = make(map[string]map[string]string)
		}
		if s.WalletOverrides[asset] == nil {
			s.WalletOverrides[asset] = make(map[string]string)
		}
		s.WalletOverrides[asset][exchange] = address
		return s
	})
}

// HandleExecute forces a one-shot execution of an operator-supplied
// opportunity: POST /api/execute with an Opportunity body. The profit
// threshold is skipped; the kill switch, auto-trade flag, per-symbol
// single-flight and slippage gates still apply.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var opp types.Opportunity
	if err := json.NewDecoder(r.Body).Decode(&opp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opp.Symbol == "" || opp.BuyVenue == "" || opp.SellVenue == "" || !opp.Volume.IsPositive() {
		writeError(w, http.StatusBadRequest, errors.New("symbol, buy_venue, sell_venue and a positive volume are required"))
		return
	}
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}

	tx, err := h.dispatcher.ForceExecute(r.Context(), opp)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tx)
	case errors.Is(err, trade.ErrKillSwitch),
		errors.Is(err, trade.ErrAutoTradeDisabled),
		errors.Is(err, trade.ErrSlippage),
		errors.Is(err, trade.ErrSuperseded):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// HandleWebSocket upgrades the connection and attaches it to the stream hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

// apply runs one settings mutation and answers with the updated snapshot.
func (h *Handlers) apply(w http.ResponseWriter, fn func(settings.Settings) settings.Settings) {
	snap, err := h.settings.Update(fn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return false, errors.New(name + " must be true or false")
	}
	return v, nil
}

func decimalParam(r *http.Request, name string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(r.URL.Query().Get(name))
	if err != nil {
		return decimal.Decimal{}, errors.New(name + " must be a decimal number")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
