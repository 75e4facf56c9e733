// Package settings owns the engine's durable runtime configuration.
//
// Settings values are immutable snapshots: readers take a copy at the start
// of each logical operation, mutations replace the whole snapshot atomically
// and publish a change notification. The snapshot is persisted as a single
// JSON document with stable keys, rewritten atomically on every mutation
// (write to .tmp, then rename).
package settings

import (
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Settings is one immutable snapshot of the engine's runtime options.
// Mutate only through Store.Update, which replaces the snapshot as a whole.
type Settings struct {
	AutoTradeEnabled       bool                `json:"auto_trade_enabled"`
	SafetyKillSwitchActive bool                `json:"safety_kill_switch_active"`
	SafetyReason           string              `json:"safety_reason,omitempty"`
	AutoRebalanceEnabled   bool                `json:"auto_rebalance_enabled"`
	GlobalMinProfitPct     decimal.Decimal     `json:"global_min_profit_pct"`
	PairMinProfitPct       map[string]decimal.Decimal `json:"pair_min_profit_pct,omitempty"`
	UseTakerFees           bool                `json:"use_taker_fees"`
	SafeBalanceMultiplier  decimal.Decimal     `json:"safe_balance_multiplier"`
	ExecutionMode          types.ExecutionMode `json:"execution_mode"`
	SmartStrategyEnabled   bool                `json:"smart_strategy_enabled"`
	MaxDrawdownQuote       decimal.Decimal     `json:"max_drawdown_quote"`
	MaxConsecutiveLosses   int                 `json:"max_consecutive_losses"`
	MinRebalanceSkew       decimal.Decimal     `json:"min_rebalance_skew"`
	// WalletOverrides maps asset → venue → deposit address, overriding the
	// address the venue adapter would report.
	WalletOverrides map[string]map[string]string `json:"wallet_overrides,omitempty"`
	SandboxMode     bool                         `json:"sandbox_mode"`

	// PriorAutoTrade remembers autoTradeEnabled at the moment the kill
	// switch tripped, so a manual reset can reinstate it.
	PriorAutoTrade bool `json:"prior_auto_trade,omitempty"`
	// ManualMinProfitPct is the last operator-set global threshold, restored
	// when the smart strategy is disabled.
	ManualMinProfitPct decimal.Decimal `json:"manual_min_profit_pct"`
}

// Defaults returns a snapshot with the documented default values.
func Defaults() Settings {
	return Settings{
		AutoTradeEnabled:      false,
		GlobalMinProfitPct:    decimal.RequireFromString("0.5"),
		ManualMinProfitPct:    decimal.RequireFromString("0.5"),
		SafeBalanceMultiplier: decimal.RequireFromString("0.3"),
		ExecutionMode:         types.ModeSequential,
		MaxDrawdownQuote:      decimal.RequireFromString("100"),
		MaxConsecutiveLosses:  3,
		MinRebalanceSkew:      decimal.RequireFromString("0.1"),
		PairMinProfitPct:      map[string]decimal.Decimal{},
		WalletOverrides:       map[string]map[string]string{},
	}
}

// EffectiveThreshold returns the per-symbol override if present, else the
// global minimum profit threshold.
func (s Settings) EffectiveThreshold(symbol string) decimal.Decimal {
	if t, ok := s.PairMinProfitPct[symbol]; ok {
		return t
	}
	return s.GlobalMinProfitPct
}

// WalletOverride returns the operator-pinned deposit address for the asset
// on the venue, if one is set.
func (s Settings) WalletOverride(asset, venue string) (string, bool) {
	m, ok := s.WalletOverrides[asset]
	if !ok {
		return "", false
	}
	addr, ok := m[venue]
	return addr, ok
}

// clone deep-copies the snapshot so callers can never alias the store's
// internal maps.
func (s Settings) clone() Settings {
	out := s
	out.PairMinProfitPct = make(map[string]decimal.Decimal, len(s.PairMinProfitPct))
	for k, v := range s.PairMinProfitPct {
		out.PairMinProfitPct[k] = v
	}
	out.WalletOverrides = make(map[string]map[string]string, len(s.WalletOverrides))
	for asset, m := range s.WalletOverrides {
		inner := make(map[string]string, len(m))
		for venue, addr := range m {
			inner[venue] = addr
		}
		out.WalletOverrides[asset] = inner
	}
	return out
}
