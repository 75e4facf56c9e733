// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	SandboxMode bool            `mapstructure:"sandbox_mode"`
	Venues      []VenueConfig   `mapstructure:"venues"`
	Symbols     []string        `mapstructure:"symbols"`
	Market      MarketConfig    `mapstructure:"market"`
	Trading     TradingConfig   `mapstructure:"trading"`
	Safety      SafetyConfig    `mapstructure:"safety"`
	Inventory   InventoryConfig `mapstructure:"inventory"`
	Store       StoreConfig     `mapstructure:"store"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	API         APIConfig       `mapstructure:"api"`
}

// VenueConfig holds one exchange's identity, endpoints and credentials.
// Credentials use env vars: ARB_<VENUE>_API_KEY, ARB_<VENUE>_SECRET,
// ARB_<VENUE>_PASSPHRASE, ARB_<VENUE>_BASE_URL (venue name upper-cased).
type VenueConfig struct {
	Name       string `mapstructure:"name"`
	Kind       string `mapstructure:"kind"` // binance | rest | sandbox
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
	APIKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
	// Sandbox forces the simulated adapter for this venue regardless of Kind.
	Sandbox bool `mapstructure:"sandbox"`
}

// MarketConfig controls book intake and staleness.
//
//   - Depth: levels requested per book snapshot.
//   - StalenessMs: a book older than this is treated as absent.
//   - FeeCacheTTL: how long cached fee schedules stay fresh.
type MarketConfig struct {
	Depth       int           `mapstructure:"depth"`
	StalenessMs int           `mapstructure:"staleness_ms"`
	FeeCacheTTL time.Duration `mapstructure:"fee_cache_ttl"`
}

// TradingConfig tunes detection and execution.
//
//   - GlobalMinProfitPct: fallback net-profit threshold (percent).
//   - SafeBalanceMultiplier: fraction of free balance usable per trade.
//   - ExecutionMode: Sequential or Concurrent leg placement.
//   - OrderTimeout: per-leg timeout; on expiry status is polled, not assumed.
//   - StatusPollRetries: how many status polls after a leg timeout.
//   - DustFloor: volumes below this are discarded by the calculator.
type TradingConfig struct {
	GlobalMinProfitPct    float64       `mapstructure:"global_min_profit_pct"`
	SafeBalanceMultiplier float64       `mapstructure:"safe_balance_multiplier"`
	ExecutionMode         string        `mapstructure:"execution_mode"`
	OrderTimeout          time.Duration `mapstructure:"order_timeout"`
	StatusPollRetries     int           `mapstructure:"status_poll_retries"`
	DustFloor             float64       `mapstructure:"dust_floor"`
	SmartStrategyEnabled  bool          `mapstructure:"smart_strategy_enabled"`
	SmartStrategyFactor   float64       `mapstructure:"smart_strategy_factor"`
	SmartStrategyInterval time.Duration `mapstructure:"smart_strategy_interval"`
}

// SafetyConfig sets the hard limits behind the kill switch.
//
//   - MaxConsecutiveLosses: streak of non-success outcomes before tripping.
//   - MaxDrawdownQuote: rolling-24h realized-loss ceiling in quote units.
//   - CheckInterval: how often the monitor inspects recent transactions.
type SafetyConfig struct {
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	MaxDrawdownQuote     float64       `mapstructure:"max_drawdown_quote"`
	CheckInterval        time.Duration `mapstructure:"check_interval"`
}

// InventoryConfig controls the rebalancing loop.
type InventoryConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SkewThreshold    float64       `mapstructure:"skew_threshold"`
	ViabilityCeiling float64       `mapstructure:"viability_ceiling"`
	AutoRebalance    bool          `mapstructure:"auto_rebalance"`
}

// StoreConfig sets where settings are persisted (JSON file).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the command/stream API server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Per-venue credentials use env vars keyed on the upper-cased venue name,
// e.g. ARB_BINANCE_API_KEY, ARB_BINANCE_SECRET, ARB_BINANCE_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env, keyed per venue
	for i := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(cfg.Venues[i].Name) + "_"
		if key := os.Getenv(prefix + "API_KEY"); key != "" {
			cfg.Venues[i].APIKey = key
		}
		if secret := os.Getenv(prefix + "SECRET"); secret != "" {
			cfg.Venues[i].Secret = secret
		}
		if pass := os.Getenv(prefix + "PASSPHRASE"); pass != "" {
			cfg.Venues[i].Passphrase = pass
		}
		if url := os.Getenv(prefix + "BASE_URL"); url != "" {
			cfg.Venues[i].BaseURL = url
		}
		if sbx := os.Getenv(prefix + "SANDBOX"); sbx == "true" || sbx == "1" {
			cfg.Venues[i].Sandbox = true
		}
	}
	if os.Getenv("ARB_SANDBOX_MODE") == "true" || os.Getenv("ARB_SANDBOX_MODE") == "1" {
		cfg.SandboxMode = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Market.Depth == 0 {
		c.Market.Depth = 20
	}
	if c.Market.StalenessMs == 0 {
		c.Market.StalenessMs = 2000
	}
	if c.Market.FeeCacheTTL == 0 {
		c.Market.FeeCacheTTL = time.Hour
	}
	if c.Trading.SafeBalanceMultiplier == 0 {
		c.Trading.SafeBalanceMultiplier = 0.3
	}
	if c.Trading.ExecutionMode == "" {
		c.Trading.ExecutionMode = "Sequential"
	}
	if c.Trading.OrderTimeout == 0 {
		c.Trading.OrderTimeout = 5 * time.Second
	}
	if c.Trading.StatusPollRetries == 0 {
		c.Trading.StatusPollRetries = 3
	}
	if c.Safety.CheckInterval == 0 {
		c.Safety.CheckInterval = 15 * time.Second
	}
	if c.Inventory.PollInterval == 0 {
		c.Inventory.PollInterval = 30 * time.Second
	}
	if c.Inventory.SkewThreshold == 0 {
		c.Inventory.SkewThreshold = 0.1
	}
	if c.Inventory.ViabilityCeiling == 0 {
		c.Inventory.ViabilityCeiling = 1.0
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "data"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 && !c.SandboxMode {
		return fmt.Errorf("at least two venues are required (got %d)", len(c.Venues))
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required (e.g. [BTCUSDT])")
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue name is required")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue name %q", v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case "binance", "rest", "sandbox":
		default:
			return fmt.Errorf("venue %s: kind must be one of: binance, rest, sandbox", v.Name)
		}
		if v.Kind == "rest" && v.BaseURL == "" {
			return fmt.Errorf("venue %s: base_url is required for kind rest", v.Name)
		}
		if v.Kind != "sandbox" && !v.Sandbox && !c.SandboxMode {
			if v.APIKey == "" || v.Secret == "" {
				return fmt.Errorf("venue %s: api_key and secret are required (set ARB_%s_API_KEY / ARB_%s_SECRET)",
					v.Name, strings.ToUpper(v.Name), strings.ToUpper(v.Name))
			}
		}
	}
	if c.Trading.GlobalMinProfitPct < 0 {
		return fmt.Errorf("trading.global_min_profit_pct must be >= 0")
	}
	if c.Trading.SafeBalanceMultiplier <= 0 || c.Trading.SafeBalanceMultiplier > 1 {
		return fmt.Errorf("trading.safe_balance_multiplier must be in (0, 1]")
	}
	switch c.Trading.ExecutionMode {
	case "Sequential", "Concurrent":
	default:
		return fmt.Errorf("trading.execution_mode must be Sequential or Concurrent")
	}
	if c.Safety.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("safety.max_consecutive_losses must be > 0")
	}
	if c.Safety.MaxDrawdownQuote <= 0 {
		return fmt.Errorf("safety.max_drawdown_quote must be > 0")
	}
	if c.Inventory.SkewThreshold <= 0 || c.Inventory.SkewThreshold >= 1 {
		return fmt.Errorf("inventory.skew_threshold must be in (0, 1)")
	}
	return nil
}
