package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sandboxConfig builds a minimal two-venue sandbox configuration with the
// API server disabled.
func sandboxConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SandboxMode: true,
		Symbols:     []string{"BTCUSDT"},
		Venues: []config.VenueConfig{
			{Name: "alpha", Kind: "sandbox"},
			{Name: "beta", Kind: "sandbox"},
		},
		Market: config.MarketConfig{Depth: 20, StalenessMs: 2000, FeeCacheTTL: time.Hour},
		Trading: config.TradingConfig{
			SafeBalanceMultiplier: 0.3,
			ExecutionMode:         "Sequential",
			OrderTimeout:          100 * time.Millisecond,
			StatusPollRetries:     3,
		},
		Safety: config.SafetyConfig{
			MaxConsecutiveLosses: 3,
			MaxDrawdownQuote:     100,
			CheckInterval:        time.Second,
		},
		Inventory: config.InventoryConfig{
			PollInterval:     time.Second,
			SkewThreshold:    0.1,
			ViabilityCeiling: 1.0,
		},
		Store: config.StoreConfig{DataDir: t.TempDir()},
	}
}

// Execution outcomes are published on a bounded blocking stream; a run with
// the API disabled must still drain it, or trading wedges once the buffer
// fills.
func TestExecutionsDrainWithoutAPIServer(t *testing.T) {
	t.Parallel()

	eng, err := New(sandboxConfig(t), testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if eng.apiServer != nil {
		t.Fatal("api server built while disabled")
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	// Well past the transaction buffer capacity.
	const executions = 80

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < executions; i++ {
			opp := types.Opportunity{
				ID:        fmt.Sprintf("opp-%d", i),
				Symbol:    "BTCUSDT",
				BuyVenue:  "alpha",
				SellVenue: "beta",
			}
			eng.executor.Execute(context.Background(), opp, types.ModeSequential)
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execution stalled publishing transaction outcomes")
	}
}
