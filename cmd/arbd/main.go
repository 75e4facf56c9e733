// crossarb — a multi-venue spot arbitrage engine.
//
// Architecture:
//
//	main.go               — CLI entry point: config, logger, signal handling
//	engine/engine.go      — orchestrator: wires venues → detector → dispatcher → executor
//	strategy/calculator.go — pure opportunity math over synchronized order books
//	strategy/detector.go  — turns book updates into executable opportunities
//	strategy/smart.go     — adaptive threshold from observed spread statistics
//	market/registry.go    — per-venue book snapshots with staleness eviction
//	venue/                — exchange adapters (Binance, generic REST, sandbox) + depth feeds
//	trade/dispatcher.go   — gate chain: kill switch, threshold, single-flight, slippage
//	trade/executor.go     — paired-leg execution, compensation and reconciliation
//	inventory/controller.go — cross-venue balance skew tracking and rebalancing
//	risk/monitor.go       — loss-streak and drawdown kill switch
//	settings/             — durable runtime settings (atomic JSON snapshots)
//	api/                  — JSON command API, Prometheus metrics, WebSocket stream
//
// How it makes money:
//
//	The same asset trades at slightly different prices on different venues.
//	When one venue's best ask drops below another's best bid by more than
//	the combined fees, the engine buys on the cheap venue and sells on the
//	expensive one in the same instant, capturing the spread. Inventory
//	rebalancing keeps both venues funded so the next opportunity is tradable.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/settings"
)

// Exit codes: 0 clean shutdown, 2 invalid configuration, 3 corrupt
// settings store (refuse to trade on unknown state).
const (
	exitOK             = 0
	exitBadConfig      = 2
	exitCorruptStore   = 3
	exitStartupFailure = 1
)

func main() {
	var (
		cfgPath string
		sandbox bool
	)

	root := &cobra.Command{
		Use:           "arbd",
		Short:         "Multi-venue spot arbitrage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the arbitrage engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run(cfgPath, sandbox))
			return nil
		},
	}
	serve.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to the YAML config file")
	serve.Flags().BoolVar(&sandbox, "sandbox", false, "force sandbox mode: all venues simulated, no real orders")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupFailure)
	}
}

func run(cfgPath string, sandbox bool) int {
	// Credentials commonly live in a local .env during development.
	_ = godotenv.Load()

	if p := os.Getenv("ARB_CONFIG"); p != "" && cfgPath == "configs/config.yaml" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitBadConfig
	}
	if sandbox {
		cfg.SandboxMode = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitBadConfig
	}

	logger := buildLogger(cfg.Logging)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		if errors.Is(err, settings.ErrCorrupt) {
			logger.Error("settings store corrupt, refusing to start", "error", err)
			return exitCorruptStore
		}
		logger.Error("failed to create engine", "error", err)
		return exitStartupFailure
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitStartupFailure
	}

	if cfg.SandboxMode {
		logger.Warn("SANDBOX MODE — all venues simulated, no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	return exitOK
}

func buildLogger(lc config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
