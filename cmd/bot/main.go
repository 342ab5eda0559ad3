// Prediction-market trading core — multi-outcome arbitrage plus an
// Avellaneda-Stoikov style passive market maker on a CLOB exchange for
// binary and multi-outcome event contracts.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts supervisor, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go   — wires components, allocates capital, owns lifecycle and persistence
//	exchange/stream.go         — single authenticated stream: book snapshots + user fills
//	exchange/client.go         — REST client (orders, cancels, books, balance, positions)
//	market/cache.go            — asset → latest book snapshot, sequence-checked, staleness-aware
//	arb/scanner.go             — finds baskets whose outcome asks sum below guaranteed payout
//	arb/executor.go            — depth-validated all-or-nothing FOK basket execution
//	mm/engine.go               — reservation-price quoting with inventory, volatility, and toxicity controls
//	inventory/manager.go       — positions, P&L, realized volatility, reservation skew
//	risk/controller.go         — drawdown, heartbeat, spread, and latency kill-switches
//	store/store.go             — JSON state persistence with start-up reconciliation
//
// How it makes money:
//
//	The arbitrage side buys complete outcome sets whenever their asks sum
//	to less than the guaranteed payout, locking in the difference. The
//	market-making side earns the spread by quoting both sides around a
//	reservation price that leans against accumulated inventory.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/supervisor"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	sup, err := supervisor.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build trading core", "error", err)
		os.Exit(1)
	}

	if err := sup.Start(); err != nil {
		logger.Error("failed to start trading core", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	sup.Stop()
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
