// Cross-exchange perpetual-futures collector — subscribes to multiple
// derivatives venues over WebSocket, reconstructs order books, and
// scans the joined state for price and funding-rate arbitrage.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires sessions, pipeline, book engine, detector
//	exchange/session.go  — per-venue WebSocket lifecycle: heartbeat, reconnect, subscription replay
//	exchange/edgex       — channel/topic JSON venue dialect (contract ids, 4h funding)
//	exchange/lighter     — batch JSON venue dialect (compact keys, coin ids, sendtxbatch)
//	registry/registry.go — canonical/native symbol translation, atomic table swaps
//	book/engine.go       — order-book reconstruction: snapshots, deltas, integrity checks
//	backoff/controller.go — exponential pause on venue business errors, restart hook
//	pipeline/pipeline.go — bounded drop-oldest queues between sessions and consumers
//	state/store.go       — latest quote per (venue, symbol), joined across venues
//	detect/detector.go   — price-spread, funding-spread, combined opportunity records
//	api/server.go        — /health, /api/status, /metrics
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"crossarb/internal/api"
	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/pipeline"
)

func main() {
	// Load config
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	promReg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(promReg)

	eng, err := engine.New(*cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status server if enabled
	var apiServer *api.Server
	if cfg.Status.Enabled {
		apiServer = api.NewServer(cfg.Status, eng, promReg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("collector started", "venues", len(cfg.Venues))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
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
