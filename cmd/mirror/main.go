package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/mirror-trader/internal/config"
	"github.com/rickgao/mirror-trader/internal/engine"
	"github.com/rickgao/mirror-trader/internal/journal"
	"github.com/rickgao/mirror-trader/internal/replicate"
	"github.com/rickgao/mirror-trader/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/mirror.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting mirror",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"ws_url", cfg.WSURL,
		"destinations", len(cfg.Destinations),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional audit journal
	var recorder replicate.Recorder
	if cfg.Journal.DSN != "" {
		logger.Info("connecting audit journal")
		jnl, err := journal.Open(ctx, cfg.Journal.DSN, logger)
		if err != nil {
			logger.Error("failed to open journal", "error", err)
			os.Exit(1)
		}
		defer jnl.Close()
		recorder = jnl
		logger.Info("audit journal connected")
	}

	// Create and start the replication engine
	eng := engine.New(cfg, recorder, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(eng),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("mirror running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	eng.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("mirror stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := eng.Stats()

		health := struct {
			Status       string                   `json:"status"`
			Source       map[string]interface{}   `json:"source"`
			Destinations []map[string]interface{} `json:"destinations"`
		}{
			Status: "healthy",
			Source: sideHealth(stats.Source.Status.String(), stats.Source.RetryCount),
		}

		if stats.Source.Status.String() != "ready" {
			health.Status = "degraded"
		}

		for _, d := range stats.Destinations {
			side := sideHealth(d.State.Status.String(), d.State.RetryCount)
			side["mapped_trades"] = d.Mapped
			health.Destinations = append(health.Destinations, side)
			if d.State.Status.String() != "ready" {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

func sideHealth(status string, retries int) map[string]interface{} {
	return map[string]interface{}{
		"status":  status,
		"retries": retries,
	}
}
