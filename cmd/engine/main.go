package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/api"
	"github.com/rawblock/btn-analyzer/internal/config"
	"github.com/rawblock/btn-analyzer/internal/db"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/scanner"
	"github.com/rawblock/btn-analyzer/internal/snapshot"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", getEnvOrDefault("BTN_CONFIG", ""), "path to a YAML config file")
	flag.Parse()

	log.Println("Starting RawBlock BTN Analyzer (transaction network pattern engine)...")

	// ─── Configuration ──────────────────────────────────────────────────
	// Defaults, then the optional config file, then BTN_* environment
	// variables. Secrets (auth.token, storage.database_url) belong in the
	// environment: BTN_AUTH_TOKEN, BTN_STORAGE_DATABASE_URL.
	// ────────────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A storage outage keeps the API up for queries and health checks, but
	// every analysis run fails with snapshot.ErrNoStore until restart.
	var cache *snapshot.Cache
	store, err := db.Open(ctx, cfg.Storage)
	if err != nil {
		log.Printf("Warning: Snapshot storage unavailable, analysis runs will be rejected. Error: %v", err)
		cache = snapshot.NewCache(nil)
	} else {
		defer store.Close()
		cache = snapshot.NewCache(store)
		api.LoadHistory(ctx, cache)
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()
	defer wsHub.Close()

	alerts := alert.NewManager(wsHub.BroadcastAlert, cfg.Alerts.Webhooks...)
	defer alerts.Wait()

	watchlist := heuristics.NewWatchlist(cfg.Watchlist...)
	if n := watchlist.Size(); n > 0 {
		log.Printf("Watching %d addresses from config", n)
	}

	runner := scanner.NewRunner(cache, cfg.Detection,
		scanner.WithAlerts(alerts, cfg.Alerts.MinSeverity),
		scanner.WithWatchlist(watchlist),
	)

	// Setup the Gin Router
	r := api.SetupRouter(ctx, api.Deps{
		Config:    cfg,
		Runner:    runner,
		Hub:       wsHub,
		Alerts:    alerts,
		Watchlist: watchlist,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Engine running on %s (storage: %s)", cfg.HTTP.Addr, cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, draining connections...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: Graceful shutdown incomplete: %v", err)
	}
	log.Println("Engine stopped")
}

// getEnvOrDefault returns the env var value or a default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
