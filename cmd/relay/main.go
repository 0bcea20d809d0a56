package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wfounders/clubwallet/internal/auth"
	"github.com/wfounders/clubwallet/internal/config"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/middleware"
	"github.com/wfounders/clubwallet/internal/relay"
	"github.com/wfounders/clubwallet/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("Starting club relay", map[string]interface{}{
		"store":     cfg.Relay.Store,
		"mint_mode": cfg.Relay.Mint.Mode,
	})

	initCtx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer initCancel()

	// Open the approval store
	var st store.Store
	switch cfg.Relay.Store {
	case "postgres":
		pg, err := store.OpenPostgres(initCtx, cfg.Relay.Database, logger, store.DefaultRetryConfig())
		if err != nil {
			logger.Error("Failed to open database", err, nil)
			os.Exit(1)
		}
		logger.Info("Connected to database", map[string]interface{}{
			"host": cfg.Relay.Database.Host,
			"port": cfg.Relay.Database.Port,
			"name": cfg.Relay.Database.Name,
		})
		st = pg
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()

	n, err := store.Seed(initCtx, st, cfg.Relay.RosterFile)
	if err != nil {
		logger.Error("Failed to seed roster", err, map[string]interface{}{"roster_file": cfg.Relay.RosterFile})
		os.Exit(1)
	}
	if n > 0 {
		logger.Info("Roster seeded", map[string]interface{}{"candidates": n})
	}

	minter, err := relay.NewMinter(cfg.Relay.Mint)
	if err != nil {
		logger.Error("Failed to configure minter", err, nil)
		os.Exit(1)
	}

	issuer := auth.NewIssuer(cfg.Relay.Auth.OracleTokenSecret, cfg.Relay.Auth.OracleTokenTTL)
	if !issuer.Enabled() {
		logger.Warn("ORACLE_TOKEN_SECRET not set, every channel may act as oracle", nil)
	}

	// Initialize components
	hub := relay.NewHub(relay.HubOptions{
		Store:       st,
		Minter:      minter,
		Issuer:      issuer,
		Logger:      logger,
		MintTimeout: cfg.Relay.Mint.Timeout,
	})
	api := relay.NewAPIHandlers(st, logger)

	var limiter *middleware.RateLimiter
	if cfg.Relay.Server.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Relay.Server.RateLimit, time.Minute)
		defer limiter.Close()
	}

	router := relay.NewRouter(hub, api, logger, limiter)

	// Create HTTP server
	addr := cfg.Relay.Server.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      relay.WithCORS(cfg.Relay.CORS, router),
		ReadTimeout:  cfg.Relay.Server.ReadTimeout,
		WriteTimeout: cfg.Relay.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", err, nil)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err, nil)
	}
	hub.Close()

	logger.Info("Server stopped", nil)
}
