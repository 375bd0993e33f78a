package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fariima/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logging.Setup("notify-gateway", os.Getenv("NOTIFY_GATEWAY_ENV"))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := NewHub()
	auth := NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, nil)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)

	watcher := NewEventWatcher(node, store, hub, logger)
	watcher.pollInterval = cfg.PollInterval
	watcher.batchSize = cfg.BatchSize

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: NewServer(auth, store, hub, logger).Router(),
	}
	go func() {
		logger.Info("notify gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down notify gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
