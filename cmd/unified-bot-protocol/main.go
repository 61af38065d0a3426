// Command unified-bot-protocol runs the bot fleet control plane: the admin
// REST API and the data-plane websocket listener on one listen address.
//
// # Configuration
//
// Environment variables:
//
//	LISTEN_ADDRESS                - HTTP listen address (default: ":8443")
//	ADMIN_TOKEN                   - bearer token required on every /v1/ call
//	HEARTBEAT_INTERVAL_SEC        - negotiated heartbeat cadence (default: 30)
//	HEARTBEAT_GRACE_FACTOR        - missed-heartbeat multiplier (default: 3)
//	HANDSHAKE_TIMEOUT_SEC         - time to complete handshake (default: 10)
//	DRAIN_TIMEOUT_SEC             - graceful shutdown budget (default: 30)
//	DISPATCH_DEFAULT_DEADLINE_SEC - per-command dispatch deadline (default: 30)
//	STATE_STORE_URL               - redis://... for durable storage; empty
//	                                means in-memory only
//	TASK_RETRY_BASE_MILLIS        - initial retry backoff (default: 1000)
//	TASK_RETRY_FACTOR             - backoff multiplier per attempt (default: 2)
//	TASK_RETRY_CAP_SEC            - backoff ceiling (default: 30)
//	TASK_RETRY_JITTER_PCT         - backoff jitter fraction (default: 0.25)
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal runtime error.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/L4DK/unified-bot-protocol/config"
	"github.com/L4DK/unified-bot-protocol/core"
	"github.com/L4DK/unified-bot-protocol/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewNoopMetrics()

	cfg := config.Load()
	if cfg.AdminToken == "" {
		logger.Error(ctx, "ADMIN_TOKEN must be set")
		return 1
	}

	c, err := core.New(cfg, logger, metrics)
	if err != nil {
		logger.Error(ctx, "startup failed", "error", err.Error())
		return 1
	}
	c.Start()
	defer c.Stop()

	mux := http.NewServeMux()
	mux.Handle("/connect", c.Transport)
	mux.Handle("/", c.Admin)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "listener failed", "error", err.Error())
			return 2
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown error", "error", err.Error())
		return 2
	}
	if err := c.Transport.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "transport drain error", "error", err.Error())
		return 2
	}

	logger.Info(ctx, "shutdown complete")
	return 0
}
