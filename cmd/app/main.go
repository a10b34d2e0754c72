package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"serum_rest/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

const (
	restartJitter   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var errScheduledRestart = errors.New("scheduled restart")

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. Graceful Shutdown Context
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	// 3. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 4. Background market sync and maintenance
	go bootstrap.SyncMarkets(ctx)
	go bootstrap.RunMaintenance(ctx)

	// 5. Periodic restart with up to 30s of jitter
	if cfg.Server.RestartIntervalSec > 0 {
		after := time.Duration(cfg.Server.RestartIntervalSec)*time.Second + rand.N(restartJitter)
		timer := time.AfterFunc(after, func() { cancel(errScheduledRestart) })
		defer timer.Stop()
		slog.Info("⏰ Restart scheduled", slog.Duration("after", after))
	}

	// 6. HTTP Server
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           bootstrap.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("✨ Serum REST server listening", slog.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("HTTP server failed", slog.Any("error", err))
		exitCode = 1
	}
	if errors.Is(context.Cause(ctx), errScheduledRestart) {
		slog.Info("🔁 Restarting on schedule")
	}

	slog.Info("👋 Shutting down gracefully...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", slog.Any("error", err))
	}
	cancel(nil)
	bootstrap.Close()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
