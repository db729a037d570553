// relaykit-inbox is the Inbox Dispatcher daemon: it polls the configured
// store for PENDING rows and hands each to its registered handler on a
// fixed interval, with a periodic sweep recovering rows stuck in
// PROCESSING after a worker crash.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/relaykit/internal/bootstrap"
	"github.com/relaykit/relaykit/internal/common/health"
	"github.com/relaykit/relaykit/internal/common/leader"
	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadWithFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting relaykit inbox dispatcher",
		"version", version,
		"build_time", buildTime,
		"driver", cfg.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	repo, stores, err := bootstrap.OpenInboxRepository(ctx, cfg)
	if err != nil {
		slog.Error("failed to open inbox repository", "error", err)
		os.Exit(1)
	}
	defer stores.Close(context.Background())

	if stores.SQL != nil {
		healthChecker.AddReadinessCheck(health.PostgresCheck(func() error { return stores.SQL.PingContext(ctx) }))
	}
	if stores.Mongo != nil {
		healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error { return stores.Mongo.Ping(ctx) }))
	}

	if err := repo.CreateSchema(ctx); err != nil {
		slog.Error("failed to create inbox schema", "error", err)
		os.Exit(1)
	}

	elector, err := bootstrap.OpenElector(ctx, cfg)
	if err != nil {
		slog.Error("failed to start leader election", "error", err)
		os.Exit(1)
	}
	if elector != nil {
		defer elector.Stop()
		slog.Info("single-writer mode enabled via leader election", "instance_id", elector.InstanceID())
	}

	registry := inbox.NewRegistry()
	registerHandlers(registry)

	dispatchCfg := inbox.DefaultDispatcherConfig()
	dispatchCfg.MaxRetries = cfg.Processing.MaxRetries
	dispatcher := inbox.NewDispatcher(repo, registry, dispatchCfg)

	pollInterval := cfg.Processing.RetryDelay
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	go runPollLoop(ctx, dispatcher, cfg.Processing.BatchSize, pollInterval, elector)
	go runRecoveryLoop(ctx, dispatcher, dispatchCfg.RecoveryThreshold)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shutdown", "error", err)
	}

	slog.Info("relaykit inbox dispatcher stopped")
}

// registerHandlers is where a deployment wires its event_type -> Handler
// mappings. relaykit ships no handlers of its own; this is the extension
// point operators fill in for their own consuming services.
func registerHandlers(registry *inbox.Registry) {
	_ = registry
}

func runPollLoop(ctx context.Context, dispatcher *inbox.Dispatcher, batchSize int, interval time.Duration, elector *leader.RedisLeaderElector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if elector != nil && !elector.IsPrimary() {
				continue
			}
			stats, err := dispatcher.ProcessAll(ctx, batchSize)
			if err != nil {
				slog.Error("inbox poll failed", "error", err)
				continue
			}
			if stats.Processed > 0 || stats.Failed > 0 || stats.NoHandler > 0 {
				slog.Info("inbox poll complete", "processed", stats.Processed, "failed", stats.Failed, "no_handler", stats.NoHandler)
			}
		}
	}
}

func runRecoveryLoop(ctx context.Context, dispatcher *inbox.Dispatcher, threshold time.Duration) {
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := dispatcher.RecoverStuck(ctx); err != nil {
				slog.Error("inbox recovery sweep failed", "error", err)
			}
		}
	}
}
