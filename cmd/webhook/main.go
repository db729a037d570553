// relaykit-webhook is the inbound webhook ingress daemon: a thin chi server
// that adapts HTTP POSTs into Inbox Admitter calls.
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
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/relaykit/internal/bootstrap"
	"github.com/relaykit/relaykit/internal/common/health"
	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
	"github.com/relaykit/relaykit/internal/webhook"
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

	slog.Info("starting relaykit webhook ingress", "version", version, "build_time", buildTime)

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

	admitter := inbox.NewAdmitter(repo)
	ingress := webhook.New(admitter, cfg.Headers, cfg.Webhook)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/webhook/*", ingress.ServeHTTP)

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

	slog.Info("relaykit webhook ingress stopped")
}
