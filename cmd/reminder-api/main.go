// Package main provides the reminder API entry point: schedule intake, status
// endpoints, one-shot passes and the gateway reply webhook.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/app"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

const serviceName = "reminder-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("invalid log level", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		a.Close(closeCtx)
	}()

	if cfg.IsDev() {
		if n, err := a.Migrate(ctx); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("migrations applied", zap.Int("count", n))
		}
	}
	a.Start(ctx)
	go a.ObserveBreakers(ctx, 15*time.Second)

	var queue handlers.Enqueuer
	if cfg.ResponsesAsync {
		if a.Producer == nil {
			logger.Fatal("RESPONSES_ASYNC requires KAFKA_BROKERS")
		}
		queue = redpanda.NewResponsePublisher(a.Producer)
	}

	var auth func(http.Handler) http.Handler
	if keys := cfg.ClientKeys(); len(keys) > 0 {
		auth = middleware.APIKeyAuth(keys)
	} else {
		logger.Warn("API_KEYS not set, API is unauthenticated")
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Engine:      a.Engine,
		Store:       a.Store,
		Webhook:     handlers.NewWebhookHandler(a.Processor, queue, cfg.WebhookSecret, nil, logger.Named("webhook")),
		Health:      handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, a.Breakers).AddCheck("dependencies", a.Ready),
		Auth:        auth,
		Metrics:     a.Metrics.Handler(),
		Observe:     a.Metrics.ObserveHTTP,
		ServiceName: serviceName,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting reminder API", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
