// Package main provides the outbox relay entry point. It publishes committed
// reminder lifecycle events from the outbox table to the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/app"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

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

	if cfg.DatabaseURL == "" || len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("outbox relay requires DATABASE_URL and KAFKA_BROKERS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producer, err := redpanda.NewProducer(cfg.Producer(), logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger.Named("outbox"))
	outbox.Start(ctx)
	defer outbox.Stop()

	m := metrics.New()
	server := &http.Server{Addr: cfg.WorkerAddr, Handler: m.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer server.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			stats, err := outbox.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Exhausted > 0 {
				if n, err := outbox.DeadLetter(ctx); err != nil {
					logger.Error("dead-lettering outbox entries failed", zap.Error(err))
				} else if n > 0 {
					logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
				}
			}
			if n, err := outbox.Purge(ctx, 7*24*time.Hour); err == nil && n > 0 {
				logger.Info("processed outbox entries removed", zap.Int64("count", n))
			}
		}
	}
}
