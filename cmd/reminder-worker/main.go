// Package main provides the reminder worker entry point. It runs the periodic
// passes (materialize, dispatch, escalate and sweep) and, when brokers are
// configured, consumes patient replies from the responses topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/app"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

const serviceName = "reminder-worker"

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

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, serviceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		a.Close(closeCtx)
	}()
	a.Start(ctx)

	var consumer *redpanda.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger.Named("admin"))
		if err != nil {
			return err
		}
		report, err := admin.EnsureTopics(ctx, cfg.KafkaReplication)
		admin.Close()
		if err != nil {
			return err
		}
		logger.Info("topics ready", zap.Strings("created", report.Created), zap.Strings("existing", report.Existing))

		handler := redpanda.ResponseHandler(a.Processor, logger.Named("responses"))
		consumer, err = redpanda.NewConsumer(cfg.Consumer(), handler, a.Producer, logger.Named("consumer"))
		if err != nil {
			return err
		}
		consumer.Start(ctx)
		defer consumer.Stop()
	} else {
		logger.Warn("KAFKA_BROKERS not set, replies are only accepted on the API webhook")
	}

	health := handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, a.Breakers).AddCheck("dependencies", a.Ready)
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/breakers", health.Breakers)
	r.Handle("/metrics", a.Metrics.Handler())
	r.Get("/dispatch", func(w http.ResponseWriter, _ *http.Request) {
		writeStats(w, a.Engine.Dispatcher.PoolStats())
	})
	if consumer != nil {
		r.Get("/consumer", func(w http.ResponseWriter, _ *http.Request) {
			writeStats(w, consumer.Stats())
		})
	}
	server := &http.Server{Addr: cfg.WorkerAddr, Handler: r, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.NewRunner(a.Engine, logger.Named("runner")).Run(gctx)
	})
	g.Go(func() error {
		a.ObserveBreakers(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info("worker status server listening", zap.String("addr", cfg.WorkerAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("reminder worker started")
	err = g.Wait()
	logger.Info("reminder worker stopped")
	return err
}

func writeStats(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
