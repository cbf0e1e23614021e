// Package app assembles the reminder service from configuration. The API, the
// worker and remindctl share one wiring so they act on the same store, senders
// and collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/directory"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/inbound"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/schedule"
	"github.com/drfirst/go-adherence/pkg/cache"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// NewLogger builds a production logger, or a development one at debug level
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}

// App holds the wired components of one process
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Tracing  *tracing.Provider
	Breakers *circuitbreaker.Manager

	// Pool is nil when running on the in-memory store
	Pool     *pgxpool.Pool
	Store    engine.Store
	Patients engine.PatientDirectory
	Inbox    *idempotency.Inbox
	// Producer is nil when no brokers are configured
	Producer  *redpanda.Producer
	Engine    *engine.Engine
	Processor *inbound.Processor

	memCache *cache.Memory
}

// New wires the service for name. Without DATABASE_URL the in-memory store is
// used; without brokers events stay in the outbox and alerts are only logged.
func New(ctx context.Context, cfg *config.Config, name string, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	tp, err := tracing.Init(ctx, cfg.Tracing(name))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracing = tp
	if !tp.Enabled() {
		logger.Info("OTLP_ENDPOINT not set, spans are not exported")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewWithRegistry(reg, reg)
	a.Breakers = circuitbreaker.NewManager(notify.DefaultBreakerConfig(), logger.Named("breaker"))

	var (
		patients     engine.PatientDirectory
		patientCache cache.Cache
		inboxBackend idempotency.Backend
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Pool())
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		a.Store = postgres.NewStore(pool, logger.Named("store"))
		patients = postgres.NewDirectory(pool)
		patientCache = postgres.NewCache(pool)
		inboxBackend = idempotency.NewPostgresBackend(pool)
		logger.Info("using postgres store")
	} else {
		a.memCache = cache.NewMemory()
		a.Store = memory.NewStore()
		patients = memory.NewDirectory()
		patientCache = a.memCache
		inboxBackend = idempotency.NewMemoryBackend()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	dirCfg := directory.DefaultConfig()
	dirCfg.TTL = cfg.PatientCacheTTL
	a.Patients = directory.NewCached(patients, patientCache, dirCfg, logger.Named("directory"))
	a.Inbox = idempotency.NewInbox(inboxBackend, idempotency.DefaultConfig(), logger.Named("inbox"))

	var (
		deadLetterPublisher notify.Publisher
		provider            engine.ProviderNotifier
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.Producer(), logger.Named("producer"))
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("create producer: %w", err)
		}
		a.Producer = producer
		deadLetterPublisher = producer
		provider = redpanda.NewAlertPublisher(producer)
	}

	var providers []notify.Provider
	for _, gw := range cfg.Gateways() {
		providers = append(providers, notify.NewGuarded(notify.NewHTTPProvider(gw, logger.Named(gw.Name)), a.Breakers))
	}
	if len(providers) == 0 || cfg.IsDev() {
		providers = append(providers, notify.NewLogProvider(logger.Named("log-provider")))
	}
	chain := notify.NewChain(logger.Named("notify"), notify.NewDeadLetterLog(logger.Named("dead-letter"), deadLetterPublisher), providers...)

	engineCfg := cfg.Engine()
	eng, err := engine.New(engine.Deps{
		Store:     a.Store,
		Sender:    chain,
		Templates: notify.NewTemplates(cfg.DefaultLanguage),
		Directory: a.Patients,
		Critical:  cfg.Critical(),
		Provider:  provider,
		Recorder:  a.Metrics,
		Compiler:  schedule.NewCompiler(cfg.Compiler(), logger.Named("compiler")),
	}, engineCfg, logger.Named("engine"))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create engine: %w", err)
	}
	a.Engine = eng
	a.Processor = inbound.NewProcessor(eng.Responses, a.Inbox, eng.Config().Now, logger.Named("inbound"))
	return a, nil
}

// Migrate applies pending database migrations. It is a no-op on the in-memory store.
func (a *App) Migrate(ctx context.Context) (int, error) {
	if a.Pool == nil {
		return 0, nil
	}
	return postgres.NewMigrator(a.Pool, a.Logger.Named("migrate")).Up(ctx)
}

// Start launches background maintenance: inbox cleanup and the memory cache sweep
func (a *App) Start(ctx context.Context) {
	a.Inbox.StartCleanup(ctx)
	if a.memCache != nil {
		a.memCache.StartCleanup(ctx, time.Minute)
	}
}

// ObserveBreakers copies breaker states into the metrics every interval until
// ctx ends
func (a *App) ObserveBreakers(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.Metrics.ObserveBreakers(a.Breakers.Statuses())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ready checks the database and broker connections
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		if _, err := postgres.Health(ctx, a.Pool); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.Producer != nil {
		if err := a.Producer.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases everything New acquired, in reverse order
func (a *App) Close(ctx context.Context) {
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			a.Logger.Warn("engine close failed", zap.Error(err))
		}
	}
	if a.Inbox != nil {
		a.Inbox.Stop()
	}
	if a.Producer != nil {
		if err := a.Producer.Flush(ctx); err != nil {
			a.Logger.Warn("producer flush failed", zap.Error(err))
		}
		a.Producer.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if err := a.Tracing.Shutdown(ctx); err != nil {
		a.Logger.Warn("tracing shutdown failed", zap.Error(err))
	}
}
