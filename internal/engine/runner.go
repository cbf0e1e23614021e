package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner drives the periodic passes on independent timers until its context ends.
// Escalation and the sweep share one loop so the emergency tier is evaluated before
// an instance can be closed as missed.
type Runner struct {
	engine *Engine
	logger *zap.Logger
}

// NewRunner creates a runner for e
func NewRunner(e *Engine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{engine: e, logger: logger}
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.engine.Config()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.loop(ctx, PassMaterialize, cfg.MaterializeInterval, PassMaterialize)
	})
	g.Go(func() error {
		return r.loop(ctx, PassDispatch, cfg.DispatchInterval, PassDispatch)
	})
	g.Go(func() error {
		return r.loop(ctx, "escalate+sweep", cfg.EscalationInterval, PassEscalate, PassSweep)
	})

	r.logger.Info("reminder runner started",
		zap.Duration("dispatch_interval", cfg.DispatchInterval),
		zap.Duration("materialize_interval", cfg.MaterializeInterval),
		zap.Duration("escalation_interval", cfg.EscalationInterval))
	err := g.Wait()
	r.logger.Info("reminder runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, passes ...string) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Debug("loop started", zap.String("loop", name))

	r.tick(ctx, passes)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx, passes)
		}
	}
}

func (r *Runner) tick(ctx context.Context, passes []string) {
	for _, pass := range passes {
		n, err := r.engine.RunPass(ctx, pass)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("pass failed", zap.String("pass", pass), zap.Int("processed", n), zap.Error(err))
			continue
		}
		if n > 0 {
			r.logger.Debug("pass completed", zap.String("pass", pass), zap.Int("processed", n))
		}
	}
}
