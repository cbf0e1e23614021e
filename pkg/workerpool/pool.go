// Package workerpool provides a bounded worker pool for controlled concurrency.
// A pass of independent jobs is fanned out with RunBatch; a slow job only holds
// its own worker.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned when work is submitted after Stop
var ErrPoolStopped = errors.New("worker pool is stopped")

// Task is one unit of work
type Task[T any] struct {
	ID      string
	Payload T
}

// Result is the outcome of one task
type Result[R any] struct {
	TaskID string
	Value  R
	Err    error
}

// Func processes one payload
type Func[T, R any] func(ctx context.Context, payload T) (R, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds the tasks waiting for a worker
	QueueSize int
	// MaxRetries is how often a failed task is run again
	MaxRetries int
	// RetryDelay grows linearly with the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a reminder dispatch pass
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job[T, R any] struct {
	task  Task[T]
	ctx   context.Context
	slot  int
	reply chan<- indexed[R]
}

type indexed[R any] struct {
	slot int
	res  Result[R]
}

// Pool runs tasks on a fixed set of workers
type Pool[T, R any] struct {
	config Config
	fn     Func[T, R]
	logger *zap.Logger

	jobs    chan job[T, R]
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New[T, R any](cfg Config, fn Func[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = d.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T, R]{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan job[T, R], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers
func (p *Pool[T, R]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task whose result is discarded, blocking while the queue is full
func (p *Pool[T, R]) Submit(ctx context.Context, task Task[T]) error {
	return p.enqueue(ctx, job[T, R]{task: task, ctx: ctx})
}

func (p *Pool[T, R]) enqueue(ctx context.Context, j job[T, R]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// RunBatch runs every task under ctx and waits for all of them. Results are in
// task order; a task that could not be queued carries the queueing error.
func (p *Pool[T, R]) RunBatch(ctx context.Context, tasks []Task[T]) []Result[R] {
	results := make([]Result[R], len(tasks))
	replies := make(chan indexed[R], len(tasks))

	pending := 0
	for i, task := range tasks {
		if err := p.enqueue(ctx, job[T, R]{task: task, ctx: ctx, slot: i, reply: replies}); err != nil {
			results[i] = Result[R]{TaskID: task.ID, Err: err}
			continue
		}
		pending++
	}
	for ; pending > 0; pending-- {
		r := <-replies
		results[r.slot] = r.res
	}
	return results
}

// Stop lets the workers drain the queue, waiting up to the shutdown timeout
func (p *Pool[T, R]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.GracefulShutdownTimeout):
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	return err
}

func (p *Pool[T, R]) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.busy.Add(1)
		res := p.run(j)
		p.busy.Add(-1)

		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Debug("task failed", zap.String("task_id", j.task.ID), zap.Error(res.Err))
		} else {
			p.completed.Add(1)
		}
		if j.reply != nil {
			j.reply <- indexed[R]{slot: j.slot, res: res}
		}
	}
}

func (p *Pool[T, R]) run(j job[T, R]) Result[R] {
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	var res Result[R]
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[R]{TaskID: j.task.ID, Err: err}
		}
		res = p.call(ctx, j.task)
		if res.Err == nil || attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", j.task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))
		select {
		case <-ctx.Done():
			return Result[R]{TaskID: j.task.ID, Err: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if res.Err != nil && p.config.MaxRetries > 0 {
		res.Err = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, res.Err)
	}
	return res
}

// call keeps a panicking task from taking its worker down
func (p *Pool[T, R]) call(ctx context.Context, task Task[T]) (res Result[R]) {
	res.TaskID = task.ID
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", v))
			res.Err = fmt.Errorf("task panicked: %v", v)
		}
	}()
	res.Value, res.Err = p.fn(ctx, task.Payload)
	return res
}

// Stats holds pool counters
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Busy       int64 `json:"busy"`
	Queued     int   `json:"queued"`
	QueueLimit int   `json:"queue_limit"`
	Workers    int   `json:"workers"`
}

// Stats returns current pool counters
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		Busy:       p.busy.Load(),
		Queued:     len(p.jobs),
		QueueLimit: p.config.QueueSize,
		Workers:    p.config.Workers,
	}
}

// Healthy reports whether the queue has headroom
func (p *Pool[T, R]) Healthy() bool {
	s := p.Stats()
	return float64(s.Queued) < 0.9*float64(s.QueueLimit)
}
