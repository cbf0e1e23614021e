// Package circuitbreaker guards calls to notification providers.
//
// Each breaker wraps sony/gobreaker, adding a span and OpenTelemetry counters
// per call. A Manager hands out breakers by name so every provider and channel
// pair trips on its own.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned without calling the guarded function while the circuit is
// open or the half-open probe budget is used up
var ErrOpen = errors.New("circuit open")

// State of a breaker as reported on the health endpoints
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker
type Config struct {
	Name string
	// MaxRequests is the probe budget while half-open
	MaxRequests uint32
	// Interval clears the counts while closed
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the circuit until MinRequests
	// calls were seen; after that FailureRatio decides
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// Ignore reports errors that say nothing about provider health, such as a
	// rejected phone number. They are returned but count as successes.
	Ignore func(error) bool
}

// DefaultConfig returns defaults for an outbound messaging provider
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         2 * time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      20,
	}
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

func (c Config) healthy(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return true
	case c.Ignore != nil:
		return c.Ignore(err)
	default:
		return false
	}
}

type instruments struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.calls, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls made through a circuit breaker")); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if in.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that failed and counted against the circuit")); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if in.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls refused while the circuit was open")); err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}
	return &in, nil
}

// Breaker is a named circuit breaker
type Breaker struct {
	gb      *gobreaker.CircuitBreaker
	name    string
	logger  *zap.Logger
	tracer  trace.Tracer
	inst    *instruments
	changed atomic.Int64
}

// New creates a breaker from cfg
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inst, err := newInstruments(otel.Meter("circuit-breaker"))
	if err != nil {
		return nil, err
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		tracer: otel.Tracer("circuit-breaker"),
		inst:   inst,
	}
	b.changed.Store(time.Now().UnixNano())
	b.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   cfg.readyToTrip,
		IsSuccessful:  cfg.healthy,
		OnStateChange: b.transition,
	})
	return b, nil
}

// Call runs fn through b. While the circuit is open fn is not called and the
// error wraps ErrOpen.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := b.tracer.Start(ctx, "CircuitBreaker.Call", trace.WithAttributes(
		attribute.String("breaker.name", b.name),
		attribute.String("breaker.state", string(b.State())),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.inst.calls.Add(ctx, 1, attrs)

	var out T
	_, err := b.gb.Execute(func() (interface{}, error) {
		var ferr error
		out, ferr = fn(ctx)
		return nil, ferr
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.inst.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		err = fmt.Errorf("%w: %s", ErrOpen, b.name)
	default:
		b.inst.failures.Add(ctx, 1, attrs)
	}
	span.RecordError(err)
	var zero T
	return zero, err
}

func (b *Breaker) transition(_ string, from, to gobreaker.State) {
	b.changed.Store(time.Now().UnixNano())
	log := b.logger.Info
	if to == gobreaker.StateOpen {
		log = b.logger.Warn
	}
	log("circuit breaker state changed",
		zap.String("from", string(stateOf(from))),
		zap.String("to", string(stateOf(to))))
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State { return stateOf(b.gb.State()) }

// Counts returns the counts of the current interval
func (b *Breaker) Counts() gobreaker.Counts { return b.gb.Counts() }

// Manager hands out one breaker per name, created on first use from a template
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	template Config
	logger   *zap.Logger
}

// NewManager creates a manager. template supplies every setting but the name.
func NewManager(template Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*Breaker), template: template, logger: logger}
}

// Get returns the breaker for name, creating it if needed
func (m *Manager) Get(name string) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b, nil
	}
	cfg := m.template
	cfg.Name = name
	b, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}

// HealthStatus is the externally visible state of one breaker
type HealthStatus struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Requests            uint32    `json:"requests"`
	Failures            uint32    `json:"failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Since               time.Time `json:"since"`
	Healthy             bool      `json:"healthy"`
}

// Statuses reports every breaker, ordered by name
func (m *Manager) Statuses() []HealthStatus {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]HealthStatus, 0, len(breakers))
	for _, b := range breakers {
		counts, state := b.Counts(), b.State()
		out = append(out, HealthStatus{
			Name:                b.name,
			State:               state,
			Requests:            counts.Requests,
			Failures:            counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Since:               time.Unix(0, b.changed.Load()).UTC(),
			Healthy:             state != StateOpen,
		})
	}
	slices.SortFunc(out, func(a, b HealthStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}
