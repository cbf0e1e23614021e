// Package idempotency runs message handlers at most once per key, for messages
// that providers may deliver more than once. Keys are the provider's message id
// or a hash of the content (see MessageKey).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage is returned by Backend.Start when the key is taken
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress means another delivery of the message is being handled
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means an earlier delivery failed with a terminal error
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrTerminal is wrapped by handlers whose error retrying cannot fix
	ErrTerminal = errors.New("terminal handler error")
)

// Entry is one inbox record
type Entry struct {
	Key       string          `db:"idempotency_key"`
	Handler   string          `db:"handler_name"`
	Status    Status          `db:"status"`
	Payload   json.RawMessage `db:"payload"`
	Result    json.RawMessage `db:"result"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
	ExpiresAt time.Time       `db:"expires_at"`
}

// Stats counts entries per status
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

func (s *Stats) add(status Status, n int64) {
	s.Total += n
	switch status {
	case StatusStarted:
		s.Started += n
	case StatusFinished:
		s.Finished += n
	case StatusRecoverable:
		s.Recoverable += n
	case StatusFailed:
		s.Failed += n
	}
}

// Backend stores inbox entries
type Backend interface {
	// Get returns nil, nil when the key is unknown
	Get(ctx context.Context, key string) (*Entry, error)
	// Start inserts the entry as STARTED, or moves a RECOVERABLE entry back to
	// STARTED. It returns ErrDuplicateMessage when the key exists in any other status.
	Start(ctx context.Context, e *Entry) error
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// RecoverStale moves STARTED entries untouched since before to RECOVERABLE
	RecoverStale(ctx context.Context, before time.Time) (int64, error)
	// Cleanup deletes entries that expired before now
	Cleanup(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Config tunes the inbox
type Config struct {
	// TTL is how long an entry suppresses redelivery
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout after which a STARTED entry is presumed abandoned
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be retried. Defaults to
	// IsTerminal.
	Terminal func(error) bool
}

// DefaultConfig returns the inbox defaults. Providers redeliver webhooks for at
// most a few days, so a week of history is enough.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		Terminal:        IsTerminal,
	}
}

// Inbox records which messages were handled, over a Backend
type Inbox struct {
	backend Backend
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(backend Backend, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = d.RecoveryTimeout
	}
	if cfg.Terminal == nil {
		cfg.Terminal = d.Terminal
	}
	return &Inbox{
		backend: backend,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests
func (i *Inbox) WithClock(now func() time.Time) *Inbox {
	i.now = now
	return i
}

// Outcome of a handler run through the inbox
type Outcome[T any] struct {
	Value T
	// Replayed is set when Value is the stored result of an earlier delivery
	Replayed bool
	// Recovered is set when an earlier delivery failed or stalled and this one
	// completed it
	Recovered bool
}

// Once runs fn unless key was handled before, in which case the stored result
// is decoded into Value and Replayed is set. payload is kept with the entry for
// inspection.
func Once[T any](ctx context.Context, in *Inbox, key, handler string, payload any, fn func(context.Context) (T, error)) (*Outcome[T], error) {
	ctx, span := in.tracer.Start(ctx, "Inbox.Once", trace.WithAttributes(
		attribute.String("inbox.key", key),
		attribute.String("inbox.handler", handler),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode inbox payload: %w", err)
	}

	stored, recovered, err := in.claim(ctx, key, handler, raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if stored != nil {
		span.SetAttributes(attribute.Bool("inbox.replayed", true))
		out := &Outcome[T]{Replayed: true}
		if len(stored) > 0 {
			if err := json.Unmarshal(stored, &out.Value); err != nil {
				return nil, fmt.Errorf("decode stored result for %s: %w", key, err)
			}
		}
		return out, nil
	}

	value, runErr := fn(ctx)
	if runErr != nil {
		span.RecordError(runErr)
		in.settleFailure(ctx, key, runErr)
		return nil, runErr
	}

	result, err := json.Marshal(value)
	if err != nil {
		in.settleFailure(ctx, key, err)
		return nil, fmt.Errorf("encode result for %s: %w", key, err)
	}
	if err := in.backend.Mark(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery may run it again
		in.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &Outcome[T]{Value: value, Recovered: recovered}, nil
}

// claim takes key for a new run. A finished key returns its stored result
// instead, never nil.
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) (json.RawMessage, bool, error) {
	prior, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check inbox: %w", err)
	}

	now := i.now()
	recovered := false
	if prior != nil {
		switch prior.Status {
		case StatusFinished:
			if prior.Result == nil {
				return json.RawMessage{}, false, nil
			}
			return prior.Result, false, nil
		case StatusFailed:
			return nil, false, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if now.Sub(prior.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, false, ErrMessageInProgress
			}
			i.logger.Warn("taking over abandoned message", zap.String("key", key), zap.Time("started", prior.UpdatedAt))
			if err := i.backend.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, false, fmt.Errorf("failed to mark recoverable: %w", err)
			}
		}
		recovered = true
	}

	err = i.backend.Start(ctx, &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(i.config.TTL),
	})
	switch {
	case errors.Is(err, ErrDuplicateMessage):
		// lost a race with a concurrent delivery
		return nil, false, ErrMessageInProgress
	case err != nil:
		return nil, false, fmt.Errorf("failed to start processing: %w", err)
	}
	return nil, recovered, nil
}

func (i *Inbox) settleFailure(ctx context.Context, key string, cause error) {
	status := StatusRecoverable
	if i.config.Terminal(cause) {
		status = StatusFailed
	}
	result, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := i.backend.Mark(ctx, key, status, result); err != nil {
		i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
	}
}

// MessageKey derives a key for an inbound message that carries no provider id.
// The timestamp is truncated to the minute to absorb redelivery clock drift.
func MessageKey(sender, text string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(sender)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(text)))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Truncate(time.Minute).Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}

// StartCleanup expires and recovers entries every CleanupInterval until Stop
// or ctx is done
func (i *Inbox) StartCleanup(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := i.Cleanup(ctx); err != nil && ctx.Err() == nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop ends the cleanup loop. It is a no-op when cleanup was never started.
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup removes expired entries and recovers stale ones
func (i *Inbox) Cleanup(ctx context.Context) error {
	now := i.now()
	deleted, err := i.backend.Cleanup(ctx, now)
	if err != nil {
		return fmt.Errorf("expire inbox entries: %w", err)
	}
	recovered, err := i.backend.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout))
	if err != nil {
		return fmt.Errorf("recover stale inbox entries: %w", err)
	}
	if deleted > 0 || recovered > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", deleted),
			zap.Int64("recovered", recovered))
	}
	return nil
}

// Stats returns the entry counts
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.backend.Stats(ctx)
}

// IsTerminal reports errors that retrying cannot fix: those wrapping
// ErrTerminal or carrying a Terminal() true method
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTerminal) {
		return true
	}
	var t interface{ Terminal() bool }
	return errors.As(err, &t) && t.Terminal()
}
