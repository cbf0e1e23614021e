// Package postgres provides the PostgreSQL reminder store, the transactional
// outbox and its relay, the persistent cache, the patient directory and schema
// migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// ErrNoPublisher is returned by relay operations on an outbox opened for
// inspection only
var ErrNoPublisher = errors.New("outbox has no publisher")

// OutboxRecord is a lifecycle event written in the transaction of the state
// change it describes and relayed to Redpanda afterwards
type OutboxRecord struct {
	ID            int64           `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	Topic         string          `db:"kafka_topic"`
	Key           string          `db:"kafka_key"`
	CreatedAt     time.Time       `db:"created_at"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
}

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

// OutboxConfig tunes the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes park a record for the dead letter topic
	MaxRetries      int
	DeadLetterTopic string
	// LockID is the transaction-scoped advisory lock that keeps relays from
	// interleaving one patient's events
	LockID int64
}

// DefaultOutboxConfig returns the relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		LockID:          4_215_001,
	}
}

// Publisher writes a record to a topic
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed records to the broker. An Outbox built with a nil
// publisher can still report Stats and Purge.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = d.DeadLetterTopic
	}
	if cfg.LockID == 0 {
		cfg.LockID = d.LockID
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// WriteEvents records every non-nil event inside tx. Records are keyed by
// patient so one patient's events stay ordered within a partition.
func WriteEvents(ctx context.Context, tx pgx.Tx, topic string, events []*reminder.Event) error {
	batch := &pgx.Batch{}
	for _, evt := range events {
		if evt == nil {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.EventType, err)
		}
		key := evt.PatientID
		if key == "" {
			key = evt.AggregateID
		}
		batch.Queue(`
			INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			evt.AggregateID, evt.AggregateType, string(evt.EventType), payload, topic, key)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write outbox records: %w", err)
	}
	return nil
}

// Start polls and relays until Stop or ctx is done
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.run(ctx)
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop ends polling and waits for the batch in flight
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := o.RelayBatch(ctx)
				if err != nil && ctx.Err() == nil {
					o.logger.Error("outbox batch failed", zap.Error(err))
				}
				// a full batch means more is waiting
				if err != nil || n < o.config.BatchSize {
					break
				}
			}
		}
	}
}

// RelayBatch publishes one batch of pending records in id order and returns how
// many were published. Once a record fails, later records with the same key are
// held back so a patient's events are never reordered. It returns 0 when
// another relay holds the lock.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	if o.publisher == nil {
		return 0, ErrNoPublisher
	}
	ctx, span := o.tracer.Start(ctx, "Outbox.RelayBatch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay: %w", err)
	}
	defer tx.Rollback(context.Background())

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", o.config.LockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	pending, err := o.query(ctx, tx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.pending", len(pending)))

	var published []int64
	blocked := make(map[string]bool)
	for _, rec := range pending {
		if blocked[rec.Key] {
			continue
		}
		if err := o.publish(ctx, rec); err != nil {
			blocked[rec.Key] = true
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", rec.ID),
				zap.String("event_type", rec.EventType),
				zap.Int("retry_count", rec.RetryCount+1),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
				WHERE id = $1`, rec.ID, err.Error()); uerr != nil {
				return 0, fmt.Errorf("record publish failure: %w", uerr)
			}
			continue
		}
		published = append(published, rec.ID)
	}

	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET processed_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1)`, published); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("mark relayed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay: %w", err)
	}
	return len(published), nil
}

func (o *Outbox) publish(ctx context.Context, rec *OutboxRecord) error {
	ctx, span := o.tracer.Start(ctx, "Outbox.publish", trace.WithAttributes(
		attribute.Int64("outbox.id", rec.ID),
		attribute.String("event.type", rec.EventType),
		attribute.String("messaging.destination", rec.Topic),
	))
	defer span.End()
	if err := o.publisher.ProduceMessage(ctx, rec.Topic, rec.Key, rec.Payload); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (o *Outbox) query(ctx context.Context, q querier, sql string, args ...any) ([]*OutboxRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxRecord])
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return recs, nil
}

// deadLetter is the envelope published for a record that ran out of retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DeadLetter publishes records that exhausted their retries to the dead letter
// topic and marks them processed, returning how many were moved
func (o *Outbox) DeadLetter(ctx context.Context) (int64, error) {
	if o.publisher == nil {
		return 0, ErrNoPublisher
	}
	parked, err := o.query(ctx, o.pool, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, rec := range parked {
		body, err := json.Marshal(deadLetter{
			OriginalTopic: rec.Topic,
			EventType:     rec.EventType,
			AggregateID:   rec.AggregateID,
			Payload:       rec.Payload,
			RetryCount:    rec.RetryCount,
			LastError:     rec.LastError,
			CreatedAt:     rec.CreatedAt,
		})
		if err != nil {
			return moved, fmt.Errorf("encode dead letter %d: %w", rec.ID, err)
		}
		if err := o.publisher.ProduceMessage(ctx, o.config.DeadLetterTopic, rec.Key, body); err != nil {
			o.logger.Error("dead letter publish failed", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", rec.ID); err != nil {
			return moved, fmt.Errorf("mark dead-lettered %d: %w", rec.ID, err)
		}
		moved++
	}
	return moved, nil
}

// Purge deletes records relayed more than olderThan ago
func (o *Outbox) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox backlog
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Relayed24h    int64      `json:"relayed_24h"`
	Exhausted     int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats reports the current backlog
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	var s OutboxStats
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).Scan(&s.Pending, &s.Relayed24h, &s.Exhausted, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return &s, nil
}
