// Package redpanda carries reminder events, patient responses and care alerts
// over Redpanda with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Linger   time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// LeaderAcksOnly trades durability for latency and disables idempotent writes
	LeaderAcksOnly bool
	MaxRetries     int
	RetryBackoff   time.Duration
	// ProduceTimeout bounds one synchronous Produce
	ProduceTimeout time.Duration
}

// DefaultProducerConfig returns durable defaults. Reminder traffic is low
// volume so batching is kept short.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "go-adherence",
		Linger:         5 * time.Millisecond,
		Compression:    "lz4",
		MaxRetries:     5,
		RetryBackoff:   100 * time.Millisecond,
		ProduceTimeout: 10 * time.Second,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
	"none":   kgo.NoCompression(),
}

func (cfg ProducerConfig) options() ([]kgo.Opt, error) {
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.LeaderAcksOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if cfg.Compression != "" {
		codec, ok := codecs[cfg.Compression]
		if !ok {
			return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts, nil
}

// Record is a message to be produced
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func (r Record) toKgo(ctx context.Context) *kgo.Record {
	kr := &kgo.Record{Topic: r.Topic, Key: []byte(r.Key), Value: r.Value}
	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(r.Headers[k])})
	}
	injectTraceHeaders(ctx, kr)
	return kr
}

// RecordProducer publishes records and waits for them. *Producer implements it.
type RecordProducer interface {
	Produce(ctx context.Context, records ...Record) error
}

// Producer publishes records synchronously. It satisfies the outbox relay's
// publisher and the notifier's dead-letter publisher.
type Producer struct {
	client  *kgo.Client
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		timeout: cfg.ProduceTimeout,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
	}, nil
}

// ProduceMessage sends one message and waits for the broker acknowledgement
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	return p.Produce(ctx, Record{Topic: topic, Key: key, Value: value})
}

// Produce sends records and waits for all of them. Records with the same key
// keep their relative order.
func (p *Producer) Produce(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "Producer.Produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", records[0].Topic),
			attribute.Int("messaging.batch.message_count", len(records)),
		))
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	krs := make([]*kgo.Record, len(records))
	for i, r := range records {
		krs[i] = r.toKgo(ctx)
	}

	var errs []error
	for _, res := range p.client.ProduceSync(ctx, krs...) {
		if res.Err != nil {
			p.failed.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", res.Record.Topic, res.Err))
			continue
		}
		p.sent.Add(1)
		p.bytes.Add(int64(len(res.Record.Value)))
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	span.RecordError(err)
	p.logger.Error("produce failed", zap.Int("failed", len(errs)), zap.Int("records", len(records)), zap.Error(err))
	return fmt.Errorf("produce %d of %d records failed: %w", len(errs), len(records), err)
}

// Flush blocks until buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the client. Call Flush first to deliver buffered records.
func (p *Producer) Close() {
	p.client.Close()
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent int64 `json:"messages_sent"`
	BytesSent    int64 `json:"bytes_sent"`
	Errors       int64 `json:"errors"`
}

// Stats returns the producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		Errors:       p.failed.Load(),
	}
}
