package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Headers added to a dead-lettered record
const (
	HeaderSourceTopic     = "source-topic"
	HeaderSourcePartition = "source-partition"
	HeaderSourceOffset    = "source-offset"
	HeaderError           = "error"
	HeaderAttempts        = "attempts"
)

// ErrPoison marks a record that can never be handled. It goes to the dead
// letter topic without retries.
var ErrPoison = errors.New("unprocessable record")

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// FromLatest starts a new group at the end of the topic instead of the start
	FromLatest bool
	// MaxAttempts is how often a record is handed to the handler before it is
	// parked on DeadLetterTopic
	MaxAttempts     int
	RetryBackoff    time.Duration
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the patient response consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "reminder-responses",
		Topics:            []string{TopicPatientResponses},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     8 << 20,
		MaxAttempts:       5,
		RetryBackoff:      500 * time.Millisecond,
		DeadLetterTopic:   TopicDeadLetter,
	}
}

// ConsumedMessage is one record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func consumed(r *kgo.Record) *ConsumedMessage {
	m := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		m.Headers[h.Key] = string(h.Value)
	}
	return m
}

// MessageHandler handles one record. Wrap ErrPoison to skip retries.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Consumer reads a consumer group with manual commits. A record's offset is
// marked only after the handler succeeded or the record was dead-lettered, so
// a crash replays the record instead of losing it.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	handler    MessageHandler
	deadLetter RecordProducer
	logger     *zap.Logger
	tracer     trace.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	read    atomic.Int64
	retried atomic.Int64
	parked  atomic.Int64
	lastAt  atomic.Int64
}

// NewConsumer creates a consumer. deadLetter may be nil, in which case
// exhausted records are logged and skipped.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter RecordProducer, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:     client,
		config:     cfg,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
	}, nil
}

// Start consumes in the background until Stop or ctx is done
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop finishes the record in flight, commits marked offsets and closes the client
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit on stop failed", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
			}
		})

		iter := fetches.RecordIter()
		for !iter.Done() && ctx.Err() == nil {
			record := iter.Next()
			if c.handle(ctx, record) {
				c.client.MarkCommitRecords(record)
			}
		}
	}
}

// handle runs the handler with retries, reporting whether the record is
// settled. It is unsettled only when ctx ended first.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) bool {
	c.read.Add(1)
	c.lastAt.Store(time.Now().UnixNano())
	msg := consumed(record)

	var err error
	attempt := 0
	for attempt < c.config.MaxAttempts {
		attempt++
		if err = c.dispatch(ctx, record, msg, attempt); err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, ErrPoison) || attempt == c.config.MaxAttempts {
			break
		}
		c.retried.Add(1)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
		}
	}

	c.park(ctx, record, attempt, err)
	return true
}

func (c *Consumer) dispatch(ctx context.Context, record *kgo.Record, msg *ConsumedMessage, attempt int) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, record), "Consumer.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.partition", int64(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	err := c.handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

func (c *Consumer) park(ctx context.Context, record *kgo.Record, attempts int, cause error) {
	c.parked.Add(1)
	fields := []zap.Field{
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(cause),
	}
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		c.logger.Error("dropping unprocessable record", fields...)
		return
	}

	err := c.deadLetter.Produce(ctx, Record{
		Topic: c.config.DeadLetterTopic,
		Key:   string(record.Key),
		Value: record.Value,
		Headers: map[string]string{
			HeaderSourceTopic:     record.Topic,
			HeaderSourcePartition: strconv.Itoa(int(record.Partition)),
			HeaderSourceOffset:    strconv.FormatInt(record.Offset, 10),
			HeaderAttempts:        strconv.Itoa(attempts),
			HeaderError:           cause.Error(),
		},
	})
	if err != nil {
		c.logger.Error("failed to dead-letter record", append(fields, zap.NamedError("produce_error", err))...)
		return
	}
	c.logger.Warn("record dead-lettered", fields...)
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead int64      `json:"messages_read"`
	Retries      int64      `json:"retries"`
	DeadLettered int64      `json:"dead_lettered"`
	LastMessage  *time.Time `json:"last_message,omitempty"`
}

// Stats returns the consumer counters
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		MessagesRead: c.read.Load(),
		Retries:      c.retried.Load(),
		DeadLettered: c.parked.Load(),
	}
	if ns := c.lastAt.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		s.LastMessage = &t
	}
	return s
}
