package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/inbound"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// MessageProcessor handles one inbound patient message
type MessageProcessor interface {
	Process(ctx context.Context, msg inbound.Message) (*inbound.Result, error)
}

// ResponseHandler consumes patient.responses records. Malformed payloads and
// terminal failures are poison; anything else is retried by the consumer.
func ResponseHandler(processor MessageProcessor, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, cm *ConsumedMessage) error {
		var msg inbound.Message
		if err := json.Unmarshal(cm.Value, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		res, err := processor.Process(ctx, msg)
		switch {
		case errors.Is(err, inbound.ErrInvalidMessage),
			errors.Is(err, idempotency.ErrPreviouslyFailed),
			idempotency.IsTerminal(err):
			return fmt.Errorf("%w: %w", ErrPoison, err)
		case err != nil:
			return err
		}
		if res.Outcome != nil {
			logger.Info("patient response handled",
				zap.String("patient_id", res.Outcome.PatientID),
				zap.String("kind", string(res.Outcome.Kind)),
				zap.Bool("duplicate", res.Duplicate))
		}
		return nil
	}
}

// ResponsePublisher enqueues webhook messages on patient.responses so the
// webhook can acknowledge the provider before the reply is applied
type ResponsePublisher struct {
	producer RecordProducer
	topic    string
}

// NewResponsePublisher creates a publisher on producer
func NewResponsePublisher(producer RecordProducer) *ResponsePublisher {
	return &ResponsePublisher{producer: producer, topic: TopicPatientResponses}
}

// Enqueue publishes msg keyed by the normalized sender, so one patient's
// replies are handled in order
func (p *ResponsePublisher) Enqueue(ctx context.Context, msg inbound.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, Record{
		Topic:   p.topic,
		Key:     reminder.NormalizeContact(msg.From),
		Value:   value,
		Headers: map[string]string{HeaderContentType: "application/json"},
	})
}
