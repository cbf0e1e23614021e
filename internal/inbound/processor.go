// Package inbound turns patient messages delivered by providers, over the
// webhook or the responses topic, into reply handling with duplicate deliveries
// suppressed.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// HandlerName identifies reply handling in the inbox
const HandlerName = "patient-response"

// ErrInvalidMessage is returned for a message without sender or text
var ErrInvalidMessage = errors.New("invalid inbound message")

// Message is one inbound patient message
type Message struct {
	// ID is the provider message id. Redeliveries carry the same id.
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Text string `json:"text"`
	// SentAt is the provider's timestamp of the message. Redeliveries carry the
	// same value.
	SentAt     time.Time `json:"sent_at,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Key returns the deduplication key: the provider id when present, otherwise a
// hash of sender, text and the provider timestamp. Only a message with neither
// falls back to the minute it was received.
func (m Message) Key() string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return "msg:" + id
	}
	at := m.SentAt
	if at.IsZero() {
		at = m.ReceivedAt
	}
	return "hash:" + idempotency.MessageKey(reminder.NormalizeContact(m.From), m.Text, at)
}

// RepliedAt is when the patient replied, as far as the provider tells
func (m Message) RepliedAt() time.Time {
	if !m.SentAt.IsZero() {
		return m.SentAt
	}
	return m.ReceivedAt
}

// ResponseApplier applies a reply to the reminder state
type ResponseApplier interface {
	HandleResponse(ctx context.Context, patientIdentifier, rawText string, receivedAt time.Time) (*engine.ResponseOutcome, error)
}

// Result reports the handling of one message
type Result struct {
	Outcome *engine.ResponseOutcome `json:"outcome,omitempty"`
	// Duplicate is set when the message had been processed before; Outcome is
	// then the stored result of the first delivery
	Duplicate bool `json:"duplicate"`
}

// Processor deduplicates inbound messages and hands them to the response handler
type Processor struct {
	responses ResponseApplier
	inbox     *idempotency.Inbox
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewProcessor creates a processor. inbox may be nil, in which case duplicate
// suppression relies on the response handler alone.
func NewProcessor(responses ResponseApplier, inbox *idempotency.Inbox, now func() time.Time, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Processor{
		responses: responses,
		inbox:     inbox,
		now:       now,
		logger:    logger,
		tracer:    otel.Tracer("inbound"),
	}
}

// Process handles msg at most once
func (p *Processor) Process(ctx context.Context, msg Message) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "inbound.Process")
	defer span.End()

	msg.From = strings.TrimSpace(msg.From)
	if msg.From == "" || strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("%w: sender and text are required", ErrInvalidMessage)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	span.SetAttributes(attribute.String("message.key", msg.Key()))

	if p.inbox == nil {
		out, err := p.apply(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: out}, nil
	}

	out, err := idempotency.Once(ctx, p.inbox, msg.Key(), HandlerName, msg, func(ctx context.Context) (*engine.ResponseOutcome, error) {
		return p.apply(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			p.logger.Debug("duplicate delivery in flight", zap.String("key", msg.Key()))
			return &Result{Duplicate: true}, nil
		}
		span.RecordError(err)
		return nil, err
	}
	if out.Replayed {
		p.logger.Info("duplicate delivery ignored", zap.String("key", msg.Key()))
	}
	return &Result{Outcome: out.Value, Duplicate: out.Replayed}, nil
}

func (p *Processor) apply(ctx context.Context, msg Message) (*engine.ResponseOutcome, error) {
	out, err := p.responses.HandleResponse(ctx, msg.From, msg.Text, msg.RepliedAt())
	if errors.Is(err, reminder.ErrNotFound) {
		// an unknown sender will not become known on redelivery
		return nil, fmt.Errorf("%w: unknown sender: %w", idempotency.ErrTerminal, err)
	}
	return out, err
}
