// Package notify delivers rendered reminder messages through an ordered chain of
// messaging providers and renders the localized message templates.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

// ErrUnsupportedChannel is returned by a provider asked to send on a channel it
// does not serve. The chain treats it as a skip, not a failure.
var ErrUnsupportedChannel = errors.New("channel not supported by provider")

// Provider is one outbound messaging integration
type Provider interface {
	Name() string
	Supports(channel reminder.Channel) bool
	Send(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error)
}

// Outcome is the result of offering a message to one provider
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Attempt records one provider's handling of a message
type Attempt struct {
	Provider  string        `json:"provider"`
	Outcome   Outcome       `json:"outcome"`
	MessageID string        `json:"message_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	err       error
}

// Undelivered is a message no provider accepted
type Undelivered struct {
	Contact  string           `json:"contact"`
	Channel  reminder.Channel `json:"channel"`
	Message  reminder.Message `json:"message"`
	Attempts []Attempt        `json:"attempts"`
	At       time.Time        `json:"at"`
}

// DeadLetterSink receives messages every provider declined or failed
type DeadLetterSink interface {
	Record(ctx context.Context, letter Undelivered)
}

// Chain offers a message to each provider in order until one delivers it
type Chain struct {
	providers  []Provider
	deadLetter DeadLetterSink
	logger     *zap.Logger
	tracer     trace.Tracer
}

var _ engine.NotificationSender = (*Chain)(nil)

// NewChain builds a chain. deadLetter may be nil.
func NewChain(logger *zap.Logger, deadLetter DeadLetterSink, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		providers:  providers,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("notify-chain"),
	}
}

// Attempt runs the chain and reports every provider's outcome. It stops at the
// first delivery or when ctx ends.
func (c *Chain) Attempt(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) []Attempt {
	attempts := make([]Attempt, 0, len(c.providers))
	for _, p := range c.providers {
		if ctx.Err() != nil {
			break
		}
		if !p.Supports(channel) {
			attempts = append(attempts, Attempt{Provider: p.Name(), Outcome: OutcomeSkipped})
			continue
		}

		start := time.Now()
		id, err := p.Send(ctx, contact, channel, msg)
		a := Attempt{Provider: p.Name(), Duration: time.Since(start), err: err}
		switch {
		case err == nil:
			a.Outcome, a.MessageID = OutcomeDelivered, id
		case errors.Is(err, ErrUnsupportedChannel):
			a.Outcome = OutcomeSkipped
		default:
			a.Outcome, a.Error = OutcomeFailed, err.Error()
		}
		attempts = append(attempts, a)
		if a.Outcome == OutcomeDelivered {
			break
		}
		if a.Outcome == OutcomeFailed {
			c.logger.Warn("provider send failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("channel", string(channel)),
				zap.Error(err))
		}
	}
	return attempts
}

// Send implements engine.NotificationSender
func (c *Chain) Send(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error) {
	ctx, span := c.tracer.Start(ctx, "Chain.Send",
		trace.WithAttributes(attribute.String("channel", string(channel))))
	defer span.End()

	attempts := c.Attempt(ctx, contact, channel, msg)
	var errs []error
	for _, a := range attempts {
		if a.Outcome == OutcomeDelivered {
			span.SetAttributes(attribute.String("provider", a.Provider))
			return a.MessageID, nil
		}
		if a.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Provider, a.err))
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no provider serves %s", channel))
	}

	err := fmt.Errorf("%w: %s: %w", reminder.ErrChannelSendFailed, channel, errors.Join(errs...))
	span.RecordError(err)
	if c.deadLetter != nil {
		c.deadLetter.Record(ctx, Undelivered{
			Contact:  contact,
			Channel:  channel,
			Message:  msg,
			Attempts: attempts,
			At:       time.Now().UTC(),
		})
	}
	return "", err
}
