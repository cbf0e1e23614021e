package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// Publisher writes a record to a topic
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// DeadLetterTopic receives undelivered messages
const DeadLetterTopic = "dead.letter"

// DeadLetterLog logs undelivered messages and, when a publisher is set, forwards
// them to the dead-letter topic keyed by contact
type DeadLetterLog struct {
	logger    *zap.Logger
	publisher Publisher
	topic     string
}

// NewDeadLetterLog creates a sink. publisher may be nil.
func NewDeadLetterLog(logger *zap.Logger, publisher Publisher) *DeadLetterLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterLog{logger: logger, publisher: publisher, topic: DeadLetterTopic}
}

// Record implements DeadLetterSink
func (d *DeadLetterLog) Record(ctx context.Context, letter Undelivered) {
	d.logger.Error("message undelivered on every provider",
		zap.String("channel", string(letter.Channel)),
		zap.String("instance_id", letter.Message.InstanceID),
		zap.Int("attempts", len(letter.Attempts)))
	if d.publisher == nil {
		return
	}

	value, err := json.Marshal(letter)
	if err != nil {
		d.logger.Error("failed to encode dead letter", zap.Error(err))
		return
	}
	if err := d.publisher.ProduceMessage(ctx, d.topic, letter.Contact, value); err != nil {
		d.logger.Error("failed to publish dead letter", zap.Error(err))
	}
}

// LogProvider writes messages to the log instead of sending them. Used in local
// development and as the last link of a chain in staging.
type LogProvider struct {
	logger *zap.Logger
}

// NewLogProvider creates a log-only provider
func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

// Name implements Provider
func (p *LogProvider) Name() string { return "log" }

// Supports implements Provider
func (p *LogProvider) Supports(reminder.Channel) bool { return true }

// Send implements Provider
func (p *LogProvider) Send(_ context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error) {
	id := "log-" + uuid.New().String()
	p.logger.Info("notification",
		zap.String("message_id", id),
		zap.String("channel", string(channel)),
		zap.String("to", contact),
		zap.String("instance_id", msg.InstanceID),
		zap.String("text", msg.Text),
		zap.Int("buttons", len(msg.Replies)))
	return id, nil
}
