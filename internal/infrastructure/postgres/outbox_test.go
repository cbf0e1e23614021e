package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboxWithoutPublisher(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{}, nil)

	_, err := o.RelayBatch(context.Background())
	assert.ErrorIs(t, err, ErrNoPublisher)
	_, err = o.DeadLetter(context.Background())
	assert.ErrorIs(t, err, ErrNoPublisher)

	// Stop before Start is a no-op
	o.Stop()
}

func TestOutboxConfigDefaults(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{BatchSize: 10}, nil)
	d := DefaultOutboxConfig()

	assert.Equal(t, 10, o.config.BatchSize)
	assert.Equal(t, d.PollInterval, o.config.PollInterval)
	assert.Equal(t, d.MaxRetries, o.config.MaxRetries)
	assert.Equal(t, "dead.letter", o.config.DeadLetterTopic)
	assert.NotZero(t, o.config.LockID)
}
