package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

type countingResponses struct {
	mu     sync.Mutex
	calls  int
	err    error
	lastAt time.Time
}

func (c *countingResponses) HandleResponse(_ context.Context, from, text string, at time.Time) (*engine.ResponseOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastAt = at
	if c.err != nil {
		return nil, c.err
	}
	kind, _ := engine.Classify(text)
	return &engine.ResponseOutcome{Kind: kind, PatientID: "p-" + from, Applied: true}, nil
}

var received = time.Date(2026, 3, 1, 7, 40, 0, 0, time.UTC)

func newProcessor(responses ResponseApplier) *Processor {
	inbox := idempotency.NewInbox(idempotency.NewMemoryBackend(), idempotency.DefaultConfig(), nil)
	return NewProcessor(responses, inbox, func() time.Time { return received }, nil)
}

func TestProcessor_RedeliveryByProviderID(t *testing.T) {
	responses := &countingResponses{}
	p := newProcessor(responses)
	msg := Message{ID: "wamid.1", From: "+919800000001", Text: "TAKEN", ReceivedAt: received}

	first, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, engine.ReplyTaken, first.Outcome.Kind)

	msg.ReceivedAt = received.Add(5 * time.Minute)
	second, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Outcome)
	assert.Equal(t, engine.ReplyTaken, second.Outcome.Kind)
	assert.Equal(t, 1, responses.calls)
}

func TestProcessor_RedeliveryWithoutID(t *testing.T) {
	responses := &countingResponses{}
	p := newProcessor(responses)

	_, err := p.Process(context.Background(), Message{From: "+91 98000 00001", Text: "SKIP", ReceivedAt: received})
	require.NoError(t, err)
	res, err := p.Process(context.Background(), Message{From: "+919800000001", Text: "SKIP", ReceivedAt: received.Add(20 * time.Second)})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// same words a minute later are a new message
	res, err = p.Process(context.Background(), Message{From: "+919800000001", Text: "SKIP", ReceivedAt: received.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, responses.calls)
}

func TestProcessor_LateRedeliveryWithProviderTimestamp(t *testing.T) {
	responses := &countingResponses{}
	p := newProcessor(responses)
	sentAt := received.Add(-30 * time.Second)
	msg := Message{From: "+919800000001", Text: "TAKEN", SentAt: sentAt, ReceivedAt: received}

	first, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, sentAt, responses.lastAt)

	// the provider retries minutes later with the same timestamp
	msg.ReceivedAt = received.Add(7 * time.Minute)
	second, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, responses.calls)

	// a new message of the same words has a new timestamp
	third, err := p.Process(context.Background(), Message{From: "+919800000001", Text: "TAKEN", SentAt: received.Add(6 * time.Hour), ReceivedAt: received.Add(6 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Equal(t, 2, responses.calls)
}

func TestProcessor_RetriesTransientFailure(t *testing.T) {
	responses := &countingResponses{err: errors.New("store unavailable")}
	p := newProcessor(responses)
	msg := Message{ID: "wamid.2", From: "+919800000001", Text: "TAKEN"}

	_, err := p.Process(context.Background(), msg)
	require.Error(t, err)

	responses.err = nil
	res, err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, responses.calls)
}

func TestProcessor_UnknownSenderIsTerminal(t *testing.T) {
	responses := &countingResponses{err: reminder.ErrNotFound}
	p := newProcessor(responses)
	msg := Message{ID: "wamid.3", From: "+10000000000", Text: "TAKEN"}

	_, err := p.Process(context.Background(), msg)
	require.ErrorIs(t, err, reminder.ErrNotFound)

	_, err = p.Process(context.Background(), msg)
	assert.ErrorIs(t, err, idempotency.ErrPreviouslyFailed)
	assert.Equal(t, 1, responses.calls)
}

func TestProcessor_Validation(t *testing.T) {
	p := newProcessor(&countingResponses{})
	_, err := p.Process(context.Background(), Message{From: " ", Text: "TAKEN"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = p.Process(context.Background(), Message{From: "+919800000001"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestProcessor_WithoutInbox(t *testing.T) {
	responses := &countingResponses{}
	p := NewProcessor(responses, nil, nil, nil)
	msg := Message{ID: "wamid.4", From: "+919800000001", Text: "LATER"}

	for i := 0; i < 2; i++ {
		res, err := p.Process(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, engine.ReplyLater, res.Outcome.Kind)
	}
	assert.Equal(t, 2, responses.calls)
}
