package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

type stubProvider struct {
	name     string
	channels []reminder.Channel
	err      error
	mu       sync.Mutex
	calls    int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Supports(ch reminder.Channel) bool {
	for _, c := range s.channels {
		if c == ch {
			return true
		}
	}
	return false
}

func (s *stubProvider) Send(_ context.Context, _ string, ch reminder.Channel, _ reminder.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.name + "-" + string(ch), nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSink struct {
	mu      sync.Mutex
	letters []Undelivered
}

func (r *recordingSink) Record(_ context.Context, letter Undelivered) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, letter)
}

var msg = reminder.Message{Text: "reminder:Amoxicillin", InstanceID: "inst-1"}

func TestChain_FallsBackToNextProvider(t *testing.T) {
	primary := &stubProvider{name: "primary", channels: []reminder.Channel{reminder.ChannelWhatsApp}, err: errors.New("503")}
	pushOnly := &stubProvider{name: "push", channels: []reminder.Channel{reminder.ChannelPush}}
	backup := &stubProvider{name: "backup", channels: []reminder.Channel{reminder.ChannelWhatsApp, reminder.ChannelPush}}
	sink := &recordingSink{}
	chain := NewChain(nil, sink, primary, pushOnly, backup)

	attempts := chain.Attempt(context.Background(), "+919800000001", reminder.ChannelWhatsApp, msg)
	require.Len(t, attempts, 3)
	assert.Equal(t, OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, "503", attempts[0].Error)
	assert.Equal(t, OutcomeSkipped, attempts[1].Outcome)
	assert.Equal(t, OutcomeDelivered, attempts[2].Outcome)
	assert.Equal(t, "backup-whatsapp", attempts[2].MessageID)

	id, err := chain.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, msg)
	require.NoError(t, err)
	assert.Equal(t, "backup-whatsapp", id)
	assert.Zero(t, pushOnly.callCount())
	assert.Empty(t, sink.letters)
}

func TestChain_StopsAtFirstDelivery(t *testing.T) {
	first := &stubProvider{name: "first", channels: []reminder.Channel{reminder.ChannelPush}}
	second := &stubProvider{name: "second", channels: []reminder.Channel{reminder.ChannelPush}}
	chain := NewChain(nil, nil, first, second)

	id, err := chain.Send(context.Background(), "device-token", reminder.ChannelPush, msg)
	require.NoError(t, err)
	assert.Equal(t, "first-push", id)
	assert.Zero(t, second.callCount())
}

func TestChain_AllFailedGoesToDeadLetter(t *testing.T) {
	a := &stubProvider{name: "a", channels: []reminder.Channel{reminder.ChannelWhatsApp}, err: errors.New("timeout")}
	b := &stubProvider{name: "b", channels: []reminder.Channel{reminder.ChannelWhatsApp}, err: ErrUnsupportedChannel}
	sink := &recordingSink{}
	chain := NewChain(nil, sink, a, b)

	_, err := chain.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, reminder.ErrChannelSendFailed)
	assert.Contains(t, err.Error(), "timeout")

	require.Len(t, sink.letters, 1)
	letter := sink.letters[0]
	assert.Equal(t, reminder.ChannelWhatsApp, letter.Channel)
	assert.Equal(t, "inst-1", letter.Message.InstanceID)
	require.Len(t, letter.Attempts, 2)
	assert.Equal(t, OutcomeFailed, letter.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSkipped, letter.Attempts[1].Outcome)
}

func TestChain_NoProviderForChannel(t *testing.T) {
	chain := NewChain(nil, nil, &stubProvider{name: "wa", channels: []reminder.Channel{reminder.ChannelWhatsApp}})
	_, err := chain.Send(context.Background(), "token", reminder.ChannelPush, msg)
	assert.ErrorIs(t, err, reminder.ErrChannelSendFailed)
}

func TestGuarded_OpenCircuitSkipsToBackup(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	manager := circuitbreaker.NewManager(cfg, nil)

	flaky := &stubProvider{name: "gateway", channels: []reminder.Channel{reminder.ChannelWhatsApp}, err: errors.New("502")}
	backup := &stubProvider{name: "backup", channels: []reminder.Channel{reminder.ChannelWhatsApp}}
	chain := NewChain(nil, nil, NewGuarded(flaky, manager), backup)

	for i := 0; i < 5; i++ {
		id, err := chain.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, msg)
		require.NoError(t, err)
		assert.Equal(t, "backup-whatsapp", id)
	}
	assert.Equal(t, 2, flaky.callCount(), "open circuit stops calling the failing gateway")

	health := manager.Statuses()
	require.Len(t, health, 1)
	assert.Equal(t, "gateway:whatsapp", health[0].Name)
	assert.Equal(t, circuitbreaker.StateOpen, health[0].State)
}

func TestGuarded_PermanentErrorsKeepCircuitClosed(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	manager := circuitbreaker.NewManager(cfg, nil)
	rejecting := &stubProvider{name: "gateway", channels: []reminder.Channel{reminder.ChannelWhatsApp}, err: ErrPermanent}
	guarded := NewGuarded(rejecting, manager)

	for i := 0; i < 5; i++ {
		_, err := guarded.Send(context.Background(), "bad-number", reminder.ChannelWhatsApp, msg)
		assert.ErrorIs(t, err, ErrPermanent)
	}
	assert.Equal(t, 5, rejecting.callCount())
}

type recordingPublisher struct {
	topic string
	key   string
	value []byte
}

func (p *recordingPublisher) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestDeadLetterLog_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewDeadLetterLog(nil, pub)
	sink.Record(context.Background(), Undelivered{
		Contact:  "+919800000001",
		Channel:  reminder.ChannelWhatsApp,
		Message:  msg,
		Attempts: []Attempt{{Provider: "gateway", Outcome: OutcomeFailed, Error: "502"}},
	})

	assert.Equal(t, DeadLetterTopic, pub.topic)
	assert.Equal(t, "+919800000001", pub.key)
	assert.Contains(t, string(pub.value), `"outcome":"failed"`)
	assert.Contains(t, string(pub.value), `"instance_id":"inst-1"`)
}

func TestLogProvider(t *testing.T) {
	p := NewLogProvider(nil)
	assert.True(t, p.Supports(reminder.ChannelPush))
	id, err := p.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, msg)
	require.NoError(t, err)
	assert.Contains(t, id, "log-")
}
