package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

func TestHTTPProvider_Send(t *testing.T) {
	var got gatewayRequest
	var signature, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		signature = r.Header.Get(SignatureHeader)
		auth = r.Header.Get("Authorization")
		assert.True(t, VerifySignature(body, "s3cret", signature))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"wamid.123"}`))
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig("gateway", srv.URL)
	cfg.Token = "tok"
	cfg.Secret = "s3cret"
	p := NewHTTPProvider(cfg, nil)

	m := reminder.Message{
		Text:       "Time for Amoxicillin",
		InstanceID: "inst-1",
		Replies:    reminder.ReminderReplies("inst-1", nil),
	}
	id, err := p.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, m)
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", id)

	assert.Equal(t, "+919800000001", got.To)
	assert.Equal(t, "whatsapp", got.Channel)
	assert.Equal(t, "inst-1", got.Reference)
	require.Len(t, got.Buttons, 3)
	assert.Equal(t, "TAKEN:inst-1", got.Buttons[0].Payload)
	assert.Equal(t, "Bearer tok", auth)
	assert.Contains(t, signature, "sha256=")
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		permanent bool
	}{
		{http.StatusBadRequest, `{"error":"invalid recipient"}`, true},
		{http.StatusUnauthorized, `{}`, true},
		{http.StatusTooManyRequests, `{"error":"rate limited"}`, false},
		{http.StatusBadGateway, ``, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPProvider(DefaultHTTPConfig("gateway", srv.URL), nil)
			_, err := p.Send(context.Background(), "+919800000001", reminder.ChannelPush, reminder.Message{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))
		})
	}
}

func TestHTTPProvider_UnsupportedChannel(t *testing.T) {
	cfg := DefaultHTTPConfig("gateway", "http://127.0.0.1:1")
	cfg.Channels = []reminder.Channel{reminder.ChannelWhatsApp}
	p := NewHTTPProvider(cfg, nil)

	assert.False(t, p.Supports(reminder.ChannelPush))
	_, err := p.Send(context.Background(), "token", reminder.ChannelPush, reminder.Message{Text: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestHTTPProvider_MissingMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(DefaultHTTPConfig("gateway", srv.URL), nil)
	_, err := p.Send(context.Background(), "+919800000001", reminder.ChannelWhatsApp, reminder.Message{Text: "x"})
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"from":"+919800000001","text":"TAKEN"}`)
	sig := Sign(body, "k")
	assert.True(t, VerifySignature(body, "k", sig))
	assert.True(t, VerifySignature(body, "k", "sha256="+sig))
	assert.False(t, VerifySignature(body, "other", sig))
	assert.False(t, VerifySignature([]byte(`{}`), "k", sig))
}
