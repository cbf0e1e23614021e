package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/inbound"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Enqueuer hands an inbound message to asynchronous processing
type Enqueuer interface {
	Enqueue(ctx context.Context, msg inbound.Message) error
}

// MessageProcessor handles an inbound message synchronously
type MessageProcessor interface {
	Process(ctx context.Context, msg inbound.Message) (*inbound.Result, error)
}

// webhookPayload is the gateway callback body. Button replies carry the
// button payload, which takes precedence over the free text.
type webhookPayload struct {
	MessageID     string          `json:"message_id"`
	ID            string          `json:"id"`
	From          string          `json:"from"`
	Text          string          `json:"text"`
	ButtonPayload string          `json:"button_payload"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

func (p webhookPayload) message(now time.Time) inbound.Message {
	msg := inbound.Message{ID: p.MessageID, From: p.From, Text: p.Text, ReceivedAt: now}
	if msg.ID == "" {
		msg.ID = p.ID
	}
	if strings.TrimSpace(p.ButtonPayload) != "" {
		msg.Text = p.ButtonPayload
	}
	if at, ok := parseTimestamp(p.Timestamp); ok {
		msg.SentAt = at
	}
	return msg
}

// parseTimestamp accepts unix seconds, as a number or string, or RFC 3339
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	s := strings.Trim(string(raw), `"`)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// WebhookHandler receives patient replies from messaging gateways
type WebhookHandler struct {
	processor MessageProcessor
	queue     Enqueuer
	secret    string
	now       func() time.Time
	logger    *zap.Logger
}

// NewWebhookHandler creates a webhook handler. When queue is set replies are
// published for the worker and acknowledged with 202; otherwise they are
// processed inline. When secret is set every request must be signed.
func NewWebhookHandler(processor MessageProcessor, queue Enqueuer, secret string, now func() time.Time, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &WebhookHandler{processor: processor, queue: queue, secret: secret, now: now, logger: logger}
}

// ServeHTTP handles POST /webhooks/messages
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if h.secret != "" && !notify.VerifySignature(body, h.secret, r.Header.Get(notify.SignatureHeader)) {
		jsonError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg := p.message(h.now())

	if h.queue != nil {
		if strings.TrimSpace(msg.From) == "" || strings.TrimSpace(msg.Text) == "" {
			writeError(w, inbound.ErrInvalidMessage)
			return
		}
		if err := h.queue.Enqueue(r.Context(), msg); err != nil {
			h.logger.Error("enqueue reply failed", zap.String("message_id", msg.ID), zap.Error(err))
			jsonError(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	res, err := h.processor.Process(r.Context(), msg)
	if err != nil {
		if errors.Is(err, inbound.ErrInvalidMessage) {
			writeError(w, err)
			return
		}
		// unknown senders and replayed failures are acknowledged so the gateway stops retrying
		if isPermanent(err) {
			h.logger.Info("reply dropped", zap.String("message_id", msg.ID), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.logger.Error("reply processing failed", zap.String("message_id", msg.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func isPermanent(err error) bool {
	return errors.Is(err, idempotency.ErrPreviouslyFailed) || idempotency.IsTerminal(err)
}
