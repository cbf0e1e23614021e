package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// HTTPConfig configures a JSON messaging gateway
type HTTPConfig struct {
	Name     string
	Endpoint string
	// Token is sent as a bearer token when set
	Token string
	// Secret signs the request body with HMAC-SHA256 when set
	Secret   string
	Channels []reminder.Channel
	Timeout  time.Duration
}

// DefaultHTTPConfig returns a gateway config serving WhatsApp and push
func DefaultHTTPConfig(name, endpoint string) HTTPConfig {
	return HTTPConfig{
		Name:     name,
		Endpoint: endpoint,
		Channels: []reminder.Channel{reminder.ChannelWhatsApp, reminder.ChannelPush},
		Timeout:  10 * time.Second,
	}
}

// HTTPProvider posts messages to a messaging gateway
type HTTPProvider struct {
	config   HTTPConfig
	channels map[reminder.Channel]bool
	client   *http.Client
	logger   *zap.Logger
}

type gatewayButton struct {
	Payload string `json:"payload"`
	Title   string `json:"title"`
}

type gatewayRequest struct {
	To         string          `json:"to"`
	Channel    string          `json:"channel"`
	Text       string          `json:"text"`
	Buttons    []gatewayButton `json:"buttons,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	SentAtUnix int64           `json:"sent_at"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Error     string `json:"error"`
}

// NewHTTPProvider creates a gateway provider
func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	channels := make(map[reminder.Channel]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch] = true
	}
	return &HTTPProvider{
		config:   cfg,
		channels: channels,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// Name implements Provider
func (p *HTTPProvider) Name() string { return p.config.Name }

// Supports implements Provider
func (p *HTTPProvider) Supports(ch reminder.Channel) bool { return p.channels[ch] }

// Send implements Provider
func (p *HTTPProvider) Send(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error) {
	if !p.channels[channel] {
		return "", ErrUnsupportedChannel
	}

	body := gatewayRequest{
		To:         contact,
		Channel:    string(channel),
		Text:       msg.Text,
		Reference:  msg.InstanceID,
		SentAtUnix: time.Now().Unix(),
	}
	for _, r := range msg.Replies {
		body.Buttons = append(body.Buttons, gatewayButton{Payload: r.Payload, Title: r.Title})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
	if p.config.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, p.config.Secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway %s: %w", p.config.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var out gatewayResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return "", fmt.Errorf("gateway %s: status %d: %s", p.config.Name, resp.StatusCode, out.Error)
	default:
		return "", fmt.Errorf("%w: gateway %s: status %d: %s", ErrPermanent, p.config.Name, resp.StatusCode, out.Error)
	}

	id := out.MessageID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("gateway %s: accepted without a message id", p.config.Name)
	}
	p.logger.Debug("gateway accepted message",
		zap.String("gateway", p.config.Name),
		zap.String("channel", string(channel)),
		zap.String("message_id", id))
	return id, nil
}

// SignatureHeader carries the hex HMAC-SHA256 of the body, prefixed with "sha256="
const SignatureHeader = "X-Signature"

// Sign returns the hex-encoded HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature, with or without the "sha256="
// prefix, matches payload
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
