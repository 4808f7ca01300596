package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/transient"
)

// webhookPayload is the JSON body posted to webhook endpoints.
// Params: alert message plus recipient routing metadata.
// Returns: stable wire shape for webhook consumers.
type webhookPayload struct {
	Message     domain.AlertMessage `json:"message"`
	RecipientID string              `json:"recipient_id"`
	Channel     domain.ChannelType  `json:"channel"`
	SentAt      time.Time           `json:"sent_at"`
}

// WebhookAdapter posts signed JSON alerts to per-channel webhook URLs.
// Params: HMAC secret, signature header, and HTTP client.
// Returns: webhook channel adapter.
type WebhookAdapter struct {
	cfg    config.WebhookAdapterConfig
	client *http.Client
}

// NewWebhookAdapter creates the signed webhook adapter.
// Params: webhook adapter config.
// Returns: initialized adapter.
func NewWebhookAdapter(cfg config.WebhookAdapterConfig) *WebhookAdapter {
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Type returns adapter channel type.
// Params: none.
// Returns: static webhook key.
func (a *WebhookAdapter) Type() domain.ChannelType {
	return domain.ChannelWebhook
}

// Send posts one signed alert payload to the channel's webhook URL.
// Params: context, message, recipient snapshot, and channel config with "url".
// Returns: accepted flag and transport/provider error.
func (a *WebhookAdapter) Send(ctx context.Context, message domain.AlertMessage, recipient domain.AlertRecipient, channelConfig map[string]string) (bool, error) {
	target := strings.TrimSpace(channelConfig["url"])
	if target == "" {
		return false, errors.New("webhook channel requires config url")
	}

	body, err := json.Marshal(webhookPayload{
		Message:     message,
		RecipientID: recipient.ID,
		Channel:     domain.ChannelWebhook,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(a.cfg.SignatureHeader, Sign(a.cfg.Secret, body))

	response, err := a.client.Do(request)
	if err != nil {
		return false, transient.Mark(fmt.Errorf("webhook send: %w", err))
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return false, statusError("webhook", response)
	}
	return true, nil
}

// Sign computes the hex HMAC-SHA256 signature of one payload.
// Params: shared secret and raw body bytes.
// Returns: lowercase hex digest for the signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
