package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/transient"
)

// DesktopAdapter posts alerts to a desktop notifier endpoint as JSON.
// Params: notifier endpoint config.
// Returns: desktop channel adapter.
type DesktopAdapter struct {
	cfg    config.DesktopAdapterConfig
	client *http.Client
}

// desktopPayload is the JSON body posted to the notifier endpoint.
// Params: message fields plus recipient and channel context.
// Returns: wire payload.
type desktopPayload struct {
	MessageID   string           `json:"message_id"`
	RecipientID string           `json:"recipient_id"`
	Priority    domain.Priority  `json:"priority"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Location    *domain.Location `json:"location,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewDesktopAdapter creates the desktop notifier adapter.
// Params: desktop adapter config.
// Returns: initialized adapter.
func NewDesktopAdapter(cfg config.DesktopAdapterConfig) *DesktopAdapter {
	return &DesktopAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Type returns adapter channel type.
// Params: none.
// Returns: static desktop key.
func (a *DesktopAdapter) Type() domain.ChannelType {
	return domain.ChannelDesktop
}

// Send posts one alert to the notifier endpoint.
// Params: context, message, recipient, and channel config with optional url override.
// Returns: accepted flag and transport error.
func (a *DesktopAdapter) Send(ctx context.Context, message domain.AlertMessage, recipient domain.AlertRecipient, channelConfig map[string]string) (bool, error) {
	targetURL := a.cfg.URL
	if override := channelConfig["url"]; override != "" {
		targetURL = override
	}

	body, err := json.Marshal(desktopPayload{
		MessageID:   message.ID,
		RecipientID: recipient.ID,
		Priority:    message.Priority,
		Title:       message.Title,
		Body:        message.Body,
		Location:    message.Location,
		Timestamp:   message.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("desktop encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("desktop build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range a.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return false, transient.Mark(fmt.Errorf("desktop send: %w", err))
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return false, statusError("desktop", response)
	}
	io.Copy(io.Discard, response.Body)
	return true, nil
}
