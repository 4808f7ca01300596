package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/transient"

	tgbot "github.com/go-telegram/bot"
)

// PushAdapter sends push notifications through the Telegram Bot API.
// Params: bot client built from token and API base.
// Returns: push channel adapter.
type PushAdapter struct {
	client  *tgbot.Bot
	initErr error
}

// NewPushAdapter creates the Telegram-backed push adapter.
// Params: push adapter config.
// Returns: initialized adapter; init errors surface on first Send.
func NewPushAdapter(cfg config.PushAdapterConfig) *PushAdapter {
	adapter := &PushAdapter{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		adapter.initErr = errors.New("push bot token is required")
		return adapter
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		adapter.initErr = fmt.Errorf("init push bot: %w", err)
		return adapter
	}
	adapter.client = botClient
	return adapter
}

// Type returns adapter channel type.
// Params: none.
// Returns: static push key.
func (a *PushAdapter) Type() domain.ChannelType {
	return domain.ChannelPush
}

// Send posts one alert as a push message to the recipient's chat.
// Params: context, message, recipient with PushToken, and channel config.
// Returns: accepted flag and transport error.
func (a *PushAdapter) Send(ctx context.Context, message domain.AlertMessage, recipient domain.AlertRecipient, channelConfig map[string]string) (bool, error) {
	if a.initErr != nil {
		return false, a.initErr
	}

	token := strings.TrimSpace(recipient.PushToken)
	if token == "" {
		token = strings.TrimSpace(channelConfig["chat_id"])
	}
	if token == "" {
		return false, errors.New("push channel requires recipient push_token or config chat_id")
	}

	sent, err := a.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: normalizeChatID(token),
		Text:   renderPushText(message),
	})
	if err != nil {
		return false, transient.Mark(fmt.Errorf("push send: %w", err))
	}
	if sent == nil || sent.ID <= 0 {
		return false, errors.New("push send returned empty message id")
	}
	return true, nil
}

// renderPushText formats one compact push body.
// Params: alert message.
// Returns: "[PRIORITY] title\nbody" text.
func renderPushText(message domain.AlertMessage) string {
	var builder strings.Builder
	builder.WriteString("[")
	builder.WriteString(strings.ToUpper(string(message.Priority)))
	builder.WriteString("] ")
	builder.WriteString(message.Title)
	if strings.TrimSpace(message.Body) != "" {
		builder.WriteString("\n")
		builder.WriteString(message.Body)
	}
	return builder.String()
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: recipient push token or configured chat id.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
