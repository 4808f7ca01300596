package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChannelType identifies one configured delivery path kind.
// Params: push/sms/voice/email/desktop/webhook constants.
// Returns: normalized channel type key for adapter resolution.
type ChannelType string

const (
	// ChannelPush identifies mobile push transport.
	ChannelPush ChannelType = "push"
	// ChannelSMS identifies SMS gateway transport.
	ChannelSMS ChannelType = "sms"
	// ChannelVoice identifies voice/TTS call transport.
	ChannelVoice ChannelType = "voice"
	// ChannelEmail identifies email transport.
	ChannelEmail ChannelType = "email"
	// ChannelDesktop identifies desktop notifier transport.
	ChannelDesktop ChannelType = "desktop"
	// ChannelWebhook identifies generic signed webhook transport.
	ChannelWebhook ChannelType = "webhook"
)

// channelTypeSet lists supported channel types.
var channelTypeSet = map[ChannelType]struct{}{
	ChannelPush:    {},
	ChannelSMS:     {},
	ChannelVoice:   {},
	ChannelEmail:   {},
	ChannelDesktop: {},
	ChannelWebhook: {},
}

// Valid reports whether channel type is supported.
// Params: none.
// Returns: true for recognized channel types.
func (t ChannelType) Valid() bool {
	_, ok := channelTypeSet[t]
	return ok
}

// Intrusive reports whether channel interrupts the recipient directly.
// Params: none.
// Returns: true for push/sms/voice, false for email/desktop/webhook.
func (t ChannelType) Intrusive() bool {
	switch t {
	case ChannelPush, ChannelSMS, ChannelVoice:
		return true
	default:
		return false
	}
}

// AlertChannel is one configured delivery path of a recipient.
// Params: channel type, enable flag, attempt priority, and adapter config.
// Returns: routing entry ordered by the dispatcher.
type AlertChannel struct {
	Type     ChannelType       `json:"type"`
	Enabled  bool              `json:"enabled"`
	Priority int               `json:"priority"`
	Config   map[string]string `json:"config,omitempty"`
}

// Validate validates one channel entry.
// Params: parsed channel fields.
// Returns: validation error when type or priority is invalid.
func (c AlertChannel) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unsupported channel type %q", c.Type)
	}
	if c.Priority < 1 {
		return errors.New("priority must be >=1")
	}
	return nil
}

// QuietWindow is one recipient quiet-hours window in minutes of day.
// Params: start/end wall-clock strings "HH:MM"; window wraps midnight.
// Returns: suppression window consulted by the dispatch policy.
type QuietWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate validates one quiet-hours override.
// Params: start/end wall-clock strings; both empty disables the window.
// Returns: validation error for malformed bounds.
func (w QuietWindow) Validate() error {
	if strings.TrimSpace(w.Start) == "" && strings.TrimSpace(w.End) == "" {
		return nil
	}
	if err := validateWallClock(w.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := validateWallClock(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// validateWallClock checks one "HH:MM" wall-clock string.
// Params: raw wall-clock value.
// Returns: format error for anything outside 00:00-23:59.
func validateWallClock(raw string) error {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return fmt.Errorf("malformed wall clock %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return fmt.Errorf("malformed hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return fmt.Errorf("malformed minute in %q", raw)
	}
	return nil
}

// AlertRecipient is one person/endpoint eligible to receive a message.
// Params: identity, contact endpoints, ordered channels, and escalation/bypass knobs.
// Returns: read-only dispatch snapshot owned by the directory.
type AlertRecipient struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Phone            string         `json:"phone,omitempty"`
	Email            string         `json:"email,omitempty"`
	PushToken        string         `json:"push_token,omitempty"`
	Channels         []AlertChannel `json:"channels"`
	EscalationDelay  int            `json:"escalation_delay_sec"`
	BypassSilentMode bool           `json:"bypass_silent_mode"`
	QuietHours       *QuietWindow   `json:"quiet_hours,omitempty"`
}

// Validate validates one recipient snapshot.
// Params: parsed recipient fields.
// Returns: validation error when identity or channels are invalid.
func (r AlertRecipient) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("id is required")
	}
	if r.EscalationDelay < 0 {
		return errors.New("escalation_delay_sec must be >=0")
	}
	if r.QuietHours != nil {
		if err := r.QuietHours.Validate(); err != nil {
			return fmt.Errorf("quiet_hours: %w", err)
		}
	}
	for i, channel := range r.Channels {
		if err := channel.Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}
	return nil
}

// OrderedChannels returns enabled channels in deterministic send order.
// Params: none.
// Returns: channels sorted by (priority asc, type lexical asc).
func (r AlertRecipient) OrderedChannels() []AlertChannel {
	ordered := make([]AlertChannel, 0, len(r.Channels))
	for _, channel := range r.Channels {
		if channel.Enabled {
			ordered = append(ordered, channel)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Type < ordered[j].Type
	})
	return ordered
}
