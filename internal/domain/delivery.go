package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryStatus is runtime delivery lifecycle state.
// Params: pending/sent/delivered/failed/acknowledged constants.
// Returns: state transitions tracked per delivery attempt.
type DeliveryStatus string

const (
	// StatusPending indicates a channel was selected but not sent yet.
	StatusPending DeliveryStatus = "pending"
	// StatusSent indicates the adapter accepted the message.
	StatusSent DeliveryStatus = "sent"
	// StatusDelivered indicates provider-confirmed delivery.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusFailed indicates terminal failure after retries exhausted.
	StatusFailed DeliveryStatus = "failed"
	// StatusAcknowledged indicates recipient confirmation, terminal.
	StatusAcknowledged DeliveryStatus = "acknowledged"
)

// Terminal reports whether status accepts no further transitions.
// Params: none.
// Returns: true for failed and acknowledged.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusFailed || s == StatusAcknowledged
}

// FailureEscalationExhausted is the terminal reason set when the
// escalation generation bound is reached without acknowledgement.
const FailureEscalationExhausted = "escalation exhausted"

// DeliveryKey identifies one delivery attempt within one generation.
// Params: message/recipient/channel identity plus escalation generation.
// Returns: unique ledger key per dispatch attempt generation.
type DeliveryKey struct {
	MessageID   string      `json:"message_id"`
	RecipientID string      `json:"recipient_id"`
	Channel     ChannelType `json:"channel"`
	Generation  int         `json:"generation"`
}

// String renders the key as a stable slash-separated identifier.
// Params: none.
// Returns: "messageID/recipientID/channel/g<generation>".
func (k DeliveryKey) String() string {
	return k.MessageID + "/" + k.RecipientID + "/" + string(k.Channel) + "/g" + strconv.Itoa(k.Generation)
}

// ParseDeliveryKey parses identifier produced by DeliveryKey.String.
// Params: slash-separated delivery id.
// Returns: parsed key or format error.
func ParseDeliveryKey(raw string) (DeliveryKey, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "g") {
		return DeliveryKey{}, fmt.Errorf("malformed delivery key %q", raw)
	}
	generation, err := strconv.Atoi(strings.TrimPrefix(parts[3], "g"))
	if err != nil {
		return DeliveryKey{}, fmt.Errorf("malformed delivery generation in %q", raw)
	}
	return DeliveryKey{
		MessageID:   parts[0],
		RecipientID: parts[1],
		Channel:     ChannelType(parts[2]),
		Generation:  generation,
	}, nil
}

// AlertDelivery is one channel attempt record, the unit both the
// escalation scheduler and the acknowledgement handler operate on.
// Params: identity key, lifecycle status, timestamps, and failure metadata.
// Returns: ledger row preserving full audit history per generation.
type AlertDelivery struct {
	MessageID      string         `json:"message_id"`
	RecipientID    string         `json:"recipient_id"`
	Channel        ChannelType    `json:"channel"`
	Generation     int            `json:"generation"`
	Status         DeliveryStatus `json:"status"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	RetryCount     int            `json:"retry_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Key returns the delivery identity key.
// Params: none.
// Returns: (messageID, recipientID, channel, generation) tuple.
func (d AlertDelivery) Key() DeliveryKey {
	return DeliveryKey{
		MessageID:   d.MessageID,
		RecipientID: d.RecipientID,
		Channel:     d.Channel,
		Generation:  d.Generation,
	}
}

// NewDelivery creates one pending delivery row for a selected channel.
// Params: identity key and creation time.
// Returns: delivery in pending status with zero retries.
func NewDelivery(key DeliveryKey, now time.Time) AlertDelivery {
	return AlertDelivery{
		MessageID:   key.MessageID,
		RecipientID: key.RecipientID,
		Channel:     key.Channel,
		Generation:  key.Generation,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}
