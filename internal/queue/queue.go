package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"alertdelivery/internal/domain"
)

// Job is one due escalation cycle persisted for replay. It carries the
// full dispatch context so a restarted worker can escalate without the
// in-memory scheduler state.
// Params: anchor delivery identity plus message/recipient snapshots.
// Returns: queue unit consumed by escalation workers.
type Job struct {
	ID                   string                  `json:"id"`
	MessageID            string                  `json:"message_id"`
	RecipientID          string                  `json:"recipient_id"`
	DeliveryID           string                  `json:"delivery_id"`
	Generation           int                     `json:"generation"`
	Message              domain.AlertMessage     `json:"message"`
	Recipient            domain.AlertRecipient   `json:"recipient"`
	EscalationRecipients []domain.AlertRecipient `json:"escalation_recipients,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
}

// DLQReason identifies why an escalation job was dead-lettered.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter payload for escalation queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates a deterministic id for one escalation cycle, used
// for broker-side deduplication on redelivery.
// Params: anchor delivery id and the generation being escalated from.
// Returns: stable SHA1-based id string.
func BuildJobID(deliveryID string, generation int) string {
	raw := fmt.Sprintf("%s|g%d", deliveryID, generation)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues escalation jobs.
// Params: context and job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued escalation jobs.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}
