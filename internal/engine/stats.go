package engine

import (
	"context"
	"fmt"

	"alertdelivery/internal/domain"
)

// DeliveryStats is the per-message read-only ledger view.
// Params: distinct recipient count plus per-status delivery counts.
// Returns: remediation-path summary for one dispatched message.
type DeliveryStats struct {
	MessageID       string `json:"message_id"`
	TotalRecipients int    `json:"total_recipients"`
	Pending         int    `json:"pending"`
	Sent            int    `json:"sent"`
	Delivered       int    `json:"delivered"`
	Acknowledged    int    `json:"acknowledged"`
	Failed          int    `json:"failed"`
}

// Stats summarizes all deliveries of one message. TotalRecipients counts
// distinct recipient ids with at least one delivery row; recipients whose
// every channel was suppressed never appear.
// Params: context and message id.
// Returns: stats view or ledger error.
func (e *Engine) Stats(ctx context.Context, messageID string) (DeliveryStats, error) {
	rows, err := e.store.ListByMessage(ctx, messageID)
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("list deliveries for %s: %w", messageID, err)
	}

	stats := DeliveryStats{MessageID: messageID}
	recipients := make(map[string]struct{})
	for _, row := range rows {
		recipients[row.RecipientID] = struct{}{}
		switch row.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusSent:
			stats.Sent++
		case domain.StatusDelivered:
			stats.Delivered++
		case domain.StatusAcknowledged:
			stats.Acknowledged++
		case domain.StatusFailed:
			stats.Failed++
		}
	}
	stats.TotalRecipients = len(recipients)
	return stats, nil
}

// MarkDelivered records a provider delivery confirmation for one
// delivery, ignored once the row is terminal.
// Params: context and delivery key.
// Returns: ledger error.
func (e *Engine) MarkDelivered(ctx context.Context, key domain.DeliveryKey) error {
	now := e.clk.Now()
	err := e.store.Mutate(ctx, key, func(d *domain.AlertDelivery) error {
		if d.Status.Terminal() || d.Status == domain.StatusDelivered {
			return nil
		}
		d.Status = domain.StatusDelivered
		d.DeliveredAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", key, err)
	}
	return nil
}
