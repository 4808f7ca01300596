package engine

import (
	"context"
	"fmt"

	"alertdelivery/internal/domain"
	"alertdelivery/internal/ledger"
)

// Acknowledge marks every non-terminal delivery of one (message,
// recipient) pair acknowledged, across all channels and generations,
// and disarms the pair's escalation timers. Idempotent: repeating the
// call changes nothing and still succeeds.
// Params: context, message id, and recipient id.
// Returns: ErrNotFound when the pair has no deliveries, ledger errors
// otherwise.
func (e *Engine) Acknowledge(ctx context.Context, messageID, recipientID string) error {
	rows, err := e.store.Get(ctx, messageID, recipientID)
	if err != nil {
		return fmt.Errorf("read deliveries for %s/%s: %w", messageID, recipientID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("deliveries for %s/%s: %w", messageID, recipientID, ledger.ErrNotFound)
	}

	// Rows are marked before timers are disarmed: a timer firing during
	// this call re-reads the ledger in Escalate and sees the
	// acknowledgement.
	now := e.clk.Now()
	marked := 0
	for _, row := range rows {
		if row.Status.Terminal() {
			continue
		}
		mutateErr := e.store.Mutate(ctx, row.Key(), func(d *domain.AlertDelivery) error {
			if d.Status.Terminal() {
				return nil
			}
			d.Status = domain.StatusAcknowledged
			d.AcknowledgedAt = &now
			return nil
		})
		if mutateErr != nil {
			return fmt.Errorf("acknowledge delivery %s: %w", row.Key(), mutateErr)
		}
		marked++
	}

	disarmed := e.scheduler.DisarmPair(messageID, recipientID)

	if marked > 0 {
		e.metrics.ObserveAck()
	}
	e.logger.Info("acknowledged",
		"message_id", messageID,
		"recipient_id", recipientID,
		"marked", marked,
		"timers_disarmed", disarmed)
	return nil
}
