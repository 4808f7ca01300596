package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertdelivery/internal/domain"
	"alertdelivery/internal/ledger"
)

// escalation outcome labels for metrics.
const (
	escalationRedispatched = "redispatched"
	escalationAcknowledged = "acknowledged"
	escalationExhausted    = "exhausted"
	escalationExpired      = "expired"
)

// EscalationRequest is one due escalation cycle, either fired in-process
// or replayed from the durable queue.
// Params: anchor delivery key, dispatch context snapshot, and the last
// dispatched generation.
// Returns: input for Engine.Escalate.
type EscalationRequest struct {
	Anchor               domain.DeliveryKey      `json:"anchor"`
	Message              domain.AlertMessage     `json:"message"`
	Recipient            domain.AlertRecipient   `json:"recipient"`
	EscalationRecipients []domain.AlertRecipient `json:"escalation_recipients,omitempty"`
	Generation           int                     `json:"generation"`
}

// SetEscalationSink routes fired timers through an external queue
// instead of in-process escalation. On sink failure the engine falls
// back to escalating in-process so a broker outage cannot drop cycles.
// Params: publish function, nil restores in-process escalation.
// Returns: engine mutated in place; call before Run.
func (e *Engine) SetEscalationSink(sink func(ctx context.Context, req EscalationRequest) error) {
	e.escalationSink = sink
}

// handleExpiry is the scheduler fire callback.
// Params: consumed timer entry.
// Returns: cycle routed to the sink or escalated in-process.
func (e *Engine) handleExpiry(entry escalationEntry) {
	req := EscalationRequest{
		Anchor:               entry.Anchor,
		Message:              entry.Message,
		Recipient:            entry.Recipient,
		EscalationRecipients: entry.EscalationRecipients,
		Generation:           entry.Generation,
	}
	ctx := context.Background()
	if e.escalationSink != nil {
		err := e.escalationSink(ctx, req)
		if err == nil {
			return
		}
		e.logger.Error("escalation enqueue failed, escalating in-process",
			"delivery_id", req.Anchor.String(), "error", err)
	}
	if err := e.Escalate(ctx, req); err != nil {
		e.logger.Error("escalation cycle failed",
			"delivery_id", req.Anchor.String(),
			"generation", req.Generation,
			"error", err)
	}
}

// Escalate runs one escalation cycle for a due delivery. The ledger is
// re-read first: an acknowledged sibling for the same (message,
// recipient) always wins over a fired timer. Otherwise the next
// generation goes to the recipient's own channels that did not succeed
// in the previous generation, then to the supervisor list; the
// generation bound marks the anchor delivery failed instead.
// Params: context and escalation request.
// Returns: ledger error; policy outcomes are not errors.
func (e *Engine) Escalate(ctx context.Context, req EscalationRequest) error {
	rows, err := e.store.Get(ctx, req.Anchor.MessageID, req.Anchor.RecipientID)
	if err != nil {
		return fmt.Errorf("read deliveries for %s/%s: %w", req.Anchor.MessageID, req.Anchor.RecipientID, err)
	}
	for _, row := range rows {
		if row.Status == domain.StatusAcknowledged {
			e.metrics.ObserveEscalation(escalationAcknowledged)
			e.logger.Info("escalation skipped, already acknowledged",
				"message_id", req.Anchor.MessageID, "recipient_id", req.Anchor.RecipientID)
			return nil
		}
	}

	now := e.clk.Now()
	if req.Message.Expired(now) {
		e.metrics.ObserveEscalation(escalationExpired)
		e.logger.Info("escalation skipped, message expired",
			"message_id", req.Anchor.MessageID, "recipient_id", req.Anchor.RecipientID)
		return nil
	}

	next := req.Generation + 1
	if next > e.maxGenerations {
		return e.markExhausted(ctx, req)
	}

	candidates := unreachedChannels(req.Recipient, rows, req.Generation)
	if len(candidates) > 0 {
		allowed := make(map[domain.ChannelType]struct{}, len(candidates))
		for _, channelType := range candidates {
			allowed[channelType] = struct{}{}
		}
		_, _, dispatchErr := e.dispatchGeneration(ctx, req.Message, []domain.AlertRecipient{req.Recipient}, req.EscalationRecipients, next, allowed, false)
		if dispatchErr != nil {
			return dispatchErr
		}
		e.metrics.ObserveEscalation(escalationRedispatched)
		e.logger.Info("escalated to remaining channels",
			"message_id", req.Anchor.MessageID,
			"recipient_id", req.Anchor.RecipientID,
			"generation", next,
			"channels", len(candidates))

		e.scheduler.Arm(escalationEntry{
			Anchor:               req.Anchor,
			Message:              req.Message,
			Recipient:            req.Recipient,
			EscalationRecipients: req.EscalationRecipients,
			Generation:           next,
			Deadline:             e.clk.Now().Add(time.Duration(req.Recipient.EscalationDelay) * time.Second),
		})
		return nil
	}

	if len(req.EscalationRecipients) > 0 {
		_, _, dispatchErr := e.dispatchGeneration(ctx, req.Message, req.EscalationRecipients, nil, next, nil, true)
		if dispatchErr != nil {
			return dispatchErr
		}
		e.metrics.ObserveEscalation(escalationRedispatched)
		e.logger.Info("escalated to supervisor recipients",
			"message_id", req.Anchor.MessageID,
			"recipient_id", req.Anchor.RecipientID,
			"generation", next,
			"recipients", len(req.EscalationRecipients))
		return nil
	}

	return e.markExhausted(ctx, req)
}

// markExhausted terminally fails the anchor delivery; no further timers.
// Params: context and escalation request.
// Returns: ledger error.
func (e *Engine) markExhausted(ctx context.Context, req EscalationRequest) error {
	err := e.store.Mutate(ctx, req.Anchor, func(d *domain.AlertDelivery) error {
		if d.Status.Terminal() {
			return nil
		}
		d.Status = domain.StatusFailed
		d.FailureReason = domain.FailureEscalationExhausted
		return nil
	})
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("mark delivery %s exhausted: %w", req.Anchor, err)
	}
	e.metrics.ObserveEscalation(escalationExhausted)
	e.logger.Warn("escalation exhausted",
		"message_id", req.Anchor.MessageID,
		"recipient_id", req.Anchor.RecipientID,
		"generation", req.Generation)
	return nil
}

// unreachedChannels lists the recipient's enabled channels without a
// successful row in the given generation.
// Params: recipient snapshot, ledger rows for the pair, and generation.
// Returns: channel types eligible for the next generation, in order.
func unreachedChannels(recipient domain.AlertRecipient, rows []domain.AlertDelivery, generation int) []domain.ChannelType {
	succeeded := make(map[domain.ChannelType]struct{})
	for _, row := range rows {
		if row.Generation != generation {
			continue
		}
		switch row.Status {
		case domain.StatusSent, domain.StatusDelivered, domain.StatusAcknowledged:
			succeeded[row.Channel] = struct{}{}
		}
	}

	var candidates []domain.ChannelType
	for _, channel := range recipient.OrderedChannels() {
		if _, ok := succeeded[channel.Type]; ok {
			continue
		}
		candidates = append(candidates, channel.Type)
	}
	return candidates
}
