package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertdelivery/internal/adapter"
	"alertdelivery/internal/clock"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/ledger"
	"alertdelivery/internal/metrics"
	"alertdelivery/internal/policy"
	"alertdelivery/internal/transient"
)

// suppression reasons surfaced in dispatch results.
const (
	reasonQuietHours  = "quiet hours"
	reasonNoDowngrade = "no non-intrusive channel for downgrade"
)

// failureNoAdapter is recorded when a channel has no registered adapter.
const failureNoAdapter = "no adapter configured"

// ErrInvalidInput marks dispatch requests rejected before any send,
// distinguishable from ledger faults with errors.Is.
var ErrInvalidInput = errors.New("invalid dispatch input")

// invalidInput wraps one caller-caused dispatch rejection.
// Params: rejection cause.
// Returns: error matching ErrInvalidInput.
func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

// Options configures the delivery engine.
// Params: ledger, adapter registry, clock, logger, metrics, and policy knobs.
// Returns: engine construction input.
type Options struct {
	Ledger            ledger.Ledger
	Adapters          *adapter.Registry
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	DefaultQuietHours policy.Window
	MaxGenerations    int
	RetryOnTransient  bool
	AdapterTimeout    func(channel domain.ChannelType) time.Duration
}

// Engine coordinates dispatch, escalation, acknowledgement, and stats
// over one delivery ledger.
// Params: options snapshot plus the internal escalation scheduler.
// Returns: delivery engine consumed by the HTTP layer and queue workers.
type Engine struct {
	store          ledger.Ledger
	adapters       *adapter.Registry
	clk            clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	defaultWindow  policy.Window
	maxGenerations int
	retryTransient bool
	adapterTimeout func(channel domain.ChannelType) time.Duration

	scheduler      *Scheduler
	escalationSink func(ctx context.Context, req EscalationRequest) error
}

// New creates the delivery engine and its escalation scheduler.
// Params: options with all dependencies set.
// Returns: engine ready for Dispatch/Acknowledge/Stats calls; the
// scheduler driver starts when the caller runs Engine.Run.
func New(opts Options) *Engine {
	e := &Engine{
		store:          opts.Ledger,
		adapters:       opts.Adapters,
		clk:            opts.Clock,
		logger:         opts.Logger.With("component", "engine"),
		metrics:        opts.Metrics,
		defaultWindow:  opts.DefaultQuietHours,
		maxGenerations: opts.MaxGenerations,
		retryTransient: opts.RetryOnTransient,
		adapterTimeout: opts.AdapterTimeout,
	}
	e.scheduler = NewScheduler(opts.Clock, opts.Logger, e.handleExpiry)
	return e
}

// Run drives the escalation scheduler until ctx is canceled.
// Params: lifecycle context.
// Returns: blocks until cancellation.
func (e *Engine) Run(ctx context.Context) {
	e.scheduler.Run(ctx)
}

// Scheduler exposes the escalation scheduler.
// Params: none.
// Returns: internal scheduler reference for queue worker wiring.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// ChannelOutcome is one per-channel dispatch attempt result.
// Params: delivery identity, terminal dispatch status, and failure metadata.
// Returns: caller-visible attempt record.
type ChannelOutcome struct {
	DeliveryID     string                `json:"delivery_id"`
	RecipientID    string                `json:"recipient_id"`
	Channel        domain.ChannelType    `json:"channel"`
	Generation     int                   `json:"generation"`
	Status         domain.DeliveryStatus `json:"status"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	RetryCount     int                   `json:"retry_count"`
	DowngradedFrom domain.ChannelType    `json:"downgraded_from,omitempty"`
}

// SuppressedChannel is one channel skipped by policy without a record.
// Params: recipient/channel identity and suppression reason.
// Returns: caller-visible absence marker.
type SuppressedChannel struct {
	RecipientID string             `json:"recipient_id"`
	Channel     domain.ChannelType `json:"channel"`
	Reason      string             `json:"reason"`
}

// DispatchResult reports every attempt and suppression of one dispatch.
// Params: message id, delivery ids, per-channel outcomes, suppressions.
// Returns: partial-success report; per-channel failures are data, not errors.
type DispatchResult struct {
	MessageID   string              `json:"message_id"`
	DeliveryIDs []string            `json:"delivery_ids"`
	Outcomes    []ChannelOutcome    `json:"outcomes"`
	Suppressed  []SuppressedChannel `json:"suppressed,omitempty"`
}

// Dispatch fans one message out to every recipient's ordered channels.
// All (recipient, channel) sends run concurrently; within one recipient
// channels are initiated in deterministic (priority asc, type asc)
// order, though a higher-priority channel may complete after a
// lower-priority one. Every attempt is persisted before return; only
// ledger faults surface as errors.
// Params: context, validated message, target recipients, and the
// supervisor list consulted when escalation exhausts own channels.
// Returns: dispatch result or validation/ledger error.
func (e *Engine) Dispatch(ctx context.Context, message domain.AlertMessage, recipients, escalationRecipients []domain.AlertRecipient) (DispatchResult, error) {
	if err := message.Validate(); err != nil {
		return DispatchResult{}, invalidInput(fmt.Errorf("message: %w", err))
	}
	now := e.clk.Now()
	if message.Expired(now) {
		return DispatchResult{}, invalidInput(fmt.Errorf("message %s expired at %s", message.ID, message.ExpiresAt.Format(time.RFC3339)))
	}
	for i, recipient := range recipients {
		if err := recipient.Validate(); err != nil {
			return DispatchResult{}, invalidInput(fmt.Errorf("recipients[%d]: %w", i, err))
		}
	}

	outcomes, suppressed, err := e.dispatchGeneration(ctx, message, recipients, escalationRecipients, 1, nil, true)
	if err != nil {
		return DispatchResult{}, err
	}

	result := DispatchResult{MessageID: message.ID, Outcomes: outcomes, Suppressed: suppressed}
	for _, outcome := range outcomes {
		result.DeliveryIDs = append(result.DeliveryIDs, outcome.DeliveryID)
	}
	return result, nil
}

// dispatchGeneration runs one generation of sends for a recipient set.
// Params: message, recipients, supervisor list carried into timers,
// generation number, optional channel-type allowlist, and timer arming flag.
// Returns: outcomes, suppressions, and the first ledger error.
func (e *Engine) dispatchGeneration(
	ctx context.Context,
	message domain.AlertMessage,
	recipients, escalationRecipients []domain.AlertRecipient,
	generation int,
	allowed map[domain.ChannelType]struct{},
	armTimers bool,
) ([]ChannelOutcome, []SuppressedChannel, error) {
	var (
		mu         sync.Mutex
		outcomes   []ChannelOutcome
		suppressed []SuppressedChannel
		firstErr   error
		wg         sync.WaitGroup
	)

	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient domain.AlertRecipient) {
			defer wg.Done()
			recipientOutcomes, recipientSuppressed, err := e.dispatchRecipient(ctx, message, recipient, escalationRecipients, generation, allowed, armTimers)
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, recipientOutcomes...)
			suppressed = append(suppressed, recipientSuppressed...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(recipient)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return outcomes, suppressed, nil
}

// plannedAttempt is one channel selected for sending after policy.
// Params: channel entry and the intrusive channel it replaces, if any.
// Returns: send plan element in initiation order.
type plannedAttempt struct {
	channel        domain.AlertChannel
	downgradedFrom domain.ChannelType
}

// dispatchRecipient plans one recipient's channel sends, initiates them
// in plan order, and executes the sends concurrently, persisting every
// attempt.
// Params: message, recipient, supervisor list, generation, allowlist,
// and timer arming flag.
// Returns: outcomes, suppressions, and the first ledger error.
func (e *Engine) dispatchRecipient(
	ctx context.Context,
	message domain.AlertMessage,
	recipient domain.AlertRecipient,
	escalationRecipients []domain.AlertRecipient,
	generation int,
	allowed map[domain.ChannelType]struct{},
	armTimers bool,
) ([]ChannelOutcome, []SuppressedChannel, error) {
	ordered := recipient.OrderedChannels()
	now := e.clk.Now()

	var (
		plan       []plannedAttempt
		planned    = make(map[domain.ChannelType]struct{})
		suppressed []SuppressedChannel
	)
	for _, channel := range ordered {
		if allowed != nil {
			if _, ok := allowed[channel.Type]; !ok {
				continue
			}
		}
		if _, ok := planned[channel.Type]; ok {
			continue
		}
		switch policy.Evaluate(message, recipient, channel, e.defaultWindow, now) {
		case policy.Allow:
			plan = append(plan, plannedAttempt{channel: channel})
			planned[channel.Type] = struct{}{}
		case policy.Suppress:
			suppressed = append(suppressed, SuppressedChannel{RecipientID: recipient.ID, Channel: channel.Type, Reason: reasonQuietHours})
			e.metrics.ObserveSuppressed(string(channel.Type))
		case policy.Downgrade:
			target, ok := downgradeTarget(ordered, planned)
			if !ok {
				suppressed = append(suppressed, SuppressedChannel{RecipientID: recipient.ID, Channel: channel.Type, Reason: reasonNoDowngrade})
				e.metrics.ObserveSuppressed(string(channel.Type))
				continue
			}
			plan = append(plan, plannedAttempt{channel: target, downgradedFrom: channel.Type})
			planned[target.Type] = struct{}{}
		}
	}

	// Initiation is sequential in plan order: each pending row is
	// persisted before the next channel starts. The sends themselves run
	// concurrently, so a hung provider on one channel never delays
	// another.
	var (
		outcomes = make([]ChannelOutcome, len(plan))
		sendErrs = make([]error, len(plan))
		wg       sync.WaitGroup
		initErr  error
	)
	for i, attempt := range plan {
		key := domain.DeliveryKey{
			MessageID:   message.ID,
			RecipientID: recipient.ID,
			Channel:     attempt.channel.Type,
			Generation:  generation,
		}
		if err := e.store.Upsert(ctx, domain.NewDelivery(key, e.clk.Now())); err != nil {
			initErr = fmt.Errorf("persist pending delivery %s: %w", key, err)
			break
		}
		wg.Add(1)
		go func(i int, attempt plannedAttempt, key domain.DeliveryKey) {
			defer wg.Done()
			outcomes[i], sendErrs[i] = e.completeAttempt(ctx, message, recipient, attempt, key)
		}(i, attempt, key)
	}
	wg.Wait()
	if initErr != nil {
		return nil, nil, initErr
	}
	for _, err := range sendErrs {
		if err != nil {
			return nil, nil, err
		}
	}

	if armTimers && recipient.EscalationDelay > 0 {
		for _, outcome := range outcomes {
			if outcome.Status != domain.StatusSent {
				continue
			}
			e.scheduler.Arm(escalationEntry{
				Anchor:               domain.DeliveryKey{MessageID: message.ID, RecipientID: recipient.ID, Channel: outcome.Channel, Generation: generation},
				Message:              message,
				Recipient:            recipient,
				EscalationRecipients: escalationRecipients,
				Generation:           generation,
				Deadline:             e.clk.Now().Add(time.Duration(recipient.EscalationDelay) * time.Second),
			})
			break
		}
	}
	return outcomes, suppressed, nil
}

// downgradeTarget picks the first non-intrusive channel not yet planned.
// Params: ordered channel list and already-planned type set.
// Returns: substitute channel and presence flag.
func downgradeTarget(ordered []domain.AlertChannel, planned map[domain.ChannelType]struct{}) (domain.AlertChannel, bool) {
	for _, candidate := range ordered {
		if candidate.Type.Intrusive() {
			continue
		}
		if _, ok := planned[candidate.Type]; ok {
			continue
		}
		return candidate, true
	}
	return domain.AlertChannel{}, false
}

// completeAttempt invokes the adapter for one already-initiated
// delivery row, with the per-channel timeout and optional transient
// retry, and persists the terminal dispatch outcome.
// Params: message, recipient, planned attempt, and the pending row key.
// Returns: channel outcome or a ledger error.
func (e *Engine) completeAttempt(
	ctx context.Context,
	message domain.AlertMessage,
	recipient domain.AlertRecipient,
	attempt plannedAttempt,
	key domain.DeliveryKey,
) (ChannelOutcome, error) {
	outcome := ChannelOutcome{
		DeliveryID:     key.String(),
		RecipientID:    recipient.ID,
		Channel:        attempt.channel.Type,
		Generation:     key.Generation,
		DowngradedFrom: attempt.downgradedFrom,
	}

	impl, ok := e.adapters.Resolve(attempt.channel.Type)
	if !ok {
		outcome.Status = domain.StatusFailed
		outcome.FailureReason = failureNoAdapter
	} else {
		accepted, sendErr := e.sendWithRetry(ctx, impl, message, recipient, attempt.channel, &outcome.RetryCount)
		switch {
		case sendErr != nil:
			outcome.Status = domain.StatusFailed
			outcome.FailureReason = sendErr.Error()
		case !accepted:
			outcome.Status = domain.StatusFailed
			outcome.FailureReason = "adapter rejected message"
		default:
			outcome.Status = domain.StatusSent
		}
	}

	sentAt := e.clk.Now()
	mutateErr := e.store.Mutate(ctx, key, func(d *domain.AlertDelivery) error {
		d.Status = outcome.Status
		d.RetryCount = outcome.RetryCount
		d.FailureReason = outcome.FailureReason
		if outcome.Status == domain.StatusSent {
			d.SentAt = &sentAt
		}
		return nil
	})
	if mutateErr != nil {
		return ChannelOutcome{}, fmt.Errorf("persist delivery outcome %s: %w", key, mutateErr)
	}

	e.metrics.ObserveDelivery(string(attempt.channel.Type), string(outcome.Status))
	if outcome.Status == domain.StatusFailed {
		e.logger.Warn("channel send failed",
			"message_id", message.ID,
			"recipient_id", recipient.ID,
			"channel", attempt.channel.Type,
			"generation", key.Generation,
			"reason", outcome.FailureReason,
			"retries", outcome.RetryCount)
	} else {
		e.logger.Info("channel send accepted",
			"message_id", message.ID,
			"recipient_id", recipient.ID,
			"channel", attempt.channel.Type,
			"generation", key.Generation)
	}
	return outcome, nil
}

// sendWithRetry calls the adapter once, plus one immediate retry when
// the failure classifies as transient and retries are enabled.
// Params: adapter, message/recipient/channel, and retry counter pointer.
// Returns: accepted flag and last adapter error.
func (e *Engine) sendWithRetry(
	ctx context.Context,
	impl adapter.Adapter,
	message domain.AlertMessage,
	recipient domain.AlertRecipient,
	channel domain.AlertChannel,
	retryCount *int,
) (bool, error) {
	accepted, err := e.callAdapter(ctx, impl, message, recipient, channel)
	if err == nil {
		return accepted, nil
	}
	if !e.retryTransient || !transient.Is(err) {
		return false, err
	}

	*retryCount++
	accepted, retryErr := e.callAdapter(ctx, impl, message, recipient, channel)
	if retryErr != nil {
		return false, retryErr
	}
	return accepted, nil
}

// callAdapter wraps one adapter call with the per-channel-type timeout.
// Params: adapter, message, recipient, and channel entry.
// Returns: accepted flag and adapter error, with latency observed.
func (e *Engine) callAdapter(
	ctx context.Context,
	impl adapter.Adapter,
	message domain.AlertMessage,
	recipient domain.AlertRecipient,
	channel domain.AlertChannel,
) (bool, error) {
	callCtx := ctx
	if e.adapterTimeout != nil {
		if timeout := e.adapterTimeout(channel.Type); timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	started := time.Now()
	accepted, err := impl.Send(callCtx, message, recipient, channel.Config)
	e.metrics.ObserveAdapterLatency(string(channel.Type), time.Since(started))
	return accepted, err
}
