package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/transient"

	"github.com/nats-io/nats.go"
)

const escalationStreamMaxAge = 24 * time.Hour
const dlqStreamMaxAge = 7 * 24 * time.Hour

// dlqStreamSuffix names the DLQ stream derived from the main stream.
const dlqStreamSuffix = "_DLQ"

// NATSProducer publishes escalation jobs into a JetStream stream.
// Params: NATS connection and publish subject settings.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates the JetStream producer for the escalation queue.
// Params: queue config section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.QueueConfig) (*NATSProducer, error) {
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one escalation job with a dedup message id.
// Params: context and job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal escalation job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(job.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish escalation job: %w", err)
	}
	return nil
}

// Close closes the producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes escalation jobs via a durable queue group consumer.
// Params: NATS connection and queue subscription.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	dlqSubject string
}

// NewNATSWorker starts the queue consumer for escalation jobs. Transient
// handler errors are redelivered with a nack delay; permanent errors and
// exhausted redeliveries move the job to the DLQ subject.
// Params: queue config, logger, and per-job handler callback.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.QueueConfig, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{nc: nc, js: js, logger: logger, dlqSubject: cfg.DLQSubject}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.Consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.Consumer, func(message *nats.Msg) {
		if message == nil {
			return
		}
		var job Job
		if err := json.Unmarshal(message.Data, &job); err != nil {
			logger.Warn("escalation queue decode failed", "subject", message.Subject, "error", err.Error())
			_ = message.Ack()
			return
		}
		handleErr := handler(context.Background(), job)
		if handleErr == nil {
			_ = message.Ack()
			return
		}

		logger.Error("escalation job failed",
			"job_id", job.ID,
			"delivery_id", job.DeliveryID,
			"generation", job.Generation,
			"error", handleErr.Error())

		attempts := deliveryAttempts(message)
		reason := DLQReason("")
		if !transient.Is(handleErr) {
			reason = DLQReasonPermanentError
		} else if maxDeliverExceeded(attempts, cfg.MaxDeliver) {
			reason = DLQReasonMaxDeliverExceeded
		}
		if reason != "" {
			if dlqErr := worker.publishDLQ(context.Background(), message, job, reason, handleErr, attempts, cfg.MaxDeliver); dlqErr != nil {
				logger.Error("escalation dlq publish failed",
					"job_id", job.ID, "reason", reason, "error", dlqErr.Error())
				nak(message, nackDelay)
				return
			}
			_ = message.Ack()
			return
		}
		nak(message, nackDelay)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.Consumer, err)
	}
	worker.sub = sub
	return worker, nil
}

// Close drains the worker subscription and closes the NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// nak redelivers one message, with the configured delay when set.
func nak(message *nats.Msg, delay time.Duration) {
	if delay > 0 {
		_ = message.NakWithDelay(delay)
		return
	}
	_ = message.Nak()
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openQueueJetStream opens the connection and ensures queue streams exist.
// Params: queue config with URLs and stream/subject names.
// Returns: opened NATS connection, JetStream context, and setup error.
func openQueueJetStream(cfg config.QueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect escalation queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for escalation queue: %w", err)
	}
	if cfg.AllowCreateStream {
		if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, escalationStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
		if strings.TrimSpace(cfg.DLQSubject) != "" {
			if err := ensureStream(js, cfg.Stream+dlqStreamSuffix, cfg.DLQSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
				nc.Close()
				return nil, nil, err
			}
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns the delivery attempt count from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count, at least 1.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// maxDeliverExceeded reports if the current attempt is the final allowed one.
// Params: attempt counter and max deliver config.
// Returns: true when redeliveries are exhausted.
func maxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes a failed escalation job to the dead-letter subject.
// Params: message, decoded job, failure reason/cause, and attempt counters.
// Returns: publish error when DLQ publish fails.
func (w *NATSWorker) publishDLQ(
	ctx context.Context,
	message *nats.Msg,
	job Job,
	reason DLQReason,
	cause error,
	attempts uint64,
	maxDeliver int,
) error {
	if strings.TrimSpace(w.dlqSubject) == "" {
		return nil
	}
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      cause.Error(),
		Attempts:   attempts,
		MaxDeliver: maxDeliver,
		Subject:    message.Subject,
		FailedAt:   time.Now().UTC(),
	}
	entry.OriginalMsgID = strings.TrimSpace(message.Header.Get("Nats-Msg-Id"))

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal escalation dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.dlqSubject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", strings.TrimSpace(job.ID), reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish escalation dlq entry: %w", err)
	}
	return nil
}
