package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSLedger persists delivery records in one JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed ledger implementation for nats service mode.
type NATSLedger struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	kv       nats.KeyValue
	settings config.NATSLedgerConfig
}

// NewNATSLedger opens (or creates) the delivery KV bucket.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS ledger or setup error.
func NewNATSLedger(settings config.NATSLedgerConfig) (*NATSLedger, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open delivery bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: settings.Bucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create delivery bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSLedger{nc: nc, js: js, kv: kv, settings: settings}, nil
}

// Upsert writes one delivery row unconditionally by identity key.
// Params: delivery payload.
// Returns: encode or KV put error.
func (l *NATSLedger) Upsert(_ context.Context, delivery domain.AlertDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if _, err := l.kv.Put(delivery.Key().String(), body); err != nil {
		return fmt.Errorf("put delivery: %w", err)
	}
	return nil
}

// Mutate applies one read-modify-write using KV revision CAS.
// Params: delivery key and apply callback mutating the row in place.
// Returns: ErrNotFound, ErrConflict after retries, or callback error.
func (l *NATSLedger) Mutate(_ context.Context, key domain.DeliveryKey, apply func(*domain.AlertDelivery) error) error {
	id := key.String()
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := l.kv.Get(id)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get delivery: %w", err)
		}

		var delivery domain.AlertDelivery
		if err := json.Unmarshal(entry.Value(), &delivery); err != nil {
			return fmt.Errorf("decode delivery: %w", err)
		}
		if err := apply(&delivery); err != nil {
			return err
		}
		body, err := json.Marshal(delivery)
		if err != nil {
			return fmt.Errorf("encode delivery: %w", err)
		}

		_, err = l.kv.Update(id, body, entry.Revision())
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("update delivery: %w", err)
		}
	}
	return ErrConflict
}

// isRevisionConflict detects KV CAS revision mismatch errors.
// Params: KV update error.
// Returns: true for wrong-last-sequence conflicts.
func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) ||
		strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// Get lists all generations/channels for one message+recipient pair.
// Params: message and recipient identifiers.
// Returns: matching rows in deterministic key order.
func (l *NATSLedger) Get(ctx context.Context, messageID, recipientID string) ([]domain.AlertDelivery, error) {
	return l.listByPrefix(ctx, messageID+"/"+recipientID+"/")
}

// ListByMessage lists every delivery row recorded for one message.
// Params: message identifier.
// Returns: matching rows in deterministic key order.
func (l *NATSLedger) ListByMessage(ctx context.Context, messageID string) ([]domain.AlertDelivery, error) {
	return l.listByPrefix(ctx, messageID+"/")
}

// listByPrefix reads rows whose KV key starts with prefix.
// Params: context and rendered key prefix.
// Returns: decoded rows sorted by KV key enumeration.
func (l *NATSLedger) listByPrefix(_ context.Context, prefix string) ([]domain.AlertDelivery, error) {
	keys, err := l.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	out := make([]domain.AlertDelivery, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := l.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get delivery %q: %w", key, err)
		}
		var delivery domain.AlertDelivery
		if err := json.Unmarshal(entry.Value(), &delivery); err != nil {
			return nil, fmt.Errorf("decode delivery %q: %w", key, err)
		}
		out = append(out, delivery)
	}
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (l *NATSLedger) Close() error {
	l.nc.Close()
	return nil
}
