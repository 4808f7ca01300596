package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisLedger persists delivery records in Redis hashes, one hash per message.
// Params: redis client and key namespace settings.
// Returns: ledger implementation backed by a shared Redis instance.
type RedisLedger struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLedger connects to Redis and verifies reachability.
// Params: context for the initial ping and redis settings from config.
// Returns: initialized Redis ledger or connection error.
func NewRedisLedger(ctx context.Context, settings config.RedisLedgerConfig) (*RedisLedger, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := strings.TrimSpace(settings.KeyPrefix)
	if prefix == "" {
		prefix = "deliveries"
	}
	return &RedisLedger{
		rdb:       rdb,
		keyPrefix: prefix,
		ttl:       time.Duration(settings.RetentionSec) * time.Second,
	}, nil
}

// messageKey builds the hash key holding all rows of one message.
// Params: message identifier.
// Returns: namespaced Redis key.
func (l *RedisLedger) messageKey(messageID string) string {
	return l.keyPrefix + ":" + messageID
}

// fieldKey builds the hash field of one delivery row.
// Params: delivery identity key.
// Returns: recipient/channel/generation field name.
func fieldKey(key domain.DeliveryKey) string {
	return key.RecipientID + "/" + string(key.Channel) + "/g" + fmt.Sprintf("%d", key.Generation)
}

// Upsert writes one delivery row unconditionally by identity key.
// Params: context and delivery payload.
// Returns: encode or redis write error.
func (l *RedisLedger) Upsert(ctx context.Context, delivery domain.AlertDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	key := l.messageKey(delivery.MessageID)
	if err := l.rdb.HSet(ctx, key, fieldKey(delivery.Key()), body).Err(); err != nil {
		return fmt.Errorf("hset delivery: %w", err)
	}
	if l.ttl > 0 {
		if err := l.rdb.Expire(ctx, key, l.ttl).Err(); err != nil {
			return fmt.Errorf("expire delivery hash: %w", err)
		}
	}
	return nil
}

// Mutate applies one read-modify-write inside an optimistic WATCH transaction.
// Params: context, delivery key, and apply callback mutating the row in place.
// Returns: ErrNotFound, ErrConflict after retries, or callback error.
func (l *RedisLedger) Mutate(ctx context.Context, key domain.DeliveryKey, apply func(*domain.AlertDelivery) error) error {
	hashKey := l.messageKey(key.MessageID)
	field := fieldKey(key)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, hashKey, field).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("hget delivery: %w", err)
		}
		var delivery domain.AlertDelivery
		if err := json.Unmarshal([]byte(raw), &delivery); err != nil {
			return fmt.Errorf("decode delivery: %w", err)
		}
		if err := apply(&delivery); err != nil {
			return err
		}
		body, err := json.Marshal(delivery)
		if err != nil {
			return fmt.Errorf("encode delivery: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, field, body)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < mutateAttempts; attempt++ {
		err := l.rdb.Watch(ctx, txn, hashKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Get lists all generations/channels for one message+recipient pair.
// Params: context, message and recipient identifiers.
// Returns: matching rows in deterministic field order.
func (l *RedisLedger) Get(ctx context.Context, messageID, recipientID string) ([]domain.AlertDelivery, error) {
	return l.list(ctx, messageID, recipientID+"/")
}

// ListByMessage lists every delivery row recorded for one message.
// Params: context and message identifier.
// Returns: matching rows in deterministic field order.
func (l *RedisLedger) ListByMessage(ctx context.Context, messageID string) ([]domain.AlertDelivery, error) {
	return l.list(ctx, messageID, "")
}

// list reads the message hash and filters fields by prefix.
// Params: context, message identifier, and field prefix ("" for all).
// Returns: decoded rows sorted by field name.
func (l *RedisLedger) list(ctx context.Context, messageID, fieldPrefix string) ([]domain.AlertDelivery, error) {
	rows, err := l.rdb.HGetAll(ctx, l.messageKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall deliveries: %w", err)
	}
	fields := make([]string, 0, len(rows))
	for field := range rows {
		if fieldPrefix == "" || strings.HasPrefix(field, fieldPrefix) {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	out := make([]domain.AlertDelivery, 0, len(fields))
	for _, field := range fields {
		var delivery domain.AlertDelivery
		if err := json.Unmarshal([]byte(rows[field]), &delivery); err != nil {
			return nil, fmt.Errorf("decode delivery %q: %w", field, err)
		}
		out = append(out, delivery)
	}
	return out, nil
}

// Close closes underlying Redis client.
// Params: none.
// Returns: client close error.
func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}
