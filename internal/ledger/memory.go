package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"alertdelivery/internal/domain"
)

// MemoryLedger keeps delivery records in process memory for single-instance mode.
// Params: in-memory row map guarded by one RW mutex.
// Returns: ledger implementation without external dependencies.
type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[string]memoryRow
}

type memoryRow struct {
	delivery domain.AlertDelivery
	revision uint64
}

// NewMemoryLedger creates in-memory delivery ledger.
// Params: none.
// Returns: initialized empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]memoryRow)}
}

// Upsert writes one delivery row unconditionally by identity key.
// Params: delivery payload.
// Returns: nil (in-memory update).
func (l *MemoryLedger) Upsert(_ context.Context, delivery domain.AlertDelivery) error {
	key := delivery.Key().String()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[key] = memoryRow{delivery: delivery, revision: l.rows[key].revision + 1}
	return nil
}

// Mutate applies one read-modify-write under the ledger lock.
// Params: delivery key and apply callback mutating the row in place.
// Returns: ErrNotFound for absent rows or callback error.
func (l *MemoryLedger) Mutate(_ context.Context, key domain.DeliveryKey, apply func(*domain.AlertDelivery) error) error {
	id := key.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return ErrNotFound
	}
	if err := apply(&row.delivery); err != nil {
		return err
	}
	row.revision++
	l.rows[id] = row
	return nil
}

// Get lists all generations/channels for one message+recipient pair.
// Params: message and recipient identifiers.
// Returns: matching rows in deterministic key order.
func (l *MemoryLedger) Get(_ context.Context, messageID, recipientID string) ([]domain.AlertDelivery, error) {
	return l.listByPrefix(messageID + "/" + recipientID + "/"), nil
}

// ListByMessage lists every delivery row recorded for one message.
// Params: message identifier.
// Returns: matching rows in deterministic key order.
func (l *MemoryLedger) ListByMessage(_ context.Context, messageID string) ([]domain.AlertDelivery, error) {
	return l.listByPrefix(messageID + "/"), nil
}

// listByPrefix collects rows whose key starts with prefix.
// Params: rendered key prefix.
// Returns: rows sorted by key for reproducible reads.
func (l *MemoryLedger) listByPrefix(prefix string) []domain.AlertDelivery {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0)
	for key := range l.rows {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]domain.AlertDelivery, 0, len(keys))
	for _, key := range keys {
		out = append(out, l.rows[key].delivery)
	}
	return out
}

// Close releases memory ledger resources.
// Params: none.
// Returns: nil.
func (l *MemoryLedger) Close() error {
	return nil
}
