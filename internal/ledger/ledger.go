package ledger

import (
	"context"
	"errors"

	"alertdelivery/internal/domain"
)

var (
	// ErrNotFound indicates absent delivery row for mutation.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// mutateAttempts bounds optimistic CAS retries per mutation.
const mutateAttempts = 5

// Ledger provides durable delivery record persistence operations.
// Params: upsert/mutate by delivery key and per-message listing.
// Returns: backend persistence behavior shared by all engine writers.
type Ledger interface {
	Upsert(ctx context.Context, delivery domain.AlertDelivery) error
	Mutate(ctx context.Context, key domain.DeliveryKey, apply func(*domain.AlertDelivery) error) error
	Get(ctx context.Context, messageID, recipientID string) ([]domain.AlertDelivery, error)
	ListByMessage(ctx context.Context, messageID string) ([]domain.AlertDelivery, error)
	Close() error
}
