package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"alertdelivery/internal/domain"
)

func TestMemoryLedgerUpsertAndList(t *testing.T) {
	t.Parallel()

	store := NewMemoryLedger()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	keys := []domain.DeliveryKey{
		{MessageID: "m1", RecipientID: "r1", Channel: domain.ChannelPush, Generation: 1},
		{MessageID: "m1", RecipientID: "r1", Channel: domain.ChannelSMS, Generation: 1},
		{MessageID: "m1", RecipientID: "r2", Channel: domain.ChannelEmail, Generation: 1},
		{MessageID: "m2", RecipientID: "r1", Channel: domain.ChannelPush, Generation: 1},
	}
	for _, key := range keys {
		if err := store.Upsert(context.Background(), domain.NewDelivery(key, now)); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}

	byMessage, err := store.ListByMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("list by message: %v", err)
	}
	if len(byMessage) != 3 {
		t.Fatalf("expected 3 rows for m1, got %d", len(byMessage))
	}

	byPair, err := store.Get(context.Background(), "m1", "r1")
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if len(byPair) != 2 {
		t.Fatalf("expected 2 rows for m1/r1, got %d", len(byPair))
	}
	for _, row := range byPair {
		if row.RecipientID != "r1" {
			t.Fatalf("unexpected recipient in pair listing: %+v", row)
		}
	}
}

func TestMemoryLedgerMutate(t *testing.T) {
	t.Parallel()

	store := NewMemoryLedger()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	key := domain.DeliveryKey{MessageID: "m1", RecipientID: "r1", Channel: domain.ChannelPush, Generation: 1}
	if err := store.Upsert(context.Background(), domain.NewDelivery(key, now)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sentAt := now.Add(time.Second)
	err := store.Mutate(context.Background(), key, func(d *domain.AlertDelivery) error {
		d.Status = domain.StatusSent
		d.SentAt = &sentAt
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	rows, err := store.Get(context.Background(), "m1", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != domain.StatusSent || rows[0].SentAt == nil {
		t.Fatalf("unexpected row after mutate: %+v", rows)
	}

	missing := domain.DeliveryKey{MessageID: "m9", RecipientID: "r9", Channel: domain.ChannelSMS, Generation: 1}
	if err := store.Mutate(context.Background(), missing, func(*domain.AlertDelivery) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	wantErr := errors.New("apply failed")
	if err := store.Mutate(context.Background(), key, func(*domain.AlertDelivery) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
}

func TestMemoryLedgerUpsertOverwritesByKey(t *testing.T) {
	t.Parallel()

	store := NewMemoryLedger()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	key := domain.DeliveryKey{MessageID: "m1", RecipientID: "r1", Channel: domain.ChannelPush, Generation: 1}

	first := domain.NewDelivery(key, now)
	_ = store.Upsert(context.Background(), first)
	second := first
	second.Status = domain.StatusFailed
	second.FailureReason = "provider rejected"
	_ = store.Upsert(context.Background(), second)

	rows, _ := store.ListByMessage(context.Background(), "m1")
	if len(rows) != 1 {
		t.Fatalf("expected single row per key, got %d", len(rows))
	}
	if rows[0].Status != domain.StatusFailed || rows[0].FailureReason != "provider rejected" {
		t.Fatalf("expected overwrite to win: %+v", rows[0])
	}
}
