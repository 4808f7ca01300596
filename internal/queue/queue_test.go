package queue

import (
	"encoding/json"
	"testing"
	"time"

	"alertdelivery/internal/domain"
)

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	first := BuildJobID("m1/r1/sms/g1", 1)
	second := BuildJobID("m1/r1/sms/g1", 1)
	if first != second {
		t.Fatalf("expected deterministic id, got %s and %s", first, second)
	}
	if len(first) != 40 {
		t.Fatalf("expected sha1 hex id, got %q", first)
	}
	if BuildJobID("m1/r1/sms/g1", 2) == first {
		t.Fatalf("different generations must produce different ids")
	}
}

func TestJobRoundTripKeepsDispatchContext(t *testing.T) {
	t.Parallel()

	job := Job{
		ID:          BuildJobID("m1/r1/sms/g1", 1),
		MessageID:   "m1",
		RecipientID: "r1",
		DeliveryID:  "m1/r1/sms/g1",
		Generation:  1,
		Message: domain.AlertMessage{
			ID:        "m1",
			Title:     "Fire alarm",
			Priority:  domain.PriorityCritical,
			Timestamp: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		},
		Recipient: domain.AlertRecipient{
			ID:              "r1",
			EscalationDelay: 30,
			Channels: []domain.AlertChannel{
				{Type: domain.ChannelSMS, Enabled: true, Priority: 1},
			},
		},
		CreatedAt: time.Date(2026, 3, 14, 12, 0, 5, 0, time.UTC),
	}

	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Job
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Message.Priority != domain.PriorityCritical {
		t.Fatalf("message snapshot lost: %+v", decoded.Message)
	}
	if len(decoded.Recipient.Channels) != 1 || decoded.Recipient.Channels[0].Type != domain.ChannelSMS {
		t.Fatalf("recipient snapshot lost: %+v", decoded.Recipient)
	}
}

func TestMaxDeliverExceeded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempts   uint64
		maxDeliver int
		want       bool
	}{
		{attempts: 1, maxDeliver: 3, want: false},
		{attempts: 3, maxDeliver: 3, want: true},
		{attempts: 5, maxDeliver: 3, want: true},
		{attempts: 100, maxDeliver: 0, want: false},
	}
	for _, tc := range cases {
		if got := maxDeliverExceeded(tc.attempts, tc.maxDeliver); got != tc.want {
			t.Fatalf("maxDeliverExceeded(%d, %d) = %v, want %v", tc.attempts, tc.maxDeliver, got, tc.want)
		}
	}
}
