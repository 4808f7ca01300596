package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alertdelivery/internal/clock"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/engine"
	"alertdelivery/internal/ledger"
)

type fakeEngine struct {
	dispatched   []domain.AlertMessage
	dispatchErr  error
	ackErr       error
	delivered    []domain.DeliveryKey
	deliveredErr error
	stats        engine.DeliveryStats
}

func (f *fakeEngine) Dispatch(_ context.Context, message domain.AlertMessage, recipients, _ []domain.AlertRecipient) (engine.DispatchResult, error) {
	if f.dispatchErr != nil {
		return engine.DispatchResult{}, f.dispatchErr
	}
	f.dispatched = append(f.dispatched, message)
	result := engine.DispatchResult{MessageID: message.ID}
	for _, recipient := range recipients {
		for _, channel := range recipient.OrderedChannels() {
			key := domain.DeliveryKey{MessageID: message.ID, RecipientID: recipient.ID, Channel: channel.Type, Generation: 1}
			result.DeliveryIDs = append(result.DeliveryIDs, key.String())
		}
	}
	return result, nil
}

func (f *fakeEngine) Acknowledge(_ context.Context, _, _ string) error {
	return f.ackErr
}

func (f *fakeEngine) MarkDelivered(_ context.Context, key domain.DeliveryKey) error {
	if f.deliveredErr != nil {
		return f.deliveredErr
	}
	f.delivered = append(f.delivered, key)
	return nil
}

func (f *fakeEngine) Stats(_ context.Context, messageID string) (engine.DeliveryStats, error) {
	stats := f.stats
	stats.MessageID = messageID
	return stats, nil
}

func newTestAPI(fake *fakeEngine) *API {
	clk := clock.Func(func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAPI(fake, clk, logger, 1<<20)
}

func newTestMux(fake *fakeEngine) *http.ServeMux {
	mux := http.NewServeMux()
	newTestAPI(fake).Register(mux)
	return mux
}

func TestDispatchEndpointFillsMessageDefaults(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{}
	mux := newTestMux(fake)

	body := `{
		"message": {"title": "Fire alarm", "priority": "critical"},
		"recipients": [{"id": "r1", "channels": [{"type": "sms", "enabled": true, "priority": 1}]}]
	}`
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if len(fake.dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(fake.dispatched))
	}
	message := fake.dispatched[0]
	if message.ID == "" || message.Timestamp.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", message)
	}

	var result engine.DispatchResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.DeliveryIDs) != 1 {
		t.Fatalf("expected one delivery id, got %+v", result)
	}
}

func TestDispatchEndpointRejectsMissingRecipients(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{})
	recorder := httptest.NewRecorder()
	body := `{"message": {"title": "x", "priority": "normal"}}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestDispatchEndpointRejectsTrailingPayload(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{})
	recorder := httptest.NewRecorder()
	body := `{"message": {"title": "x", "priority": "normal"}, "recipients": []} {"extra": true}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestAckEndpoint(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{})
	recorder := httptest.NewRecorder()
	body := `{"message_id": "m1", "recipient_id": "r1"}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/ack", strings.NewReader(body)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestAckEndpointUnknownPair(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{ackErr: ledger.ErrNotFound})
	recorder := httptest.NewRecorder()
	body := `{"message_id": "m-x", "recipient_id": "r-x"}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/ack", strings.NewReader(body)))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestDispatchEndpointMapsValidationErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{dispatchErr: fmt.Errorf("%w: message: title is required", engine.ErrInvalidInput)}
	mux := newTestMux(fake)
	recorder := httptest.NewRecorder()
	body := `{"message": {"priority": "normal"}, "recipients": [{"id": "r1", "channels": [{"type": "sms", "enabled": true, "priority": 1}]}]}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for validation error, got %d", recorder.Code)
	}
}

func TestDispatchEndpointMapsInternalErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{dispatchErr: errors.New("ledger unavailable")}
	mux := newTestMux(fake)
	recorder := httptest.NewRecorder()
	body := `{"message": {"title": "x", "priority": "normal"}, "recipients": [{"id": "r1", "channels": [{"type": "sms", "enabled": true, "priority": 1}]}]}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for ledger error, got %d", recorder.Code)
	}
}

func TestDeliveredEndpoint(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{}
	mux := newTestMux(fake)
	recorder := httptest.NewRecorder()
	body := `{"delivery_id": "m1/r1/sms/g1"}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/delivered", strings.NewReader(body)))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if len(fake.delivered) != 1 {
		t.Fatalf("expected one delivered call, got %d", len(fake.delivered))
	}
	want := domain.DeliveryKey{MessageID: "m1", RecipientID: "r1", Channel: domain.ChannelSMS, Generation: 1}
	if fake.delivered[0] != want {
		t.Fatalf("expected key %v, got %v", want, fake.delivered[0])
	}
}

func TestDeliveredEndpointUnknownDelivery(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{deliveredErr: ledger.ErrNotFound})
	recorder := httptest.NewRecorder()
	body := `{"delivery_id": "m1/r1/sms/g1"}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/delivered", strings.NewReader(body)))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestDeliveredEndpointMalformedID(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{}
	mux := newTestMux(fake)
	recorder := httptest.NewRecorder()
	body := `{"delivery_id": "not-a-delivery-id"}`
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/delivered", strings.NewReader(body)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if len(fake.delivered) != 0 {
		t.Fatalf("expected no delivered call for malformed id")
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{stats: engine.DeliveryStats{TotalRecipients: 2, Sent: 2, Failed: 1}}
	mux := newTestMux(fake)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/stats/m1", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var stats engine.DeliveryStats
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.MessageID != "m1" || stats.TotalRecipients != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStatsEndpointUnknownMessage(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{})
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/stats/missing", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestDispatchEndpointMethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := newTestMux(&fakeEngine{})
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/dispatch", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}
