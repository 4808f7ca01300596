package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"alertdelivery/internal/clock"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/engine"
	"alertdelivery/internal/ledger"
)

// DeliveryEngine is the engine surface the HTTP API depends on.
// Params: dispatch/acknowledge/stats operations.
// Returns: seam for handler tests.
type DeliveryEngine interface {
	Dispatch(ctx context.Context, message domain.AlertMessage, recipients, escalationRecipients []domain.AlertRecipient) (engine.DispatchResult, error)
	Acknowledge(ctx context.Context, messageID, recipientID string) error
	MarkDelivered(ctx context.Context, key domain.DeliveryKey) error
	Stats(ctx context.Context, messageID string) (engine.DeliveryStats, error)
}

// API serves the delivery HTTP surface.
// Params: engine, clock for request-time defaults, logger, body limit.
// Returns: handler set registered on a ServeMux.
type API struct {
	engine       DeliveryEngine
	clk          clock.Clock
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewAPI creates the HTTP API handler set.
// Params: engine surface, clock, logger, and max request body size.
// Returns: configured API.
func NewAPI(deliveryEngine DeliveryEngine, clk clock.Clock, logger *slog.Logger, maxBodyBytes int64) *API {
	return &API{
		engine:       deliveryEngine,
		clk:          clk,
		logger:       logger.With("component", "http_api"),
		maxBodyBytes: maxBodyBytes,
	}
}

// Register installs API routes on the mux.
// Params: target ServeMux.
// Returns: routes registered with method patterns.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dispatch", a.handleDispatch)
	mux.HandleFunc("POST /v1/ack", a.handleAck)
	mux.HandleFunc("POST /v1/delivered", a.handleDelivered)
	mux.HandleFunc("GET /v1/stats/{messageID}", a.handleStats)
}

// DispatchRequest is the POST /v1/dispatch payload.
// Params: message plus target and supervisor recipient lists.
// Returns: decoded dispatch input.
type DispatchRequest struct {
	Message              domain.AlertMessage     `json:"message"`
	Recipients           []domain.AlertRecipient `json:"recipients"`
	EscalationRecipients []domain.AlertRecipient `json:"escalation_recipients,omitempty"`
}

// AckRequest is the POST /v1/ack payload.
// Params: message and recipient identity.
// Returns: decoded acknowledgement input.
type AckRequest struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

// DeliveredRequest is the POST /v1/delivered payload, the provider
// delivery-confirmation callback.
// Params: delivery identifier returned from dispatch.
// Returns: decoded confirmation input.
type DeliveredRequest struct {
	DeliveryID string `json:"delivery_id"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// handleDispatch decodes and runs one dispatch call.
// Params: response writer and request with DispatchRequest body.
// Returns: 200 with the dispatch result, 400 on bad input, 500 on
// ledger faults.
func (a *API) handleDispatch(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.readBody(writer, request)
	if !ok {
		return
	}

	var payload DispatchRequest
	if err := decodeStrict(body, &payload); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(payload.Message.ID) == "" {
		payload.Message.ID = domain.NewMessageID()
	}
	if payload.Message.Timestamp.IsZero() {
		payload.Message.Timestamp = a.clk.Now()
	}
	if len(payload.Recipients) == 0 {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "recipients are required"})
		return
	}

	result, err := a.engine.Dispatch(request.Context(), payload.Message, payload.Recipients, payload.EscalationRecipients)
	if err != nil {
		status := http.StatusInternalServerError
		if isInputError(err) {
			status = http.StatusBadRequest
		}
		writeJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, result)
}

// handleAck decodes and runs one acknowledgement call.
// Params: response writer and request with AckRequest body.
// Returns: 200 on success, 404 for unknown pairs, 400 on bad input.
func (a *API) handleAck(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.readBody(writer, request)
	if !ok {
		return
	}

	var payload AckRequest
	if err := decodeStrict(body, &payload); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(payload.MessageID) == "" || strings.TrimSpace(payload.RecipientID) == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "message_id and recipient_id are required"})
		return
	}

	if err := a.engine.Acknowledge(request.Context(), payload.MessageID, payload.RecipientID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(writer, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleDelivered records one provider delivery confirmation.
// Params: response writer and request with DeliveredRequest body.
// Returns: 200 on success, 404 for unknown deliveries, 400 on bad input.
func (a *API) handleDelivered(writer http.ResponseWriter, request *http.Request) {
	body, ok := a.readBody(writer, request)
	if !ok {
		return
	}

	var payload DeliveredRequest
	if err := decodeStrict(body, &payload); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	key, err := domain.ParseDeliveryKey(payload.DeliveryID)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := a.engine.MarkDelivered(request.Context(), key); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(writer, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"status": "delivered"})
}

// handleStats serves the per-message ledger summary.
// Params: response writer and request with messageID path value.
// Returns: 200 with stats, 404 when the message has no deliveries.
func (a *API) handleStats(writer http.ResponseWriter, request *http.Request) {
	messageID := request.PathValue("messageID")
	stats, err := a.engine.Stats(request.Context(), messageID)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if stats.TotalRecipients == 0 {
		writeJSON(writer, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no deliveries for message %q", messageID)})
		return
	}
	writeJSON(writer, http.StatusOK, stats)
}

// readBody reads one size-limited request body.
// Params: response writer and request.
// Returns: body bytes and false when a response was already written.
func (a *API) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, a.maxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return nil, false
	}
	return body, true
}

// decodeStrict decodes one JSON document and rejects trailing tokens.
// Params: payload bytes and destination pointer.
// Returns: decode error.
func decodeStrict(raw []byte, dst any) error {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return errors.New("unexpected trailing payload")
	}
	return nil
}

// isInputError reports whether a dispatch error is caller-caused.
// Params: dispatch error.
// Returns: true for validation and expiry rejections.
func isInputError(err error) bool {
	return errors.Is(err, engine.ErrInvalidInput)
}

// writeJSON writes one JSON response with status code.
// Params: writer, status, and payload.
// Returns: encoded response body.
func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
