package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/transient"
)

func testMessage() domain.AlertMessage {
	return domain.AlertMessage{
		ID:        "msg-1",
		Title:     "Fire alarm",
		Body:      "Evacuate building A",
		Priority:  domain.PriorityHigh,
		Timestamp: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
}

func testRecipient() domain.AlertRecipient {
	return domain.AlertRecipient{ID: "rcpt-1", Name: "On Duty"}
}

func TestNewRegistryBuildsEnabledAdapters(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(config.AdaptersConfig{
		Webhook: config.WebhookAdapterConfig{Enabled: true, Secret: "s", SignatureHeader: "X-Alert-Signature", TimeoutSec: 5},
		Desktop: config.DesktopAdapterConfig{Enabled: true, URL: "http://localhost/notify", TimeoutSec: 5},
		SMS:     config.GatewayAdapterConfig{Enabled: true, BaseURL: "http://localhost", Method: "POST", Path: "/sms", TimeoutSec: 5},
	})

	wantTypes := []domain.ChannelType{domain.ChannelDesktop, domain.ChannelSMS, domain.ChannelWebhook}
	gotTypes := registry.Types()
	if len(gotTypes) != len(wantTypes) {
		t.Fatalf("expected %d adapters, got %v", len(wantTypes), gotTypes)
	}
	for i, want := range wantTypes {
		if gotTypes[i] != want {
			t.Fatalf("expected types %v, got %v", wantTypes, gotTypes)
		}
	}
	if _, ok := registry.Resolve(domain.ChannelPush); ok {
		t.Fatalf("push adapter must not be registered when disabled")
	}
}

func TestWebhookAdapterSignsPayload(t *testing.T) {
	t.Parallel()

	const secret = "webhook-secret"
	var gotSignature string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Alert-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := NewWebhookAdapter(config.WebhookAdapterConfig{
		Enabled:         true,
		Secret:          secret,
		SignatureHeader: "X-Alert-Signature",
		TimeoutSec:      5,
	})

	accepted, err := a.Send(context.Background(), testMessage(), testRecipient(), map[string]string{"url": server.URL})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !accepted {
		t.Fatalf("expected accepted send")
	}
	if gotSignature != Sign(secret, gotBody) {
		t.Fatalf("signature mismatch: header=%s computed=%s", gotSignature, Sign(secret, gotBody))
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message.ID != "msg-1" || payload.RecipientID != "rcpt-1" || payload.Channel != domain.ChannelWebhook {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestWebhookAdapterRequiresURL(t *testing.T) {
	t.Parallel()

	a := NewWebhookAdapter(config.WebhookAdapterConfig{Enabled: true, Secret: "s", SignatureHeader: "X-Alert-Signature", TimeoutSec: 5})
	if _, err := a.Send(context.Background(), testMessage(), testRecipient(), nil); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func TestWebhookAdapterMarksServerFaultTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	a := NewWebhookAdapter(config.WebhookAdapterConfig{Enabled: true, Secret: "s", SignatureHeader: "X-Alert-Signature", TimeoutSec: 5})
	_, err := a.Send(context.Background(), testMessage(), testRecipient(), map[string]string{"url": server.URL})
	if err == nil {
		t.Fatalf("expected status error")
	}
	if !transient.Is(err) {
		t.Fatalf("expected transient classification for 502, got %v", err)
	}
}

func TestGatewayAdapterRendersTemplates(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	a := NewGatewayAdapter(domain.ChannelSMS, config.GatewayAdapterConfig{
		Enabled:       true,
		BaseURL:       server.URL,
		Method:        "POST",
		Path:          "/v2/messages/{{ .Recipient.ID }}",
		BodyTemplate:  `{"to":"{{ .Config.phone }}","text":{{ json .Message.Title }}}`,
		SuccessStatus: []int{202},
		TimeoutSec:    5,
		Auth:          config.GatewayAuthConfig{Type: "bearer", Token: "api-token"},
	})

	accepted, err := a.Send(context.Background(), testMessage(), testRecipient(), map[string]string{"phone": "+15550100"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !accepted {
		t.Fatalf("expected accepted send")
	}
	if gotPath != "/v2/messages/rcpt-1" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer api-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"to":"+15550100","text":"Fire alarm"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestGatewayAdapterRejectsUnexpectedStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid number", http.StatusBadRequest)
	}))
	defer server.Close()

	a := NewGatewayAdapter(domain.ChannelSMS, config.GatewayAdapterConfig{
		Enabled:       true,
		BaseURL:       server.URL,
		Method:        "POST",
		Path:          "/send",
		SuccessStatus: []int{200},
		TimeoutSec:    5,
	})

	_, err := a.Send(context.Background(), testMessage(), testRecipient(), nil)
	if err == nil {
		t.Fatalf("expected status error")
	}
	if transient.Is(err) {
		t.Fatalf("client fault must not be transient: %v", err)
	}
	if !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestGatewayAdapterReportsTemplateInitError(t *testing.T) {
	t.Parallel()

	a := NewGatewayAdapter(domain.ChannelEmail, config.GatewayAdapterConfig{
		Enabled:    true,
		BaseURL:    "http://localhost",
		Method:     "POST",
		Path:       "/send/{{ .Broken",
		TimeoutSec: 5,
	})
	if _, err := a.Send(context.Background(), testMessage(), testRecipient(), nil); err == nil {
		t.Fatalf("expected init error on first send")
	}
}

func TestDesktopAdapterPostsPayload(t *testing.T) {
	t.Parallel()

	var payload desktopPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := NewDesktopAdapter(config.DesktopAdapterConfig{
		Enabled:    true,
		URL:        server.URL,
		Headers:    map[string]string{"X-Notifier-Key": "k"},
		TimeoutSec: 5,
	})
	accepted, err := a.Send(context.Background(), testMessage(), testRecipient(), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !accepted {
		t.Fatalf("expected accepted send")
	}
	if payload.MessageID != "msg-1" || payload.RecipientID != "rcpt-1" || payload.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPushAdapterRequiresToken(t *testing.T) {
	t.Parallel()

	a := NewPushAdapter(config.PushAdapterConfig{Enabled: true, BotToken: "bot-token", TimeoutSec: 5})
	if _, err := a.Send(context.Background(), testMessage(), domain.AlertRecipient{ID: "rcpt-1"}, nil); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestNormalizeChatID(t *testing.T) {
	t.Parallel()

	if got := normalizeChatID("12345"); got != int64(12345) {
		t.Fatalf("expected numeric chat id, got %#v", got)
	}
	if got := normalizeChatID("@duty_channel"); got != "@duty_channel" {
		t.Fatalf("expected string chat id, got %#v", got)
	}
}
