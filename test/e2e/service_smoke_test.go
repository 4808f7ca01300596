package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"alertdelivery/test/testutil"
)

// singleModeConfig renders a memory-ledger config with the desktop
// adapter pointed at the test sink.
// Params: HTTP port and sink base URL.
// Returns: TOML config body.
func singleModeConfig(port int, sinkURL string) string {
	return fmt.Sprintf(`
[service]
name = "alertdelivery-e2e"
mode = "single"

[log.console]
enabled = true
level = "error"
format = "line"

[http]
enabled = true
listen = "127.0.0.1:%d"
max_body_bytes = 1048576

[ledger]
backend = "memory"

[escalation]
max_generations = 3

[adapters.desktop]
enabled = true
url = "%s"
timeout_sec = 2
`, port, sinkURL)
}

func TestServiceSmokeDispatchAckStats(t *testing.T) {
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	sink, sinkURL := startDeliverySink(t)

	configPath := writeConfigFile(t, singleModeConfig(port, sinkURL))
	service := newServiceFromConfig(t, configPath)
	cancel, done := runService(t, service)
	defer cancel()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitReady(t, port)

	healthResp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", healthResp.StatusCode)
	}
	_ = healthResp.Body.Close()

	dispatchResp := postJSON(t, baseURL+"/v1/dispatch", map[string]any{
		"message": map[string]any{
			"id":       "msg-smoke-1",
			"title":    "Water leak",
			"body":     "Sensor B2 reports water on floor 3",
			"priority": "high",
		},
		"recipients": []map[string]any{{
			"id":   "op-1",
			"name": "Operator One",
			"channels": []map[string]any{{
				"type":     "desktop",
				"enabled":  true,
				"priority": 1,
			}},
		}},
	})
	defer dispatchResp.Body.Close()
	if dispatchResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(dispatchResp.Body)
		t.Fatalf("dispatch status %d: %s", dispatchResp.StatusCode, body)
	}
	var dispatchBody struct {
		MessageID   string   `json:"message_id"`
		DeliveryIDs []string `json:"delivery_ids"`
	}
	if err := json.NewDecoder(dispatchResp.Body).Decode(&dispatchBody); err != nil {
		t.Fatalf("decode dispatch response: %v", err)
	}
	if dispatchBody.MessageID != "msg-smoke-1" {
		t.Fatalf("unexpected message id %q", dispatchBody.MessageID)
	}
	if len(dispatchBody.DeliveryIDs) != 1 {
		t.Fatalf("expected 1 delivery id, got %d", len(dispatchBody.DeliveryIDs))
	}

	waitFor(t, 4*time.Second, func() bool { return sink.count() == 1 })
	notification := sink.last(t)
	if notification.MessageID != "msg-smoke-1" || notification.RecipientID != "op-1" {
		t.Fatalf("unexpected notification %+v", notification)
	}
	if notification.Priority != "high" || notification.Title != "Water leak" {
		t.Fatalf("notification lost message fields: %+v", notification)
	}

	deliveredResp := postJSON(t, baseURL+"/v1/delivered", map[string]string{
		"delivery_id": dispatchBody.DeliveryIDs[0],
	})
	_ = deliveredResp.Body.Close()
	if deliveredResp.StatusCode != http.StatusOK {
		t.Fatalf("delivered status %d", deliveredResp.StatusCode)
	}

	statsResp, err := http.Get(baseURL + "/v1/stats/msg-smoke-1")
	if err != nil {
		t.Fatalf("stats request: %v", err)
	}
	defer statsResp.Body.Close()
	if statsResp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", statsResp.StatusCode)
	}
	var stats struct {
		TotalRecipients int `json:"total_recipients"`
		Sent            int `json:"sent"`
		Delivered       int `json:"delivered"`
		Acknowledged    int `json:"acknowledged"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalRecipients != 1 || stats.Delivered != 1 || stats.Sent != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	ackResp := postJSON(t, baseURL+"/v1/ack", map[string]string{
		"message_id":   "msg-smoke-1",
		"recipient_id": "op-1",
	})
	_ = ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d", ackResp.StatusCode)
	}

	metricsResp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer metricsResp.Body.Close()
	metricsBody, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(metricsBody), "alertdelivery_deliveries_total") {
		t.Fatalf("metrics output missing delivery counter")
	}
	if !strings.Contains(string(metricsBody), "alertdelivery_acknowledgements_total") {
		t.Fatalf("metrics output missing acknowledgement counter")
	}

	cancel()
	waitServiceStop(t, done)
}

func TestServiceSmokeUnknownStats(t *testing.T) {
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	_, sinkURL := startDeliverySink(t)

	configPath := writeConfigFile(t, singleModeConfig(port, sinkURL))
	service := newServiceFromConfig(t, configPath)
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/stats/no-such-message", port))
	if err != nil {
		t.Fatalf("stats request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", resp.StatusCode)
	}

	cancel()
	waitServiceStop(t, done)
}
