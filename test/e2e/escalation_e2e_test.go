package e2e

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"alertdelivery/test/testutil"
)

// dispatchWithSupervisor posts one critical message for op-1 with a
// one second escalation delay and sup-1 as the escalation target.
// Params: test handle, service base URL, and message id.
// Returns: dispatch accepted or test failure.
func dispatchWithSupervisor(t *testing.T, baseURL, messageID string) {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/dispatch", map[string]any{
		"message": map[string]any{
			"id":       messageID,
			"title":    "Smoke detected",
			"body":     "Detector L2-14 triggered",
			"priority": "critical",
		},
		"recipients": []map[string]any{{
			"id":                   "op-1",
			"name":                 "Operator One",
			"escalation_delay_sec": 1,
			"channels": []map[string]any{{
				"type":     "desktop",
				"enabled":  true,
				"priority": 1,
			}},
		}},
		"escalation_recipients": []map[string]any{{
			"id":   "sup-1",
			"name": "Supervisor One",
			"channels": []map[string]any{{
				"type":     "desktop",
				"enabled":  true,
				"priority": 1,
			}},
		}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d", resp.StatusCode)
	}
}

func TestEscalationReachesSupervisor(t *testing.T) {
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

	dispatchWithSupervisor(t, baseURL, "msg-esc-1")

	waitFor(t, 4*time.Second, func() bool { return sink.countFor("op-1") == 1 })
	waitFor(t, 6*time.Second, func() bool { return sink.countFor("sup-1") == 1 })

	cancel()
	waitServiceStop(t, done)
}

func TestAcknowledgementStopsEscalation(t *testing.T) {
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

	dispatchWithSupervisor(t, baseURL, "msg-esc-2")
	waitFor(t, 4*time.Second, func() bool { return sink.countFor("op-1") == 1 })

	ackResp := postJSON(t, baseURL+"/v1/ack", map[string]string{
		"message_id":   "msg-esc-2",
		"recipient_id": "op-1",
	})
	_ = ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d", ackResp.StatusCode)
	}

	// The escalation delay is one second; wait well past it.
	time.Sleep(2500 * time.Millisecond)
	if got := sink.countFor("sup-1"); got != 0 {
		t.Fatalf("supervisor notified %d times after acknowledgement", got)
	}

	cancel()
	waitServiceStop(t, done)
}
