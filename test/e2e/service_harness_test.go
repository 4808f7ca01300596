package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alertdelivery/internal/app"
	"alertdelivery/internal/clock"
	"alertdelivery/internal/config"
)

// newServiceFromConfig creates Service from file config path for e2e scenarios.
// Params: test handle and absolute config path.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
// Params: test handle and HTTP port.
// Returns: service is ready or test fails on timeout.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

// waitFor polls check until it succeeds or timeout elapses.
// Params: test handle, timeout, and predicate.
// Returns: test fails when the deadline passes without success.
func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// writeConfigFile persists one TOML config into the test temp dir.
// Params: test handle and config body.
// Returns: absolute config path.
func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// postJSON posts a JSON payload and returns the response.
// Params: test handle, URL, and request body value.
// Returns: HTTP response with open body.
func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	response, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return response
}

// sinkNotification is the desktop notifier payload the sink records.
// Params: identity fields asserted by scenarios.
// Returns: decoded notifier call.
type sinkNotification struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// deliverySink is an in-test desktop notifier endpoint.
// Params: recorded notifications guarded by mutex.
// Returns: delivery target for adapter e2e scenarios.
type deliverySink struct {
	mu       sync.Mutex
	received []sinkNotification
}

// startDeliverySink starts an HTTP server that records notifier calls.
// Params: test handle.
// Returns: sink state and its base URL.
func startDeliverySink(t *testing.T) (*deliverySink, string) {
	t.Helper()
	sink := &deliverySink{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var notification sinkNotification
		if err := json.NewDecoder(request.Body).Decode(&notification); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.received = append(sink.received, notification)
		sink.mu.Unlock()
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return sink, server.URL
}

// count returns total recorded notifications.
// Params: none.
// Returns: notification count.
func (s *deliverySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// countFor returns notifications recorded for one recipient.
// Params: recipient id.
// Returns: per-recipient notification count.
func (s *deliverySink) countFor(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, notification := range s.received {
		if notification.RecipientID == recipientID {
			total++
		}
	}
	return total
}

// last returns the most recent notification.
// Params: test handle.
// Returns: last recorded notification, failing when empty.
func (s *deliverySink) last(t *testing.T) sinkNotification {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		t.Fatalf("sink received no notifications")
	}
	return s.received[len(s.received)-1]
}
