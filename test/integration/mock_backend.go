package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// WebhookReceiver is a configurable HTTP test server standing in for the
// systems that workflow webhooks deliver to. It records every delivery and
// answers with scripted responses.
type WebhookReceiver struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.RWMutex
	responses map[string]*scriptedResponses
	received  map[string][]*RecordedRequest
}

// RecordedRequest captures one delivery received by the receiver.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

type scriptedResponses struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	delay     time.Duration
	connError bool
}

// PathMock is a builder for configuring responses for a single path.
type PathMock struct {
	receiver *WebhookReceiver
	path     string
}

// newWebhookReceiver starts the receiver. Unscripted paths answer 204.
func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()

	wr := &WebhookReceiver{
		t:         t,
		responses: make(map[string]*scriptedResponses),
		received:  make(map[string][]*RecordedRequest),
	}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

// URL returns the base URL of the receiver.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL
}

// OnPath returns a builder for configuring responses for the given path.
func (wr *WebhookReceiver) OnPath(path string) *PathMock {
	return &PathMock{receiver: wr, path: path}
}

// RespondWith queues a response with the given status.
func (pm *PathMock) RespondWith(status int) *PathMock {
	pm.receiver.addResponse(pm.path, &mockResponse{status: status})
	return pm
}

// RespondWithDelay queues a delayed response to simulate a slow receiver.
func (pm *PathMock) RespondWithDelay(delay time.Duration, status int) *PathMock {
	pm.receiver.addResponse(pm.path, &mockResponse{status: status, delay: delay})
	return pm
}

// RespondWithConnectionError queues a dropped connection.
func (pm *PathMock) RespondWithConnectionError() *PathMock {
	pm.receiver.addResponse(pm.path, &mockResponse{connError: true})
	return pm
}

func (wr *WebhookReceiver) addResponse(path string, resp *mockResponse) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	sr, ok := wr.responses[path]
	if !ok {
		sr = &scriptedResponses{}
		wr.responses[path] = sr
	}
	sr.responses = append(sr.responses, resp)
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}

	wr.mu.Lock()
	wr.received[r.URL.Path] = append(wr.received[r.URL.Path], rec)
	wr.mu.Unlock()

	resp := wr.nextResponse(r.URL.Path)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}
	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	w.WriteHeader(resp.status)
}

func (wr *WebhookReceiver) nextResponse(path string) *mockResponse {
	wr.mu.RLock()
	sr, ok := wr.responses[path]
	wr.mu.RUnlock()
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.responses) == 0 {
		return nil
	}
	idx := sr.current
	if idx >= len(sr.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(sr.responses) - 1
	} else {
		sr.current++
	}
	return sr.responses[idx]
}

// AssertCalled verifies that the path received the expected number of
// deliveries.
func (wr *WebhookReceiver) AssertCalled(t *testing.T, path string, expectedCount int) {
	t.Helper()
	wr.mu.RLock()
	actual := len(wr.received[path])
	wr.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("webhook receiver: %q called %d times, want %d", path, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the path was never called.
func (wr *WebhookReceiver) AssertNotCalled(t *testing.T, path string) {
	t.Helper()
	wr.AssertCalled(t, path, 0)
}

// LastRequest returns the last delivery to path, or nil.
func (wr *WebhookReceiver) LastRequest(path string) *RecordedRequest {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	reqs := wr.received[path]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears recorded deliveries and scripted responses.
func (wr *WebhookReceiver) Reset() {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.responses = make(map[string]*scriptedResponses)
	wr.received = make(map[string][]*RecordedRequest)
}
