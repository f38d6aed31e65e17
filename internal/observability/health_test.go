package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store:            &mockHealthChecker{},
		ConfigsLoaded:    func() bool { return true },
		IdempotencyStore: &mockHealthChecker{},
		Redis:            HealthCheckFunc(func(context.Context) error { return nil }),
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_failures(t *testing.T) {
	tests := []struct {
		name    string
		checks  ReadinessChecks
		failing string
		message string
	}{
		{
			name:    "store down",
			checks:  ReadinessChecks{Store: &mockHealthChecker{err: errors.New("connection refused")}},
			failing: "store",
			message: "connection refused",
		},
		{
			name:    "store missing",
			checks:  ReadinessChecks{},
			failing: "store",
			message: "store not configured",
		},
		{
			name: "no configs",
			checks: ReadinessChecks{
				Store:         &mockHealthChecker{},
				ConfigsLoaded: func() bool { return false },
			},
			failing: "workflow_configs",
			message: "no workflow configs loaded",
		},
		{
			name: "idempotency store down",
			checks: ReadinessChecks{
				Store:            &mockHealthChecker{},
				IdempotencyStore: &mockHealthChecker{err: errors.New("redis timeout")},
			},
			failing: "idempotency_store",
			message: "redis timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			got := resp.Checks[tt.failing]
			if got.Status != "error" || got.Error != tt.message {
				t.Errorf("%s = %+v, want error %q", tt.failing, got, tt.message)
			}
		})
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{Store: &mockHealthChecker{}})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1 (store only)", len(resp.Checks))
	}
	for _, name := range []string{"workflow_configs", "idempotency_store", "redis"} {
		if _, ok := resp.Checks[name]; ok {
			t.Errorf("%s should not be in checks when nil", name)
		}
	}
}

func TestRunCheck_timeout(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := runCheck(ctx, slow); got.Status != "error" {
		t.Errorf("runCheck on canceled context = %+v, want error", got)
	}
}
