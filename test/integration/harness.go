// Package integration provides a reusable test harness for end-to-end
// integration testing of the caseflow server. It starts a full HTTP server
// backed by the in-memory store, a webhook receiver, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/configsource"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/notify"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/queue"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

const (
	// TeamReviewers is the team seeded cases are assigned to.
	TeamReviewers int64 = 10
	// TeamOnboarding owns the KYC cases.
	TeamOnboarding int64 = 20

	auditSecret       = "integration-audit-secret"
	webhookSigningKey = "integration-webhook-key"
)

// TestHarness encapsulates a fully wired caseflow instance with a webhook
// receiver for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store       *store.MemoryStore
	Ledger      *audit.Ledger
	Configs     *configsource.FileSource
	Engine      *workflow.Engine
	Queue       *queue.LeaseQueue
	Idempotency *idempotency.MemoryStore
	Metrics     *observability.Metrics
	Webhooks    *WebhookReceiver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	workflowDirs       []string
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	leaseTTL           time.Duration
	webhookAttempts    int
	clock              func() time.Time
}

// WithWorkflows sets the workflow config directories to load.
func WithWorkflows(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.workflowDirs = dirs
	}
}

// WithoutIdempotency disables X-Idempotency-Key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLeaseTTL sets how long a dispatched case stays leased.
func WithLeaseTTL(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.leaseTTL = d
	}
}

// WithWebhookAttempts sets the webhook delivery attempt budget.
func WithWebhookAttempts(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.webhookAttempts = n
	}
}

// WithClock replaces the lease clock.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.clock = now
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		idempotencyEnabled: true,
		handlerTimeout:     10 * time.Second,
		leaseTTL:           time.Minute,
		webhookAttempts:    1,
		clock:              time.Now,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Start the webhook receiver so workflow configs can point at it.
	h.Webhooks = newWebhookReceiver(t)

	// Step 2: Copy workflow configs into a temp dir with the receiver URL.
	if len(hc.workflowDirs) == 0 {
		hc.workflowDirs = []string{filepath.Join(testdataDir(), "workflows")}
	}
	dirs := make([]string, len(hc.workflowDirs))
	for i, dir := range hc.workflowDirs {
		dirs[i] = rewriteWorkflowDir(t, dir, h.Webhooks.URL())
	}

	// Step 3: Build config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.MaxBodyBytes = 1 << 20
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		UserClaim:    "sub",
	}
	h.cfg.Webhook.Enabled = true
	h.cfg.Webhook.Retry.MaxAttempts = hc.webhookAttempts
	h.cfg.Webhook.Retry.BackoffInitial = 5 * time.Millisecond
	h.cfg.Webhook.Retry.BackoffMax = 20 * time.Millisecond

	// Step 4: Build the in-memory store and ledger.
	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Store = store.NewMemoryStore()

	ledger, err := audit.NewLedger([]byte(auditSecret))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	h.Ledger = ledger

	// Step 5: Build the function registry.
	registry := workflow.NewRegistry()
	workflow.RegisterBuiltins(registry, workflow.BuiltinDeps{
		Notifier: notify.NewLogNotifier(logger),
		Webhooks: webhook.NewClient(h.cfg.Webhook,
			webhook.WithSigningKey([]byte(webhookSigningKey)),
			webhook.WithLogger(logger),
			webhook.WithMetrics(h.Metrics),
		),
	})

	// Step 6: Load workflow configs.
	h.Configs, err = configsource.NewFileSource(dirs, workflow.Validator(registry))
	if err != nil {
		t.Fatalf("load workflow configs: %v", err)
	}
	configs := configsource.NewCache(h.Configs, time.Minute, configsource.WithMetrics(h.Metrics))

	// Step 7: Build the engine and lease queue.
	h.Engine = workflow.NewEngine(h.Store, configs, ledger, registry,
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
		workflow.WithEffectTimeout(5*time.Second),
		workflow.WithSensitiveFields("ssn"),
	)
	h.Queue = queue.NewLeaseQueue(h.Store, h.Engine,
		queue.WithLeaseTTL(hc.leaseTTL),
		queue.WithClock(hc.clock),
		queue.WithLogger(logger),
		queue.WithMetrics(h.Metrics),
	)

	var idem idempotency.Store
	if hc.idempotencyEnabled {
		h.Idempotency = idempotency.NewMemoryStore()
		idem = h.Idempotency
	}

	// Step 8: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Metrics:        h.Metrics,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Dispatcher:     h.Queue,
		Executor:       h.Engine,
		Idempotency:    idem,
		IdempotencyTTL: time.Hour,
		Verify: func(ctx context.Context) (model.VerificationReport, error) {
			return ledger.Verify(ctx, h.Store)
		},
		Readiness: observability.ReadinessChecks{
			Store:         h.Store,
			ConfigsLoaded: func() bool { return h.Configs.Len() > 0 },
		},
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// rewriteWorkflowDir copies the YAML files in dir to a temp dir, replacing
// the webhook receiver placeholder with its real URL.
func rewriteWorkflowDir(t *testing.T, dir, webhookURL string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read workflow dir %s: %v", dir, err)
	}
	tmp := t.TempDir()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("read workflow %s: %v", e.Name(), err)
		}
		content := strings.ReplaceAll(string(data), "{{WEBHOOK_URL}}", webhookURL)
		if err := os.WriteFile(filepath.Join(tmp, e.Name()), []byte(content), 0o644); err != nil {
			t.Fatalf("write workflow %s: %v", e.Name(), err)
		}
	}
	return tmp
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed by an unknown key.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- Fixtures ---

// SeedCase stores a case assigned to team in the given state.
func (h *TestHarness) SeedCase(entityCode, orgUnitCode string, id int64, state string, team int64, priority model.Priority, age time.Duration) model.CaseKey {
	h.t.Helper()
	c := model.CaseState{
		EntityID:         id,
		EntityCode:       entityCode,
		OrgUnitCode:      orgUnitCode,
		AssignedToTeamID: &team,
		ToStateCode:      state,
		Priority:         priority,
		DateTime:         time.Now().Add(-age).UTC(),
		Data:             map[string]any{"source": "screening"},
	}
	h.Store.PutCase(c)
	return c.Key()
}

// SeedAlert stores an ALERT/AML case for the reviewers team.
func (h *TestHarness) SeedAlert(id int64, state string, priority model.Priority, age time.Duration) model.CaseKey {
	h.t.Helper()
	return h.SeedCase("ALERT", "AML", id, state, TeamReviewers, priority, age)
}

// Case returns the stored case or fails the test.
func (h *TestHarness) Case(key model.CaseKey) model.CaseState {
	h.t.Helper()
	c, ok := h.Store.Case(key)
	if !ok {
		h.t.Fatalf("case %s not found", key)
	}
	return c
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// GetNext requests the next case for the token's user.
func (h *TestHarness) GetNext(token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", "/get_next", nil, token, nil)
}

// Workflow posts a batch of actions to /workflow.
func (h *TestHarness) Workflow(token string, actions ...model.ActionRequest) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", "/workflow", actions, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error.code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// ReviewerClaims returns TestClaims for a member of the reviewers team.
func ReviewerClaims() TestClaims {
	return TestClaims{UserName: "rita.reviewer", Email: "rita@bank.example.com"}
}

// SecondReviewerClaims returns TestClaims for another reviewers team member.
func SecondReviewerClaims() TestClaims {
	return TestClaims{UserName: "sam.reviewer", Email: "sam@bank.example.com"}
}

// OutsiderClaims returns TestClaims for a user with no team memberships.
func OutsiderClaims() TestClaims {
	return TestClaims{UserName: "olly.outsider", Email: "olly@bank.example.com"}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// Action builds an ALERT/AML action request.
func Action(id int64, action string, data map[string]any) model.ActionRequest {
	return model.ActionRequest{
		EntityCode:  "ALERT",
		EntityID:    id,
		OrgUnitCode: "AML",
		ActionCode:  action,
		Data:        data,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
