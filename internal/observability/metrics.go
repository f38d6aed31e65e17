package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Dispatch metrics
	DispatchTotal *prometheus.CounterVec

	// Workflow metrics
	ActionExecutionsTotal  *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	BatchesTotal           *prometheus.CounterVec
	FunctionFailuresTotal  *prometheus.CounterVec
	DeferredEffectsTotal   *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter

	// Ledger metrics
	LedgerAppendDuration     prometheus.Histogram
	LedgerVerificationsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookRequestsTotal       *prometheus.CounterVec
	WebhookRequestDuration     *prometheus.HistogramVec
	WebhookCircuitBreakerState *prometheus.GaugeVec
	WebhookRetriesTotal        *prometheus.CounterVec

	// Config metrics
	ConfigCacheHitsTotal   prometheus.Counter
	ConfigCacheMissesTotal prometheus.Counter
	ConfigReloadTotal      *prometheus.CounterVec
	ConfigsLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Dispatch
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_dispatch_total",
			Help: "Get-next dispatch outcomes.",
		}, []string{"outcome"}),

		// Workflow
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_action_executions_total",
			Help: "Total number of workflow action executions.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_action_duration_seconds",
			Help:    "Workflow action execution duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_action_batches_total",
			Help: "Total number of action batches.",
		}, []string{"status"}),
		FunctionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_function_failures_total",
			Help: "Pipeline function failures that aborted an action.",
		}, []string{"function"}),
		DeferredEffectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_deferred_effects_total",
			Help: "Post-commit effects by outcome.",
		}, []string{"function", "status"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_idempotent_replays_total",
			Help: "Action submissions answered from the idempotency store.",
		}),

		// Ledger
		LedgerAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseflow_ledger_append_duration_seconds",
			Help:    "Time spent appending to the audit chain, including the meta-row wait.",
			Buckets: actionDurationBuckets,
		}),
		LedgerVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_ledger_verifications_total",
			Help: "Audit chain verification runs by result.",
		}, []string{"result"}),

		// Webhooks
		WebhookRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_webhook_requests_total",
			Help: "Total number of outbound webhook requests.",
		}, []string{"host", "status"}),
		WebhookRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_webhook_request_duration_seconds",
			Help:    "Outbound webhook request duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"host"}),
		WebhookCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_webhook_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"host"}),
		WebhookRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_webhook_retries_total",
			Help: "Total number of webhook retries.",
		}, []string{"host"}),

		// Config
		ConfigCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_config_cache_hits_total",
			Help: "Total workflow config cache hits.",
		}),
		ConfigCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_config_cache_misses_total",
			Help: "Total workflow config cache misses.",
		}),
		ConfigReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_config_reload_total",
			Help: "Total workflow config reloads.",
		}, []string{"status"}),
		ConfigsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_configs_loaded",
			Help: "Number of loaded workflow configs.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Dispatch
		m.DispatchTotal,
		// Workflow
		m.ActionExecutionsTotal,
		m.ActionDuration,
		m.BatchesTotal,
		m.FunctionFailuresTotal,
		m.DeferredEffectsTotal,
		m.IdempotentReplaysTotal,
		// Ledger
		m.LedgerAppendDuration,
		m.LedgerVerificationsTotal,
		// Webhooks
		m.WebhookRequestsTotal,
		m.WebhookRequestDuration,
		m.WebhookCircuitBreakerState,
		m.WebhookRetriesTotal,
		// Config
		m.ConfigCacheHitsTotal,
		m.ConfigCacheMissesTotal,
		m.ConfigReloadTotal,
		m.ConfigsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordDispatch records a get-next outcome (leased, no_teams, no_candidate, error).
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordActionExecution records one action execution.
func (m *Metrics) RecordActionExecution(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(action, status).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordBatch records the outcome of an action batch.
func (m *Metrics) RecordBatch(status string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(status).Inc()
}

// RecordFunctionFailure records a pipeline function that aborted its action.
func (m *Metrics) RecordFunctionFailure(function string) {
	if m == nil {
		return
	}
	m.FunctionFailuresTotal.WithLabelValues(function).Inc()
}

// RecordDeferredEffect records a post-commit effect outcome.
func (m *Metrics) RecordDeferredEffect(function, status string) {
	if m == nil {
		return
	}
	m.DeferredEffectsTotal.WithLabelValues(function, status).Inc()
}

// RecordIdempotentReplay records a submission answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordLedgerAppend records time spent in the ledger critical section.
func (m *Metrics) RecordLedgerAppend(duration time.Duration) {
	if m == nil {
		return
	}
	m.LedgerAppendDuration.Observe(duration.Seconds())
}

// RecordLedgerVerification records a verification run (valid, broken, error).
func (m *Metrics) RecordLedgerVerification(result string) {
	if m == nil {
		return
	}
	m.LedgerVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordWebhookRequest records an outbound webhook attempt.
func (m *Metrics) RecordWebhookRequest(host string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.WebhookRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// SetWebhookCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetWebhookCircuitBreakerState(host string, state float64) {
	if m == nil {
		return
	}
	m.WebhookCircuitBreakerState.WithLabelValues(host).Set(state)
}

// RecordWebhookRetry records a webhook retry.
func (m *Metrics) RecordWebhookRetry(host string) {
	if m == nil {
		return
	}
	m.WebhookRetriesTotal.WithLabelValues(host).Inc()
}

// RecordConfigCacheHit records a workflow config cache hit.
func (m *Metrics) RecordConfigCacheHit() {
	if m == nil {
		return
	}
	m.ConfigCacheHitsTotal.Inc()
}

// RecordConfigCacheMiss records a workflow config cache miss.
func (m *Metrics) RecordConfigCacheMiss() {
	if m == nil {
		return
	}
	m.ConfigCacheMissesTotal.Inc()
}

// RecordConfigReload records a config reload outcome.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.ConfigReloadTotal.WithLabelValues(status).Inc()
}

// SetConfigsLoaded sets the number of loaded workflow configs.
func (m *Metrics) SetConfigsLoaded(count float64) {
	if m == nil {
		return
	}
	m.ConfigsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
