package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler

	Dispatcher Dispatcher
	Executor   BatchExecutor
	Verify     ChainVerifier

	// Idempotency is optional; without it X-Idempotency-Key is ignored.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.UserClaim))
		r.Use(MaxBody(deps.Config.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Dispatcher != nil {
			r.Post("/get_next", handleGetNext(deps.Dispatcher))
		}
		if deps.Executor != nil {
			r.Method(http.MethodPost, "/workflow", &workflowHandler{
				exec:    deps.Executor,
				idem:    deps.Idempotency,
				idemTTL: deps.IdempotencyTTL,
				logger:  logger,
				metrics: deps.Metrics,
			})
		}
		if deps.Verify != nil {
			r.Get("/admin/audit/verify", handleVerifyAudit(deps.Verify, logger, deps.Metrics))
		}
	})

	return r
}
