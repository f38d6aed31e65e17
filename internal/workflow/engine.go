// Package workflow executes configured actions against cases: it validates the
// transition, runs the action's function pipeline over a shared context, and
// records the result in the audit ledger, all inside one transaction.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Transaction operation names carried by DATABASE_ERROR.
const (
	OpExecute = "workflow.execute"
	OpBatch   = "workflow.batch"
)

const defaultEffectTimeout = 10 * time.Second

// ConfigSource provides the workflow config for an entity code and org unit.
type ConfigSource interface {
	Get(ctx context.Context, entityCode, orgUnitCode string) (model.WorkflowConfig, error)
}

// Engine executes workflow actions.
type Engine struct {
	store         store.Store
	configs       ConfigSource
	ledger        *audit.Ledger
	registry      *Registry
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	effectTimeout time.Duration

	sensitiveFields []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEffectTimeout bounds each post-commit effect.
func WithEffectTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.effectTimeout = d
		}
	}
}

// WithSensitiveFields adds input names redacted from debug logs.
func WithSensitiveFields(fields ...string) Option {
	return func(e *Engine) { e.sensitiveFields = append(e.sensitiveFields, fields...) }
}

// NewEngine creates a new workflow engine.
func NewEngine(
	st store.Store,
	configs ConfigSource,
	ledger *audit.Ledger,
	registry *Registry,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:         st,
		configs:       configs,
		ledger:        ledger,
		registry:      registry,
		logger:        zap.NewNop(),
		now:           time.Now,
		effectTimeout: defaultEffectTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteAction runs one action against one case and returns the rendered
// redirect URL, which may be empty.
func (e *Engine) ExecuteAction(ctx context.Context, rctx *model.RequestContext, req model.ActionRequest) (string, error) {
	if err := requireUser(rctx); err != nil {
		return "", err
	}
	if err := validateRequest(req); err != nil {
		return "", err
	}
	cfg, err := e.configs.Get(ctx, req.EntityCode, req.OrgUnitCode)
	if err != nil {
		return "", err
	}
	action, ok := cfg.FindAction(req.ActionCode)
	if !ok {
		return "", model.NewActionNotFoundError(req.ActionCode, req.EntityCode, req.OrgUnitCode)
	}
	return e.execute(ctx, rctx, cfg, action, req)
}

// ExecuteGetAction runs the get-triggered action leaving the case's current
// state. Used by the lease queue after a case has been leased.
func (e *Engine) ExecuteGetAction(ctx context.Context, rctx *model.RequestContext, c model.CaseState) (string, error) {
	if err := requireUser(rctx); err != nil {
		return "", err
	}
	cfg, err := e.configs.Get(ctx, c.EntityCode, c.OrgUnitCode)
	if err != nil {
		return "", err
	}
	action, ok := cfg.FindGetAction(c.ToStateCode)
	if !ok {
		return "", model.NewNoGetActionError(c.EntityCode, c.OrgUnitCode, c.ToStateCode)
	}
	return e.execute(ctx, rctx, cfg, action, model.ActionRequest{
		EntityCode:  c.EntityCode,
		EntityID:    c.EntityID,
		OrgUnitCode: c.OrgUnitCode,
		ActionCode:  action.Code,
	})
}

func (e *Engine) execute(
	ctx context.Context,
	rctx *model.RequestContext,
	cfg model.WorkflowConfig,
	action model.Action,
	req model.ActionRequest,
) (string, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		append(observability.CaseAttributes(req.EntityCode, req.OrgUnitCode, req.EntityID),
			observability.AttrAction.String(action.Code))...,
	)
	start := e.now()
	correlationID := correlationIDFor(rctx)

	var res applied
	err := e.store.InTx(ctx, OpExecute, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.apply(ctx, tx, rctx, correlationID, cfg, action, req)
		return err
	})
	observability.EndSpanWithError(span, err)
	e.metrics.RecordActionExecution(action.Code, statusLabel(err), e.now().Sub(start))

	logger := e.requestLogger(ctx).With(observability.CaseFields(req.Key(), req.OrgUnitCode)...)
	if err != nil {
		e.logFailure(logger, err, "action failed", zap.String("action", action.Code))
		return "", err
	}

	logger.Info("action executed",
		zap.String("action", action.Code),
		zap.String("from_state", action.FromStateCode),
		zap.String("to_state", action.ToStateCode),
		zap.Int64("audit_id", res.auditID),
	)
	e.runDeferred(ctx, res.deferred)
	return res.redirect, nil
}

// ExecuteBatch runs several actions sequentially in one transaction. All
// requests must share an entity code and org unit. On failure the whole batch
// rolls back; the redirect URLs collected before the failing action are
// returned with the error.
func (e *Engine) ExecuteBatch(ctx context.Context, rctx *model.RequestContext, reqs []model.ActionRequest) ([]string, error) {
	if err := requireUser(rctx); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, model.NewBadRequestError("at least one action is required")
	}
	for _, req := range reqs {
		if err := validateRequest(req); err != nil {
			return nil, err
		}
	}
	first := reqs[0]
	for _, req := range reqs[1:] {
		if req.EntityCode != first.EntityCode || req.OrgUnitCode != first.OrgUnitCode {
			return nil, model.NewNotUniqueError()
		}
	}

	cfg, err := e.configs.Get(ctx, first.EntityCode, first.OrgUnitCode)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "workflow.batch",
		observability.AttrEntityCode.String(first.EntityCode),
		observability.AttrOrgUnitCode.String(first.OrgUnitCode),
		observability.AttrBatchSize.Int(len(reqs)),
	)
	correlationID := correlationIDFor(rctx)

	urls := make([]string, 0, len(reqs))
	var effects []deferredCall
	err = e.store.InTx(ctx, OpBatch, func(ctx context.Context, tx store.Tx) error {
		for i, req := range reqs {
			action, ok := cfg.FindAction(req.ActionCode)
			if !ok {
				return model.NewActionNotFoundError(req.ActionCode, req.EntityCode, req.OrgUnitCode)
			}
			start := e.now()
			res, err := e.apply(ctx, tx, rctx, correlationID, cfg, action, req)
			e.metrics.RecordActionExecution(action.Code, statusLabel(err), e.now().Sub(start))
			if err != nil {
				return fmt.Errorf("action %d (%s): %w", i+1, req.ActionCode, err)
			}
			if res.redirect != "" {
				urls = append(urls, res.redirect)
			}
			effects = append(effects, res.deferred...)
		}
		return nil
	})
	observability.EndSpanWithError(span, err)
	e.metrics.RecordBatch(statusLabel(err))

	logger := e.requestLogger(ctx)
	if err != nil {
		e.logFailure(logger, err, "action batch rolled back",
			zap.String("entity_code", first.EntityCode),
			zap.Int("batch_size", len(reqs)),
		)
		return urls, err
	}

	logger.Info("action batch committed",
		zap.String("entity_code", first.EntityCode),
		zap.Int("batch_size", len(reqs)),
	)
	e.runDeferred(ctx, effects)
	return urls, nil
}

// applied is the in-transaction result of one action.
type applied struct {
	redirect string
	auditID  int64
	deferred []deferredCall
}

// apply executes one action inside tx: precondition check, pipeline, state
// update, and the audit entry.
func (e *Engine) apply(
	ctx context.Context,
	tx store.Tx,
	rctx *model.RequestContext,
	correlationID string,
	cfg model.WorkflowConfig,
	action model.Action,
	req model.ActionRequest,
) (applied, error) {
	current, err := tx.LockCase(ctx, req.Key())
	if err != nil {
		return applied{}, err
	}
	// The config was chosen by the request's org unit; it only applies to
	// cases stored under that org unit.
	if current.OrgUnitCode != req.OrgUnitCode {
		return applied{}, model.NewValidationError([]model.FieldError{{
			Field:   "orgUnitCode",
			Code:    "MISMATCH",
			Message: fmt.Sprintf("case %s/%d belongs to org unit %q", current.EntityCode, current.EntityID, current.OrgUnitCode),
		}})
	}
	if current.ToStateCode != action.FromStateCode {
		return applied{}, model.NewInvalidStateTransitionError(action.Code, action.FromStateCode, current.ToStateCode)
	}

	actx := newActionContext(SystemFields{
		UserName:      rctx.UserName,
		CorrelationID: correlationID,
		ActionCode:    action.Code,
		EntityID:      current.EntityID,
		EntityCode:    current.EntityCode,
		OrgUnitCode:   current.OrgUnitCode,
		FromStateCode: action.FromStateCode,
		ToStateCode:   action.ToStateCode,
		Now:           e.now().UTC(),
	}, current, req.Data, req.EntityData)

	if err := e.runPipeline(ctx, tx, actx, action); err != nil {
		return applied{}, err
	}

	after := actx.Case
	after.EntityID = current.EntityID
	after.EntityCode = current.EntityCode
	after.FromStateCode = current.ToStateCode
	after.ToStateCode = action.ToStateCode
	if err := tx.UpdateCase(ctx, after); err != nil {
		return applied{}, err
	}

	entityID := current.EntityID
	appendStart := e.now()
	row, err := e.ledger.Append(ctx, tx, rctx.UserName, model.AuditEntry{
		CorrelationID: correlationID,
		Category:      model.AuditCategoryWorkflow,
		Action:        action.Code,
		TargetType:    current.EntityCode,
		TargetIDNum:   &entityID,
		Metadata:      auditMetadata(cfg, action),
		BeforeData:    current.Snapshot(),
		AfterData:     after.Snapshot(),
	})
	e.metrics.RecordLedgerAppend(e.now().Sub(appendStart))
	if err != nil {
		return applied{}, err
	}

	return applied{
		redirect: renderRedirect(action.RedirectURL, NewResolver(actx)),
		auditID:  row.ID,
		deferred: actx.deferred,
	}, nil
}

func auditMetadata(cfg model.WorkflowConfig, action model.Action) map[string]any {
	fns := action.OrderedFunctions()
	codes := make([]any, len(fns))
	for i, fn := range fns {
		codes[i] = fn.Code
	}
	meta := map[string]any{
		"org_unit_code": cfg.OrgUnitCode,
		"trigger":       action.Trigger,
		"functions":     codes,
	}
	if cfg.Version != "" {
		meta["config_version"] = cfg.Version
	}
	return meta
}

func validateRequest(req model.ActionRequest) error {
	var details []model.FieldError
	if req.EntityCode == "" {
		details = append(details, model.FieldError{Field: "entityCode", Code: "REQUIRED", Message: "entityCode is required"})
	}
	if req.EntityID <= 0 {
		details = append(details, model.FieldError{Field: "entityId", Code: "REQUIRED", Message: "entityId must be positive"})
	}
	if req.OrgUnitCode == "" {
		details = append(details, model.FieldError{Field: "orgUnitCode", Code: "REQUIRED", Message: "orgUnitCode is required"})
	}
	if req.ActionCode == "" {
		details = append(details, model.FieldError{Field: "actionCode", Code: "REQUIRED", Message: "actionCode is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func requireUser(rctx *model.RequestContext) error {
	if rctx == nil || rctx.UserName == "" {
		return model.NewUnauthorizedError("an authenticated user is required")
	}
	return nil
}

func correlationIDFor(rctx *model.RequestContext) string {
	if rctx != nil && rctx.CorrelationID != "" {
		return rctx.CorrelationID
	}
	return uuid.NewString()
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	if env, ok := model.AsEnvelope(err); ok {
		return env.Code
	}
	return "error"
}

func (e *Engine) requestLogger(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, e.logger)
}

// logFailure logs database failures at error level and everything else,
// being caller-visible outcomes, at warn.
func (e *Engine) logFailure(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if model.HasCode(err, model.ErrDatabaseError) {
		logger.Error(msg, fields...)
		return
	}
	logger.Warn(msg, fields...)
}
