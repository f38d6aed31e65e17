// Package queue hands investigators their next case. A candidate is leased in
// a short transaction using skip-locked selection, then its get-triggered
// action runs through the workflow engine.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// OpLease is the transaction operation name carried by DATABASE_ERROR.
const OpLease = "queue.lease"

const defaultLeaseTTL = 60 * time.Second

// Dispatch outcome labels for metrics.
const (
	outcomeLeased      = "leased"
	outcomeNoTeams     = "no_teams"
	outcomeNoCandidate = "no_candidate"
	outcomeError       = "error"
)

// GetActionRunner runs the get-triggered action for a freshly leased case.
type GetActionRunner interface {
	ExecuteGetAction(ctx context.Context, rctx *model.RequestContext, c model.CaseState) (string, error)
}

// LeaseQueue distributes cases to investigators.
type LeaseQueue struct {
	store   store.Store
	runner  GetActionRunner
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a LeaseQueue.
type Option func(*LeaseQueue)

// WithLeaseTTL sets how long a lease is held.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *LeaseQueue) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *LeaseQueue) { q.now = now }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *LeaseQueue) { q.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *LeaseQueue) { q.metrics = m }
}

// NewLeaseQueue creates a lease queue.
func NewLeaseQueue(st store.Store, runner GetActionRunner, opts ...Option) *LeaseQueue {
	q := &LeaseQueue{
		store:  st,
		runner: runner,
		ttl:    defaultLeaseTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestNext leases the highest-priority, oldest eligible case visible to
// the user's teams and runs its get action. Having no teams or no candidate
// is a normal outcome reported in the result code.
func (q *LeaseQueue) RequestNext(ctx context.Context, rctx *model.RequestContext) (model.DispatchResult, error) {
	if rctx == nil || rctx.UserName == "" {
		return model.DispatchResult{}, model.NewUnauthorizedError("an authenticated user is required")
	}
	ctx, span := observability.StartSpan(ctx, "queue.request_next",
		observability.RequestAttributes(rctx)...,
	)
	logger := observability.RequestLogger(ctx, q.logger)

	res, err := q.requestNext(ctx, rctx, logger)
	if err == nil {
		span.SetAttributes(observability.AttrDispatchCode.Int(res.Code))
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (q *LeaseQueue) requestNext(ctx context.Context, rctx *model.RequestContext, logger *zap.Logger) (model.DispatchResult, error) {
	teams, err := q.store.TeamsForUser(ctx, rctx.UserName)
	if err != nil {
		q.metrics.RecordDispatch(outcomeError)
		return model.DispatchResult{}, model.NewDatabaseError(OpLease, err)
	}
	if len(teams) == 0 {
		q.metrics.RecordDispatch(outcomeNoTeams)
		logger.Info("dispatch: user has no teams")
		return model.DispatchResult{Code: model.DispatchNoTeams, Message: "You are not a member of any team"}, nil
	}

	leased, ok, err := q.lease(ctx, rctx.UserName, teams)
	if err != nil {
		q.metrics.RecordDispatch(outcomeError)
		logger.Error("dispatch: lease failed", zap.Error(err))
		return model.DispatchResult{}, err
	}
	if !ok {
		q.metrics.RecordDispatch(outcomeNoCandidate)
		logger.Info("dispatch: no eligible case", zap.Int64s("teams", teams))
		return model.DispatchResult{Code: model.DispatchNoCandidate, Message: "No cases are waiting for your teams"}, nil
	}
	q.metrics.RecordDispatch(outcomeLeased)
	logger.Info("dispatch: case leased", append(observability.CaseFields(leased.Key(), leased.OrgUnitCode),
		zap.String("priority", string(leased.Priority)),
		zap.Timep("lease_expires", leased.LeaseExpires),
	)...)

	// The lease is committed; a failing get action leaves it to expire.
	url, err := q.runner.ExecuteGetAction(ctx, rctx, leased)
	if err != nil {
		return model.DispatchResult{}, err
	}
	return model.DispatchResult{
		Code:        model.DispatchLeased,
		RedirectURL: url,
		Case:        &leased,
	}, nil
}

// lease claims one candidate in its own transaction.
func (q *LeaseQueue) lease(ctx context.Context, userName string, teams []int64) (model.CaseState, bool, error) {
	var (
		leased model.CaseState
		found  bool
	)
	err := q.store.InTx(ctx, OpLease, func(ctx context.Context, tx store.Tx) error {
		now := q.now().UTC()
		c, ok, err := tx.SelectLeaseCandidate(ctx, teams, now)
		if err != nil || !ok {
			return err
		}
		expires := now.Add(q.ttl)
		if err := tx.SetLease(ctx, c.Key(), userName, expires); err != nil {
			return err
		}
		c.LeaseUser = &userName
		c.LeaseExpires = &expires
		leased, found = c, true
		return nil
	})
	return leased, found, err
}
