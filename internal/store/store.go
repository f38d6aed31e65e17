// Package store is the relational coordination point for case dispatch,
// workflow transitions, and the audit ledger. All cross-request coordination
// happens through its transactions and row locks.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Store opens transactions and serves the few reads that run outside one.
type Store interface {
	// InTx runs fn inside one transaction. If fn returns an error the
	// transaction is rolled back and the error is returned; envelope errors
	// pass through unchanged, anything else is wrapped as DATABASE_ERROR
	// carrying operation.
	InTx(ctx context.Context, operation string, fn func(ctx context.Context, tx Tx) error) error

	// TeamsForUser returns the ids of the teams a user belongs to.
	TeamsForUser(ctx context.Context, userName string) ([]int64, error)

	// ScanAuditLog streams audit rows in insertion order.
	ScanAuditLog(ctx context.Context, fn func(model.AuditLogEntry) error) error

	// AuditHead returns the committed audit_meta last_hash without locking.
	AuditHead(ctx context.Context) (string, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Tx is the set of row-level operations available inside a transaction.
type Tx interface {
	CaseTx
	AuditTx
	DocumentTx
}

// CaseTx covers case_state rows.
type CaseTx interface {
	// SelectLeaseCandidate locks and returns the first eligible case for the
	// given teams: unleased or lease expired before now, highest priority
	// first, then oldest date_time. Rows locked by other transactions are
	// skipped rather than waited on. ok is false when nothing is eligible.
	SelectLeaseCandidate(ctx context.Context, teamIDs []int64, now time.Time) (c model.CaseState, ok bool, err error)

	// SetLease records the lease holder and expiry on a locked case.
	SetLease(ctx context.Context, key model.CaseKey, userName string, expires time.Time) error

	// LockCase locks a case row for update, waiting for other holders.
	// Returns NOT_FOUND when the case does not exist.
	LockCase(ctx context.Context, key model.CaseKey) (model.CaseState, error)

	// UpdateCase persists assignment, lease, state, priority and data fields.
	UpdateCase(ctx context.Context, c model.CaseState) error
}

// AuditTx covers the audit_log table and the audit_meta singleton.
type AuditTx interface {
	// LockAuditMeta takes the exclusive, blocking lock on the meta row and
	// returns last_hash. The lock is held until the transaction ends.
	LockAuditMeta(ctx context.Context) (string, error)

	// InsertAuditEntry appends a row and sets entry.ID.
	InsertAuditEntry(ctx context.Context, entry *model.AuditLogEntry) error

	// UpdateAuditMeta sets last_hash on the meta row.
	UpdateAuditMeta(ctx context.Context, lastHash string) error
}

// DocumentTx covers files attached to cases.
type DocumentTx interface {
	InsertDocument(ctx context.Context, doc model.Document) error
}

// wrapTxError keeps envelope errors intact and wraps everything else as a
// database error for the given operation.
func wrapTxError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewDatabaseError(operation, err)
}
