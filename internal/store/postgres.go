package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Failures roll back
// explicitly before the error is returned.
func (s *PgStore) InTx(ctx context.Context, operation string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return model.NewDatabaseError(operation, fmt.Errorf("begin: %w", err))
	}
	// Releases the connection and its row locks if fn panics. A no-op after
	// Commit.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return wrapTxError(operation, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.NewDatabaseError(operation, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// TeamsForUser returns the user's team ids.
func (s *PgStore) TeamsForUser(ctx context.Context, userName string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT team_id FROM team_members
		WHERE user_name = $1
		ORDER BY team_id`,
		userName,
	)
	if err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	teams, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan team members: %w", err)
	}
	return teams, nil
}

// ScanAuditLog streams audit rows ordered by id.
func (s *PgStore) ScanAuditLog(ctx context.Context, fn func(model.AuditLogEntry) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, correlation_id, category, action, actor,
		       target_type, target_id_num, target_id_string,
		       metadata, before_data, after_data,
		       prev_hash, hash, hmac, created_at
		FROM audit_log
		ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.AuditLogEntry
		if err := rows.Scan(
			&e.ID, &e.CorrelationID, &e.Category, &e.Action, &e.Actor,
			&e.TargetType, &e.TargetIDNum, &e.TargetIDString,
			&e.Metadata, &e.BeforeData, &e.AfterData,
			&e.PrevHash, &e.Hash, &e.HMAC, &e.CreatedAt,
		); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AuditHead reads audit_meta.last_hash.
func (s *PgStore) AuditHead(ctx context.Context) (string, error) {
	var head string
	err := s.pool.QueryRow(ctx, `SELECT last_hash FROM audit_meta WHERE id = 1`).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit head: %w", err)
	}
	return head, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgTx implements Tx over a live pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

const caseColumns = `entity_id, entity_code, org_unit_code,
		       assigned_to_team_id, assigned_to_user,
		       lease_user, lease_expires,
		       from_state_code, to_state_code, priority, date_time, data`

func scanCase(row pgx.Row) (model.CaseState, error) {
	var c model.CaseState
	var priority string
	var data []byte
	err := row.Scan(
		&c.EntityID, &c.EntityCode, &c.OrgUnitCode,
		&c.AssignedToTeamID, &c.AssignedToUser,
		&c.LeaseUser, &c.LeaseExpires,
		&c.FromStateCode, &c.ToStateCode, &priority, &c.DateTime, &data,
	)
	if err != nil {
		return model.CaseState{}, err
	}
	c.Priority = model.Priority(priority)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.Data); err != nil {
			return model.CaseState{}, fmt.Errorf("unmarshal case data: %w", err)
		}
	}
	return c, nil
}

func (t *pgTx) SelectLeaseCandidate(ctx context.Context, teamIDs []int64, now time.Time) (model.CaseState, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM case_state
		WHERE assigned_to_team_id = ANY($1)
		  AND (lease_user IS NULL OR lease_expires IS NULL OR lease_expires < $2)
		ORDER BY CASE priority
		           WHEN 'High' THEN 3
		           WHEN 'Medium' THEN 2
		           WHEN 'Low' THEN 1
		           ELSE 0
		         END DESC,
		         date_time ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		teamIDs, now,
	)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseState{}, false, nil
	}
	if err != nil {
		return model.CaseState{}, false, fmt.Errorf("select lease candidate: %w", err)
	}
	return c, true, nil
}

func (t *pgTx) SetLease(ctx context.Context, key model.CaseKey, userName string, expires time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE case_state
		SET lease_user = $1, lease_expires = $2
		WHERE entity_id = $3 AND entity_code = $4`,
		userName, expires, key.EntityID, key.EntityCode,
	)
	if err != nil {
		return fmt.Errorf("set lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %s not found", key))
	}
	return nil
}

func (t *pgTx) LockCase(ctx context.Context, key model.CaseKey) (model.CaseState, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM case_state
		WHERE entity_id = $1 AND entity_code = $2
		FOR UPDATE`,
		key.EntityID, key.EntityCode,
	)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseState{}, model.NewNotFoundError(fmt.Sprintf("case %s not found", key))
	}
	if err != nil {
		return model.CaseState{}, fmt.Errorf("lock case: %w", err)
	}
	return c, nil
}

func (t *pgTx) UpdateCase(ctx context.Context, c model.CaseState) error {
	var data []byte
	if c.Data != nil {
		var err error
		if data, err = json.Marshal(c.Data); err != nil {
			return fmt.Errorf("marshal case data: %w", err)
		}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE case_state
		SET org_unit_code = $1,
		    assigned_to_team_id = $2,
		    assigned_to_user = $3,
		    lease_user = $4,
		    lease_expires = $5,
		    from_state_code = $6,
		    to_state_code = $7,
		    priority = $8,
		    data = $9
		WHERE entity_id = $10 AND entity_code = $11`,
		c.OrgUnitCode, c.AssignedToTeamID, c.AssignedToUser,
		c.LeaseUser, c.LeaseExpires,
		c.FromStateCode, c.ToStateCode, string(c.Priority), data,
		c.EntityID, c.EntityCode,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %s not found", c.Key()))
	}
	return nil
}

func (t *pgTx) LockAuditMeta(ctx context.Context) (string, error) {
	var lastHash string
	err := t.tx.QueryRow(ctx, `SELECT last_hash FROM audit_meta WHERE id = 1 FOR UPDATE`).Scan(&lastHash)
	if err != nil {
		return "", fmt.Errorf("lock audit meta: %w", err)
	}
	return lastHash, nil
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *model.AuditLogEntry) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO audit_log (
			correlation_id, category, action, actor,
			target_type, target_id_num, target_id_string,
			metadata, before_data, after_data,
			prev_hash, hash, hmac, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		)
		RETURNING id`,
		e.CorrelationID, e.Category, e.Action, e.Actor,
		e.TargetType, e.TargetIDNum, e.TargetIDString,
		e.Metadata, e.BeforeData, e.AfterData,
		e.PrevHash, e.Hash, e.HMAC, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAuditMeta(ctx context.Context, lastHash string) error {
	_, err := t.tx.Exec(ctx, `UPDATE audit_meta SET last_hash = $1, updated_at = now() WHERE id = 1`, lastHash)
	if err != nil {
		return fmt.Errorf("update audit meta: %w", err)
	}
	return nil
}

func (t *pgTx) InsertDocument(ctx context.Context, d model.Document) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO case_documents (
			id, entity_id, entity_code, file_name, content_type,
			size, content, uploaded_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.EntityID, d.EntityCode, d.FileName, d.ContentType,
		d.Size, d.Content, d.UploadedBy, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}
