package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pitabwire/caseflow/model"
)

// newTestPgStore starts a disposable PostgreSQL container. Skipped in -short
// mode and when no container runtime is available.
func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("caseflow"),
		tcpostgres.WithUsername("caseflow"),
		tcpostgres.WithPassword("caseflow"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPgStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedPgCase(t *testing.T, s *PgStore, id int64, team int64, priority model.Priority, at time.Time) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO case_state (entity_id, entity_code, org_unit_code, assigned_to_team_id,
		                        to_state_code, priority, date_time)
		VALUES ($1, 'CLAIM', 'OU1', $2, 'NEW', $3, $4)`,
		id, team, string(priority), at)
	require.NoError(t, err)
}

func TestPgStore_leaseSelectionSkipsLockedRows(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seedPgCase(t, s, 1, 10, model.PriorityLow, now.Add(-3*time.Hour))
	seedPgCase(t, s, 2, 10, model.PriorityHigh, now.Add(-time.Hour))
	seedPgCase(t, s, 3, 10, model.PriorityHigh, now.Add(-2*time.Hour))
	_, err := s.pool.Exec(ctx, `INSERT INTO team_members (team_id, user_name) VALUES (10, 'alice'), (10, 'bob')`)
	require.NoError(t, err)

	teams, err := s.TeamsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{10}, teams)

	const workers = 3
	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.InTx(ctx, "test.lease", func(ctx context.Context, tx Tx) error {
				c, ok, err := tx.SelectLeaseCandidate(ctx, teams, now)
				if err != nil || !ok {
					return err
				}
				mu.Lock()
				got = append(got, c.EntityID)
				mu.Unlock()
				return tx.SetLease(ctx, c.Key(), "worker", now.Add(time.Minute))
			})
			if err != nil {
				t.Errorf("InTx: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.ElementsMatch(t, []int64{1, 2, 3}, got, "each worker leased a distinct case")
}

func TestPgStore_auditChainRoundTrip(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Microsecond)

	err := s.InTx(ctx, "test.audit", func(ctx context.Context, tx Tx) error {
		prev, err := tx.LockAuditMeta(ctx)
		if err != nil {
			return err
		}
		e := &model.AuditLogEntry{
			Category:   model.AuditCategoryWorkflow,
			Action:     "triage",
			Actor:      "alice",
			TargetType: "CLAIM",
			AfterData:  []byte(`{"state":"IN_REVIEW"}`),
			PrevHash:   prev,
			Hash:       "abc",
			HMAC:       "def",
			CreatedAt:  created,
		}
		if err := tx.InsertAuditEntry(ctx, e); err != nil {
			return err
		}
		return tx.UpdateAuditMeta(ctx, e.Hash)
	})
	require.NoError(t, err)

	var rows []model.AuditLogEntry
	require.NoError(t, s.ScanAuditLog(ctx, func(e model.AuditLogEntry) error {
		rows = append(rows, e)
		return nil
	}))
	require.Len(t, rows, 1)
	require.Equal(t, "", rows[0].PrevHash)
	require.True(t, created.Equal(rows[0].CreatedAt))
	require.JSONEq(t, `{"state":"IN_REVIEW"}`, string(rows[0].AfterData))

	head, err := s.AuditHead(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", head)
}

func TestPgStore_rollbackWrapsDatabaseError(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()
	seedPgCase(t, s, 1, 10, model.PriorityHigh, time.Now().UTC())

	err := s.InTx(ctx, "test.broken", func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCase(ctx, model.CaseKey{EntityID: 1, EntityCode: "CLAIM"})
		if err != nil {
			return err
		}
		c.ToStateCode = "CLOSED"
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		if _, err := tx.LockAuditMeta(ctx); err != nil {
			return err
		}
		return errors.New("pipeline exploded")
	})
	env, ok := model.AsEnvelope(err)
	require.True(t, ok)
	require.Equal(t, model.ErrDatabaseError, env.Code)
	require.Equal(t, "test.broken", env.Operation)

	var state string
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT to_state_code FROM case_state WHERE entity_id = 1`).Scan(&state))
	require.Equal(t, "NEW", state)
}

func TestPgStore_panicReleasesRowLocks(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()
	seedPgCase(t, s, 1, 10, model.PriorityHigh, time.Now().UTC())
	key := model.CaseKey{EntityID: 1, EntityCode: "CLAIM"}

	require.PanicsWithValue(t, "handler bug", func() {
		_ = s.InTx(ctx, "test.panic", func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockCase(ctx, key); err != nil {
				return err
			}
			if _, err := tx.LockAuditMeta(ctx); err != nil {
				return err
			}
			panic("handler bug")
		})
	})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.InTx(waitCtx, "test.after", func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockCase(ctx, key); err != nil {
			return err
		}
		_, err := tx.LockAuditMeta(ctx)
		return err
	})
	require.NoError(t, err, "row locks must be released after a panic")
}
