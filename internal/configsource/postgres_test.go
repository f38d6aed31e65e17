package configsource

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
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

	require.NoError(t, store.NewPgStore(pool).Migrate(ctx))
	return pool
}

func claimConfig(toState string) model.WorkflowConfig {
	return model.WorkflowConfig{
		EntityCode:  "CLAIM",
		OrgUnitCode: "OU1",
		States:      []model.State{{Code: "NEW"}, {Code: toState}},
		Actions: []model.Action{{
			Code:          "open",
			Trigger:       model.TriggerGet,
			FromStateCode: "NEW",
			ToStateCode:   toState,
		}},
	}
}

func TestPgSource_putThenGetReturnsNewestVersion(t *testing.T) {
	src := NewPgSource(newTestPool(t), nil)
	ctx := context.Background()

	v1, err := src.Put(ctx, claimConfig("IN_REVIEW"))
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	v2, err := src.Put(ctx, claimConfig("TRIAGE"))
	require.NoError(t, err)
	require.Equal(t, 2, v2)

	cfg, err := src.Get(ctx, "CLAIM", "OU1")
	require.NoError(t, err)
	require.Equal(t, "2", cfg.Version)
	require.Equal(t, "TRIAGE", cfg.Actions[0].ToStateCode)
}

func TestPgSource_missingPair(t *testing.T) {
	src := NewPgSource(newTestPool(t), nil)

	_, err := src.Get(context.Background(), "CLAIM", "NOPE")
	require.True(t, model.HasCode(err, model.ErrConfigNotFound), "err = %v", err)
}

func TestPgSource_putRejectsInvalidConfig(t *testing.T) {
	rejected := errors.New("rejected")
	src := NewPgSource(newTestPool(t), func(model.WorkflowConfig) error { return rejected })

	_, err := src.Put(context.Background(), claimConfig("IN_REVIEW"))
	require.ErrorIs(t, err, rejected)
}
