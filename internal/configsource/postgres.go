package configsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// PgSource reads the newest config version from the workflow_configs table.
type PgSource struct {
	pool     *pgxpool.Pool
	validate ValidateFunc
}

// NewPgSource creates a PostgreSQL-backed config source.
func NewPgSource(pool *pgxpool.Pool, validate ValidateFunc) *PgSource {
	return &PgSource{pool: pool, validate: validate}
}

// Get loads the highest version stored for the pair.
func (s *PgSource) Get(ctx context.Context, entityCode, orgUnitCode string) (model.WorkflowConfig, error) {
	var (
		version int
		raw     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, config FROM workflow_configs
		WHERE entity_code = $1 AND org_unit_code = $2
		ORDER BY version DESC
		LIMIT 1`,
		entityCode, orgUnitCode,
	).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowConfig{}, model.NewConfigNotFoundError(entityCode, orgUnitCode)
	}
	if err != nil {
		return model.WorkflowConfig{}, model.NewDatabaseError("config.get", err)
	}

	var cfg model.WorkflowConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.WorkflowConfig{}, fmt.Errorf("decode config %s/%s v%d: %w", entityCode, orgUnitCode, version, err)
	}
	cfg.EntityCode = entityCode
	cfg.OrgUnitCode = orgUnitCode
	cfg.Version = strconv.Itoa(version)

	if s.validate != nil {
		if err := s.validate(cfg); err != nil {
			return model.WorkflowConfig{}, fmt.Errorf("config %s/%s v%d: %w", entityCode, orgUnitCode, version, err)
		}
	}
	return cfg, nil
}

// Put stores cfg as the next version for its pair and returns that version.
func (s *PgSource) Put(ctx context.Context, cfg model.WorkflowConfig) (int, error) {
	if s.validate != nil {
		if err := s.validate(cfg); err != nil {
			return 0, err
		}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode config: %w", err)
	}

	var version int
	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflow_configs (entity_code, org_unit_code, version, config)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3
		FROM workflow_configs
		WHERE entity_code = $1 AND org_unit_code = $2
		RETURNING version`,
		cfg.EntityCode, cfg.OrgUnitCode, raw,
	).Scan(&version)
	if err != nil {
		return 0, model.NewDatabaseError("config.put", err)
	}
	return version, nil
}
