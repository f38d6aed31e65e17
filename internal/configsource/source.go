// Package configsource loads workflow configs from YAML directories or
// PostgreSQL and caches them with an explicit TTL.
package configsource

import (
	"context"

	"github.com/pitabwire/caseflow/model"
)

// Source provides the workflow config for an (entity code, org unit) pair.
// A missing config is reported as CONFIG_NOT_FOUND.
type Source interface {
	Get(ctx context.Context, entityCode, orgUnitCode string) (model.WorkflowConfig, error)
}

// ValidateFunc checks a config before it is served. Returning an error
// rejects the config.
type ValidateFunc func(cfg model.WorkflowConfig) error

func configKey(entityCode, orgUnitCode string) string {
	return entityCode + "/" + orgUnitCode
}
