// Command workflow-import validates YAML workflow configs and stores each as
// the next version of its (entity code, org unit) pair in PostgreSQL.
//
//	workflow-import -config caseflow.yaml workflows/fraud.yaml workflows/aml.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/configsource"
	"github.com/pitabwire/caseflow/internal/notify"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/internal/workflow"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "caseflow.yaml", "path to configuration file")
	dryRun := flag.Bool("dry-run", false, "validate files without storing them")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: workflow-import [-config path] [-dry-run] file.yaml...")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Validation only reads function contracts; nothing is executed.
	registry := workflow.NewRegistry()
	workflow.RegisterBuiltins(registry, workflow.BuiltinDeps{
		Notifier: notify.NewLogNotifier(logger),
		Webhooks: webhook.NewClient(cfg.Webhook),
	})
	validate := workflow.Validator(registry)

	var source *configsource.PgSource
	if !*dryRun {
		dsn, err := config.Secret(cfg.Database.DSNEnv)
		if err != nil {
			logger.Error("database DSN unavailable", zap.Error(err))
			return 1
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Error("database connect failed", zap.Error(err))
			return 1
		}
		defer pool.Close()
		source = configsource.NewPgSource(pool, validate)
	}

	failed := 0
	for _, path := range files {
		wf, err := configsource.LoadFile(path)
		if err == nil {
			err = validate(wf)
		}
		if err != nil {
			failed++
			logger.Error("workflow config rejected", zap.String("file", path), zap.Error(err))
			continue
		}
		if source == nil {
			logger.Info("workflow config valid",
				zap.String("file", path),
				zap.String("entity_code", wf.EntityCode),
				zap.String("org_unit_code", wf.OrgUnitCode),
			)
			continue
		}
		version, err := source.Put(ctx, wf)
		if err != nil {
			failed++
			logger.Error("workflow config import failed", zap.String("file", path), zap.Error(err))
			continue
		}
		logger.Info("workflow config imported",
			zap.String("file", path),
			zap.String("entity_code", wf.EntityCode),
			zap.String("org_unit_code", wf.OrgUnitCode),
			zap.Int("version", version),
		)
	}

	if failed > 0 {
		return 1
	}
	return 0
}
