// Command ledger-verify replays the audit chain from genesis and reports the
// first tampered entry. It exits 0 for an intact chain, 2 for a broken one,
// and 1 when verification could not run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "caseflow.yaml", "path to configuration file")
	flag.Parse()

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

	secret, err := config.Secret(cfg.Audit.SecretEnv)
	if err != nil {
		logger.Error("audit secret unavailable", zap.Error(err))
		return 1
	}
	ledger, err := audit.NewLedger([]byte(secret))
	if err != nil {
		logger.Error("audit ledger initialization failed", zap.Error(err))
		return 1
	}

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

	report, err := ledger.Verify(ctx, store.NewPgStore(pool))
	if err != nil && !model.HasCode(err, model.ErrChainIntegrity) {
		logger.Error("audit verification failed", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if !report.Valid {
		logger.Error("audit chain broken",
			zap.Int64("entry_id", report.BrokenAtID),
			zap.String("reason", report.Reason),
			zap.Int("checked", report.Checked),
		)
		return 2
	}
	logger.Info("audit chain intact", zap.Int("checked", report.Checked))
	return 0
}
