// Package main is the entry point for the caseflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/configsource"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/notify"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/queue"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
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

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("database initialization failed", zap.Error(err))
		return 1
	}
	defer pool.Close()

	st := store.NewPgStore(pool)
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", zap.Error(err))
			return 1
		}
	}

	auditSecret, err := config.Secret(cfg.Audit.SecretEnv)
	if err != nil {
		logger.Error("audit secret unavailable", zap.Error(err))
		return 1
	}
	ledger, err := audit.NewLedger([]byte(auditSecret))
	if err != nil {
		logger.Error("audit ledger initialization failed", zap.Error(err))
		return 1
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis initialization failed", zap.Error(err))
			return 1
		}
		defer rdb.Close()
	}

	// Function registry: built-ins plus the webhook and notify collaborators.
	registry := workflow.NewRegistry()
	deps := workflow.BuiltinDeps{ScriptTimeout: cfg.Workflow.ScriptTimeout}
	switch cfg.Notifications.Driver {
	case "redis":
		deps.Notifier = notify.NewRedisNotifier(rdb, cfg.Notifications.ChannelPrefix)
	default:
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	if cfg.Webhook.Enabled {
		deps.Webhooks, err = buildWebhookClient(cfg.Webhook, logger, metrics)
		if err != nil {
			logger.Error("webhook client initialization failed", zap.Error(err))
			return 1
		}
	}
	workflow.RegisterBuiltins(registry, deps)

	source, fileSource, err := buildConfigSource(cfg.Workflow, pool, registry)
	if err != nil {
		metrics.RecordConfigReload("failure")
		logger.Error("workflow config loading failed", zap.Error(err))
		return 1
	}
	configs := configsource.NewCache(source, cfg.Workflow.CacheTTL, configsource.WithMetrics(metrics))
	if fileSource != nil {
		metrics.RecordConfigReload("success")
		metrics.SetConfigsLoaded(float64(fileSource.Len()))
	}

	engine := workflow.NewEngine(st, configs, ledger, registry,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithEffectTimeout(cfg.Workflow.EffectTimeout),
		workflow.WithSensitiveFields(cfg.Workflow.SensitiveFields...),
	)
	leases := queue.NewLeaseQueue(st, engine,
		queue.WithLeaseTTL(cfg.Queue.LeaseTTL),
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
	)

	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case "redis":
			idem = idempotency.NewRedisStore(rdb)
		default:
			logger.Info("using in-memory idempotency store")
			idem = idempotency.NewMemoryStore()
		}
	}

	authenticate, err := buildAuthenticator(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{Store: st}
	if fileSource != nil {
		readiness.ConfigsLoaded = func() bool { return fileSource.Len() > 0 }
	}
	if rdb != nil {
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Authenticate:   authenticate,
		Dispatcher:     leases,
		Executor:       engine,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Verify: func(ctx context.Context) (model.VerificationReport, error) {
			return ledger.Verify(ctx, st)
		},
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if fileSource != nil {
		go runConfigReloader(bgCtx, fileSource, configs, metrics, logger)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config_source", cfg.Workflow.Source),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// openPool connects to PostgreSQL using the DSN named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn, err := config.Secret(cfg.DSNEnv)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr, err := config.Secret(cfg.AddrEnv)
	if err != nil {
		return nil, err
	}
	opts := &redis.Options{Addr: addr, DB: cfg.DB}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

func buildWebhookClient(cfg config.WebhookConfig, logger *zap.Logger, metrics *observability.Metrics) (*webhook.Client, error) {
	opts := []webhook.Option{webhook.WithLogger(logger), webhook.WithMetrics(metrics)}
	if cfg.SigningKeyEnv != "" {
		key, err := config.Secret(cfg.SigningKeyEnv)
		if err != nil {
			return nil, err
		}
		opts = append(opts, webhook.WithSigningKey([]byte(key)))
	}
	return webhook.NewClient(cfg, opts...), nil
}

// buildConfigSource returns the configured workflow config source. The file
// source is also returned on its own so it can be reloaded and reported on.
func buildConfigSource(cfg config.WorkflowConfig, pool *pgxpool.Pool, registry *workflow.Registry) (configsource.Source, *configsource.FileSource, error) {
	validate := workflow.Validator(registry)
	switch cfg.Source {
	case "postgres":
		return configsource.NewPgSource(pool, validate), nil, nil
	case "file", "":
		fs, err := configsource.NewFileSource(cfg.Directories, validate)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow config source: %q", cfg.Source)
	}
}

// buildAuthenticator verifies tokens against the JWKS endpoint when one is
// configured, otherwise against the shared HMAC secret.
func buildAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.JWKSURL != "" {
		jwks := transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)
		return transport.JWTAuthenticator(cfg, jwks), nil
	}
	secret, err := config.Secret(cfg.SecretEnv)
	if err != nil {
		return nil, err
	}
	cfg.Algorithms = []string{"HS256"}
	return transport.JWTAuthenticator(cfg, transport.HMACKey(secret)), nil
}

// runConfigReloader rescans the workflow directories on SIGHUP. A failed
// reload keeps the previous configs in service.
func runConfigReloader(ctx context.Context, fs *configsource.FileSource, cache *configsource.Cache, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := fs.Reload(); err != nil {
				metrics.RecordConfigReload("failure")
				logger.Error("workflow config reload failed", zap.Error(err))
				continue
			}
			cache.InvalidateAll()
			metrics.RecordConfigReload("success")
			metrics.SetConfigsLoaded(float64(fs.Len()))
			logger.Info("workflow configs reloaded",
				zap.Int("configs", fs.Len()),
				zap.String("checksum", fs.Checksum()),
			)
		}
	}
}
