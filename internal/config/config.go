// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Identity      IdentityConfig      `yaml:"identity"`
	Audit         AuditConfig         `yaml:"audit"`
	Queue         QueueConfig         `yaml:"queue"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DatabaseConfig describes the PostgreSQL connection. The DSN itself is
// read from the environment variable named by DSNEnv.
type DatabaseConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig describes the optional Redis connection used by the
// idempotency store and the notifier.
type RedisConfig struct {
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// IdentityConfig describes JWT verification. Tokens are verified either
// against a JWKS endpoint or an HMAC secret read from SecretEnv.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	SecretEnv    string        `yaml:"secret_env"`
	Algorithms   []string      `yaml:"algorithms"`
	UserClaim    string        `yaml:"user_claim"`
}

// AuditConfig describes the audit ledger. The HMAC key is read from the
// environment variable named by SecretEnv and never from the file.
type AuditConfig struct {
	SecretEnv string `yaml:"secret_env"`
}

// QueueConfig describes dispatch settings.
type QueueConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// WorkflowConfig describes where workflow configs come from and how actions
// run.
type WorkflowConfig struct {
	Source          string        `yaml:"source"` // "file" or "postgres"
	Directories     []string      `yaml:"directories"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	EffectTimeout   time.Duration `yaml:"effect_timeout"`
	ScriptTimeout   time.Duration `yaml:"script_timeout"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// IdempotencyConfig describes the idempotency store for batch submissions.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"` // "memory" or "redis"
	TTL     time.Duration `yaml:"ttl"`
}

// NotificationsConfig describes where notify functions deliver to.
type NotificationsConfig struct {
	Driver        string `yaml:"driver"` // "log" or "redis"
	ChannelPrefix string `yaml:"channel_prefix"`
}

// WebhookConfig describes the outbound webhook client.
type WebhookConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Timeout        time.Duration        `yaml:"timeout"`
	SigningKeyEnv  string               `yaml:"signing_key_env"`
	AllowedHosts   []string             `yaml:"allowed_hosts"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for webhook delivery.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         3600,
			},
		},
		Database: DatabaseConfig{
			DSNEnv:          "CASEFLOW_DATABASE_DSN",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv:     "CASEFLOW_REDIS_ADDR",
			PasswordEnv: "CASEFLOW_REDIS_PASSWORD",
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			SecretEnv:    "CASEFLOW_JWT_SECRET",
			Algorithms:   []string{"RS256"},
			UserClaim:    "sub",
		},
		Audit: AuditConfig{
			SecretEnv: "CASEFLOW_AUDIT_SECRET",
		},
		Queue: QueueConfig{
			LeaseTTL: 60 * time.Second,
		},
		Workflow: WorkflowConfig{
			Source:        "file",
			Directories:   []string{"/workflows"},
			CacheTTL:      5 * time.Minute,
			EffectTimeout: 10 * time.Second,
			ScriptTimeout: 250 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			Driver:        "log",
			ChannelPrefix: "caseflow:notifications",
		},
		Webhook: WebhookConfig{
			Timeout:       5 * time.Second,
			SigningKeyEnv: "CASEFLOW_WEBHOOK_SIGNING_KEY",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Database.DSNEnv == "" {
		errs = append(errs, "database.dsn_env is required")
	}
	if c.Audit.SecretEnv == "" {
		errs = append(errs, "audit.secret_env is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.secret_env is required")
	}
	if c.Identity.UserClaim == "" {
		errs = append(errs, "identity.user_claim is required")
	}
	if c.Queue.LeaseTTL <= 0 {
		errs = append(errs, "queue.lease_ttl must be positive")
	}

	switch c.Workflow.Source {
	case "file":
		if len(c.Workflow.Directories) == 0 {
			errs = append(errs, "workflow.directories is required for the file source")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("workflow.source %q must be file or postgres", c.Workflow.Source))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
		}
	}
	switch c.Notifications.Driver {
	case "log", "redis":
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q must be log or redis", c.Notifications.Driver))
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}
	if c.Webhook.Enabled && c.Webhook.Retry.MaxAttempts < 1 {
		errs = append(errs, "webhook.retry.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return (c.Idempotency.Enabled && c.Idempotency.Driver == "redis") || c.Notifications.Driver == "redis"
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("CASEFLOW_QUEUE_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.LeaseTTL = d
		}
	}
	if v := os.Getenv("CASEFLOW_WORKFLOW_SOURCE"); v != "" {
		cfg.Workflow.Source = v
	}
	if v := os.Getenv("CASEFLOW_WORKFLOW_DIRECTORIES"); v != "" {
		cfg.Workflow.Directories = strings.Split(v, ",")
	}
}

// Secret reads the environment variable named by envName. It returns an
// error naming the variable if it is unset or empty.
func Secret(envName string) (string, error) {
	if envName == "" {
		return "", fmt.Errorf("config: no environment variable configured")
	}
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", envName)
	}
	return v, nil
}
