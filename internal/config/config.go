// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Host   string `env:"HOST" envDefault:"0.0.0.0"`
	Port   int    `env:"PORT" envDefault:"8080"`

	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// State/queue backend connection.
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// QueueName isolates queues across deployments sharing a backend.
	QueueName string `env:"QUEUE_NAME" envDefault:"transactions"`
	// WorkerConcurrency is the number of concurrent posting workers.
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"10"`
	// MaxRetries is the total attempt budget per transaction, including
	// the first attempt. With the default of 5, a transaction is posted
	// at most 5 times before it is marked failed.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"5"`
	// RetryBaseDelay seeds the exponential backoff: delay = base * 2^attempt.
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	// LeaseTimeout bounds how long a reserved job may stay active before
	// it is considered lost and redelivered.
	LeaseTimeout time.Duration `env:"LEASE_TIMEOUT" envDefault:"30s"`
	// PollInterval is the worker idle sleep between empty reserves.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`

	// Retention windows for terminal jobs kept for diagnostics.
	CompletedRetention   time.Duration `env:"COMPLETED_RETENTION" envDefault:"1h"`
	CompletedRetainCount int64         `env:"COMPLETED_RETAIN_COUNT" envDefault:"1000"`
	FailedRetention      time.Duration `env:"FAILED_RETENTION" envDefault:"24h"`
	MaintenanceInterval  time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"15s"`

	// StateTTL is applied on every state-store write.
	StateTTL time.Duration `env:"STATE_TTL" envDefault:"24h"`
	// Orphan sweep: pending states older than SweepPendingAge with no
	// live queue job are re-enqueued.
	SweepPendingAge time.Duration `env:"SWEEP_PENDING_AGE" envDefault:"5m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	PostingURL        string        `env:"POSTING_URL" envDefault:"http://localhost:3001"`
	PostingTimeout    time.Duration `env:"POSTING_TIMEOUT" envDefault:"5s"`
	PostingAuthHeader string        `env:"POSTING_AUTH_HEADER"`

	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"1200"`

	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"txn-gateway"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port pair for the backend connection.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
