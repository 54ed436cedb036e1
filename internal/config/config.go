package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the Redis-backed idempotency cache.
// An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// EngineConfig holds worker pool, dispatch and retry settings.
// StaleClaimAge must exceed ExecutionTimeout, or recovery would requeue
// handlers that are still running.
type EngineConfig struct {
	WorkerCount          int           `mapstructure:"worker_count" validate:"gte=1"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ExecutionTimeout     time.Duration `mapstructure:"execution_timeout" validate:"gt=0"`
	DefaultMaxAttempts   int           `mapstructure:"default_max_attempts" validate:"gte=1"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	RetryJitter          float64       `mapstructure:"retry_jitter" validate:"gte=0,lt=1"`
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention" validate:"gt=0"`
	ReservationTTL       time.Duration `mapstructure:"reservation_ttl" validate:"gt=0"`
	StaleClaimAge        time.Duration `mapstructure:"stale_claim_age" validate:"gtfield=ExecutionTimeout"`
	StaleClaimInterval   time.Duration `mapstructure:"stale_claim_interval" validate:"gt=0"`
	ClaimRetries         int           `mapstructure:"claim_retries" validate:"gte=0"`
}
