package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. TASKFORGE_SERVER_PORT.
const EnvPrefix = "TASKFORGE"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs the struct-tag validation over cfg.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Defaults returns a Config populated with the built-in defaults only.
// The database URL is left empty and must be supplied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			AutoMigrate:     true,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			KeyPrefix: "taskforge:idem:",
		},
		Engine: EngineConfig{
			WorkerCount:          4,
			PollInterval:         500 * time.Millisecond,
			ExecutionTimeout:     time.Minute,
			DefaultMaxAttempts:   3,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        5 * time.Minute,
			RetryJitter:          0.2,
			IdempotencyRetention: 24 * time.Hour,
			ReservationTTL:       30 * time.Second,
			StaleClaimAge:        15 * time.Minute,
			StaleClaimInterval:   time.Minute,
			ClaimRetries:         3,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)

	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("engine.worker_count", d.Engine.WorkerCount)
	v.SetDefault("engine.poll_interval", d.Engine.PollInterval)
	v.SetDefault("engine.execution_timeout", d.Engine.ExecutionTimeout)
	v.SetDefault("engine.default_max_attempts", d.Engine.DefaultMaxAttempts)
	v.SetDefault("engine.retry_base_delay", d.Engine.RetryBaseDelay)
	v.SetDefault("engine.retry_max_delay", d.Engine.RetryMaxDelay)
	v.SetDefault("engine.retry_jitter", d.Engine.RetryJitter)
	v.SetDefault("engine.idempotency_retention", d.Engine.IdempotencyRetention)
	v.SetDefault("engine.reservation_ttl", d.Engine.ReservationTTL)
	v.SetDefault("engine.stale_claim_age", d.Engine.StaleClaimAge)
	v.SetDefault("engine.stale_claim_interval", d.Engine.StaleClaimInterval)
	v.SetDefault("engine.claim_retries", d.Engine.ClaimRetries)
}

// bindEnvs makes keys without defaults visible to AutomaticEnv during Unmarshal.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{"database.url", "redis.addr"} {
		_ = v.BindEnv(key)
	}
}
