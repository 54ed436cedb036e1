package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/taskforge/internal/api"
	"github.com/phrazzld/taskforge/internal/config"
	"github.com/phrazzld/taskforge/internal/events"
	"github.com/phrazzld/taskforge/internal/platform/metrics"
	"github.com/phrazzld/taskforge/internal/platform/postgres"
	idemredis "github.com/phrazzld/taskforge/internal/platform/redis"
	"github.com/phrazzld/taskforge/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// application holds the long-lived dependencies of the serve command.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	db       *sql.DB
	redis    *goredis.Client
	registry *prometheus.Registry
	engine   *task.Engine
	runner   *task.TaskRunner
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.db = db

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db, postgres.MigrateUp, logger); err != nil {
			app.cleanup()
			return nil, err
		}
	}

	var idem task.IdempotencyCache = task.NewMemoryIdempotencyCache()
	if cfg.Redis.Addr != "" {
		app.redis = goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := app.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		idem = idemredis.NewIdempotencyCache(app.redis, cfg.Redis.KeyPrefix)
		logger.Info("using redis idempotency cache", "addr", cfg.Redis.Addr)
	} else {
		logger.Warn("redis not configured; idempotency keys are local to this process")
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(app.registry)

	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(deadLetterLogger(logger))

	app.engine = task.NewEngine(postgres.NewTaskStore(db), engineConfig(cfg.Engine), logger,
		task.WithIdempotencyCache(idem),
		task.WithEventEmitter(emitter),
		task.WithMetrics(recorder),
	)

	handlers := task.NewRegistry()
	registerBuiltinHandlers(handlers, logger)

	app.runner = task.NewTaskRunner(app.engine, handlers, runnerConfig(cfg.Engine), logger)
	app.runner.Pool().SetMetrics(recorder)

	return app, nil
}

// run starts the runner and the HTTP server and blocks until ctx is done.
func (app *application) run(ctx context.Context) error {
	if err := app.runner.Start(); err != nil {
		return err
	}
	defer app.runner.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           api.NewRouter(app.engine, app.logger, app.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server, app.logger)
}

// serve runs server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server shutdown completed")
	return nil
}

// cleanup releases external connections. It is safe to call on a partially
// built application.
func (app *application) cleanup() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
}

// openDatabase opens and pings the Postgres pool.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return db, nil
}

func engineConfig(cfg config.EngineConfig) task.EngineConfig {
	ec := task.DefaultEngineConfig()
	ec.DefaultMaxAttempts = cfg.DefaultMaxAttempts
	ec.Retry = task.RetryPolicy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
		Jitter:    cfg.RetryJitter,
	}
	ec.ReservationTTL = cfg.ReservationTTL
	ec.ReservationWait = cfg.ReservationTTL
	ec.IdempotencyRetention = cfg.IdempotencyRetention
	ec.ClaimRetries = cfg.ClaimRetries
	return ec
}

func runnerConfig(cfg config.EngineConfig) task.TaskRunnerConfig {
	rc := task.DefaultTaskRunnerConfig()
	rc.Pool.WorkerCount = cfg.WorkerCount
	rc.Pool.PollInterval = cfg.PollInterval
	rc.Pool.ExecutionTimeout = cfg.ExecutionTimeout
	rc.StaleClaimAge = cfg.StaleClaimAge
	rc.StaleClaimInterval = cfg.StaleClaimInterval
	return rc
}
