package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-audit-ledger/config"
	"github.com/upb/llm-audit-ledger/internal/observability"
	"github.com/upb/llm-audit-ledger/repositories"
	"github.com/upb/llm-audit-ledger/repositories/postgres"
	"github.com/upb/llm-audit-ledger/repositories/sqlite"
	"github.com/upb/llm-audit-ledger/services/fanout"
	"github.com/upb/llm-audit-ledger/services/ledger"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// redisPingTimeout bounds the startup connectivity check
const redisPingTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *observability.Providers
	Metrics   *observability.LedgerMetrics

	// Storage
	Store repositories.Store
	Repos *repositories.Repositories

	// Redis is nil when REDIS_URL is unset
	Redis *redis.Client

	// Fan-out
	Registry   *fanout.Registry
	Dispatcher *fanout.Dispatcher
	Bus        *fanout.RedisBus

	Ledger *ledger.Ledger
}

// NewDependencies creates and wires up all application dependencies.
// On failure everything already opened is closed.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.init(ctx, cfg); err != nil {
		if rerr := deps.release(context.Background()); rerr != nil {
			logger.Warn("failed to release partially initialized dependencies", zap.Error(rerr))
		}
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) init(ctx context.Context, cfg *config.Config) error {
	if err := d.initTelemetry(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := d.initStore(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}

	if err := d.initRedis(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	d.initFanout(cfg)
	d.initLedger(cfg)
	return nil
}

// initTelemetry sets up the OpenTelemetry providers and ledger instruments
func (d *Dependencies) initTelemetry(ctx context.Context, cfg *config.Config) error {
	providers, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	d.Telemetry = providers

	metrics, err := observability.NewLedgerMetrics(providers.Meter)
	if err != nil {
		return err
	}
	d.Metrics = metrics
	return nil
}

// initStore opens the configured event store and creates its schema
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.Store = factory
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Database.SQLitePath, d.Logger)
		if err != nil {
			return err
		}
		d.Store = store
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}

	if err := d.Store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	d.Repos = d.Store.NewRepositories()

	d.Logger.Info("event store ready",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis connects to Redis when configured
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.RedisEnabled() {
		d.Logger.Info("redis not configured, using local seal lock and fan-out")
		return nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	d.Redis = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := d.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Logger.Info("redis connection established", zap.String("addr", opts.Addr))
	return nil
}

// initFanout creates the subscription registry, the local dispatcher and,
// with Redis, the cross-instance bus
func (d *Dependencies) initFanout(cfg *config.Config) {
	d.Registry = fanout.NewRegistry()
	d.Dispatcher = fanout.NewDispatcher(d.Registry, cfg.Stream.BufferSize, d.Logger).
		WithMetrics(d.Metrics)

	if d.Redis != nil {
		d.Bus = fanout.NewRedisBus(d.Redis, cfg.Redis.FanoutChannel, d.Dispatcher, d.Logger)
	}
}

// initLedger wires the ledger to storage, sealing lock and fan-out
func (d *Dependencies) initLedger(cfg *config.Config) {
	l := ledger.NewLedger(d.Repos, ledger.ConfigFrom(cfg.Ledger), d.Logger).
		WithMetrics(d.Metrics)

	if d.Redis != nil {
		l = l.WithLocker(ledger.NewRedisLocker(d.Redis, cfg.Redis.LockPrefix,
			cfg.Ledger.SealLockTTL, cfg.Ledger.SealLockMaxAttempts))
	}

	if d.Bus != nil {
		l = l.WithPublisher(d.Bus)
	} else {
		l = l.WithPublisher(d.Dispatcher)
	}
	d.Ledger = l

	d.Logger.Info("ledger initialized",
		zap.Int("block_threshold", cfg.Ledger.BlockThreshold),
		zap.Bool("distributed", d.Redis != nil))
}

// MetricsReader returns the reader behind GET /metrics, nil when metrics are
// disabled
func (d *Dependencies) MetricsReader() *sdkmetric.ManualReader {
	if d.Telemetry == nil {
		return nil
	}
	return d.Telemetry.Reader
}

// Close gracefully shuts down all dependencies. Pending seals are given
// until the context deadline, or the server shutdown timeout, to finish.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	err := d.release(ctx)

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}
	if err != nil {
		return fmt.Errorf("errors during shutdown: %w", err)
	}
	return nil
}

func (d *Dependencies) release(ctx context.Context) error {
	var errs []error

	if d.Ledger != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Ledger.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop ledger: %w", err))
		} else {
			d.Logger.Info("ledger stopped")
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Telemetry != nil {
		if err := d.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}
