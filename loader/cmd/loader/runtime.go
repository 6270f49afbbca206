package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/accountscope/common/awsconfig"
	"github.com/telhawk-systems/accountscope/common/httputil"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/messaging"
	scopenats "github.com/telhawk-systems/accountscope/common/messaging/nats"
	"github.com/telhawk-systems/accountscope/common/redisclient"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/loader/internal/config"
	"github.com/telhawk-systems/accountscope/loader/internal/ingest"
	"github.com/telhawk-systems/accountscope/loader/internal/repository"
	"github.com/telhawk-systems/accountscope/loader/internal/upsert"
)

// runtime holds the long-lived dependencies shared by serve and drain.
type runtime struct {
	db        *repository.Postgres
	redis     *redis.Client
	js        *scopenats.JetStreamClient
	stats     runstats.Reader
	processor *ingest.Processor
	checks    []httputil.Check
}

func migrateSchema(ctx context.Context) (uint, error) {
	version, err := repository.Migrate(cfg.Ingestion.MigrationsURL, cfg.Database.ConnString())
	if err != nil {
		return 0, err
	}
	logger.InfoContext(ctx, "database migrations completed", slog.Uint64("version", uint64(version)))
	return version, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.db, err = repository.NewPostgres(ctx, cfg.Database.ConnString(), repository.PoolConfig{
		MaxConns: cfg.Ingestion.MaxConns,
		MinConns: cfg.Ingestion.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	rt.checks = append(rt.checks, httputil.Check{Name: "database", Probe: rt.db.Ping})

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if s3, ok := store.(*staging.S3Store); ok {
		rt.checks = append(rt.checks, httputil.Check{Name: "staging", Probe: s3.Ping})
	}
	pipeline := staging.NewPipeline(store, logger.Logger)

	var locker lease.Locker = lease.NewLocalLocker()
	var recorder runstats.Recorder = runstats.NoOp{}
	if cfg.Redis.Enabled {
		rt.redis, err = redisclient.New(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		locker = lease.NewRedisLocker(rt.redis, cfg.Redis.LeaseTTL)
		stats := runstats.NewClient(rt.redis, instanceID(), cfg.Redis.StatsTTL)
		recorder, rt.stats = stats, stats
		rt.checks = append(rt.checks, httputil.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rt.redis.Ping(ctx).Err()
		}})
		logger.Info("redis enabled", "url", cfg.Redis.URL)
	} else {
		logger.Warn("redis disabled, window leases are local to this process")
	}

	var pub messaging.Publisher = messaging.NoOpPublisher{}
	if cfg.NATS.Enabled {
		rt.js, err = scopenats.NewJetStreamClient(scopenats.Config{
			URL:           cfg.NATS.URL,
			Name:          "accountscope-loader",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       5 * time.Second,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		if err := rt.js.Setup(ctx); err != nil {
			return nil, err
		}
		pub = rt.js
		rt.checks = append(rt.checks, httputil.Check{Name: "nats", Probe: rt.js.CheckHealth})
	}

	engine := upsert.NewEngine(rt.db.Pool(), upsert.DefaultTypeMap(), logger.Logger)
	driver := ingest.NewDriver(engine, cfg.Taxonomy, cfg.Ingestion.DomainWorkers, logger.Logger)
	rt.processor = ingest.NewProcessor(pipeline, driver, locker,
		messaging.NewNotifier(pub, logger.Logger), recorder, logger.Logger)
	return rt, nil
}

func newStore(ctx context.Context, cfg *config.Config) (staging.ObjectStore, error) {
	if cfg.Staging.Backend == "memory" {
		return staging.NewMemoryStore(), nil
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return staging.NewS3Store(awsCfg, cfg.Staging)
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("loader-%d", os.Getpid())
	}
	return host
}

func (rt *runtime) Close() {
	if rt.js != nil {
		_ = rt.js.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
