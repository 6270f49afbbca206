package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/accountscope/collector/internal/config"
	"github.com/telhawk-systems/accountscope/collector/internal/orchestrator"
	"github.com/telhawk-systems/accountscope/collector/internal/service"
	"github.com/telhawk-systems/accountscope/collector/internal/sources"
	"github.com/telhawk-systems/accountscope/common/awsconfig"
	"github.com/telhawk-systems/accountscope/common/httputil"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/messaging"
	scopenats "github.com/telhawk-systems/accountscope/common/messaging/nats"
	"github.com/telhawk-systems/accountscope/common/redisclient"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
)

// runtime holds the long-lived dependencies shared by run and serve.
type runtime struct {
	redis   *redis.Client
	js      *scopenats.JetStreamClient
	service *service.Service
	checks  []httputil.Check
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	var store staging.ObjectStore
	if cfg.Staging.Backend == "memory" {
		store = staging.NewMemoryStore()
	} else {
		s3, err := staging.NewS3Store(awsCfg, cfg.Staging)
		if err != nil {
			return nil, err
		}
		store = s3
		rt.checks = append(rt.checks, httputil.Check{Name: "staging", Probe: s3.Ping})
	}
	pipeline := staging.NewPipeline(store, logger.Logger)

	throttle := sources.NewThrottle(cfg.Collection.RateLimit, cfg.Collection.Burst)
	srcs, unknown := sources.Filter(sources.Default(awsCfg, throttle, logger.Logger), cfg.Collection.Domains)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown domains in collection.domains: %s", strings.Join(unknown, ", "))
	}
	orch := orchestrator.New(sources.DefaultIdentity(awsCfg, throttle),
		cfg.Collection.Workers, cfg.Collection.RunTimeout, logger.Logger)

	var locker lease.Locker = lease.NewLocalLocker()
	var recorder runstats.Recorder = runstats.NoOp{}
	if cfg.Redis.Enabled {
		rt.redis, err = redisclient.New(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		locker = lease.NewRedisLocker(rt.redis, cfg.Redis.LeaseTTL)
		recorder = runstats.NewClient(rt.redis, instanceID(), cfg.Redis.StatsTTL)
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
			Name:          "accountscope-collector",
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

	scope := sources.Scope{
		AccountID: cfg.Collection.AccountID,
		Region:    cfg.AWS.Region,
		Taxonomy:  cfg.Taxonomy,
	}
	rt.service = service.New(orch, pipeline, srcs, scope, locker,
		messaging.NewNotifier(pub, logger.Logger), recorder, logger.Logger)
	return rt, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("collector-%d", os.Getpid())
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
}
