package config

import (
	"fmt"
	"time"

	scopeconfig "github.com/telhawk-systems/accountscope/common/config"
)

// Worker bounds for the collection fan-out.
const (
	MinWorkers = 1
	MaxWorkers = 32
)

type Config struct {
	AWS        scopeconfig.AWSConfig      `mapstructure:"aws"`
	Staging    scopeconfig.StagingConfig  `mapstructure:"staging"`
	NATS       scopeconfig.NATSConfig     `mapstructure:"nats"`
	Redis      scopeconfig.RedisConfig    `mapstructure:"redis"`
	Server     scopeconfig.ServerConfig   `mapstructure:"server"`
	Taxonomy   scopeconfig.TaxonomyConfig `mapstructure:"taxonomy"`
	Logging    scopeconfig.LoggingConfig  `mapstructure:"logging"`
	Collection CollectionConfig           `mapstructure:"collection"`
}

// CollectionConfig tunes one collection run and the serve schedule.
type CollectionConfig struct {
	// AccountID overrides the identity-resolved account. Leave empty in
	// normal operation.
	AccountID string `mapstructure:"account_id"`
	Workers   int    `mapstructure:"workers"`
	// RunTimeout bounds the whole fan-out; sources that have not reported
	// by then are recorded as failed.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// RateLimit is requests per second shared by every source, with Burst.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	// Intervals collected on each scheduled tick of serve.
	Intervals []string      `mapstructure:"intervals"`
	Schedule  time.Duration `mapstructure:"schedule"`
	// Domains restricts collection to these domains. Empty collects all.
	Domains []string `mapstructure:"domains"`
}

func Load(configPath string) (*Config, error) {
	v, err := scopeconfig.NewViper(configPath, "COLLECTOR", "/etc/accountscope/collector")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.port", 9090)
	v.SetDefault("collection.account_id", "")
	v.SetDefault("collection.workers", 10)
	v.SetDefault("collection.run_timeout", "10m")
	v.SetDefault("collection.rate_limit", 10.0)
	v.SetDefault("collection.burst", 5)
	v.SetDefault("collection.intervals", []string{"DAILY"})
	v.SetDefault("collection.schedule", "24h")
	v.SetDefault("collection.domains", []string{})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Collection.Workers = ClampWorkers(cfg.Collection.Workers)
	if cfg.Collection.RunTimeout <= 0 {
		return nil, fmt.Errorf("collection.run_timeout must be positive")
	}
	if cfg.Collection.RateLimit <= 0 {
		return nil, fmt.Errorf("collection.rate_limit must be positive")
	}
	if cfg.Collection.Burst < 1 {
		cfg.Collection.Burst = 1
	}
	if cfg.Collection.Schedule <= 0 {
		return nil, fmt.Errorf("collection.schedule must be positive")
	}

	return &cfg, nil
}

// ClampWorkers keeps n within [MinWorkers, MaxWorkers].
func ClampWorkers(n int) int {
	switch {
	case n < MinWorkers:
		return MinWorkers
	case n > MaxWorkers:
		return MaxWorkers
	default:
		return n
	}
}
