package config

import (
	"fmt"
	"time"

	scopeconfig "github.com/telhawk-systems/accountscope/common/config"
)

type Config struct {
	AWS       scopeconfig.AWSConfig      `mapstructure:"aws"`
	Staging   scopeconfig.StagingConfig  `mapstructure:"staging"`
	Database  scopeconfig.DatabaseConfig `mapstructure:"database"`
	NATS      scopeconfig.NATSConfig     `mapstructure:"nats"`
	Redis     scopeconfig.RedisConfig    `mapstructure:"redis"`
	Server    scopeconfig.ServerConfig   `mapstructure:"server"`
	Taxonomy  scopeconfig.TaxonomyConfig `mapstructure:"taxonomy"`
	Logging   scopeconfig.LoggingConfig  `mapstructure:"logging"`
	Ingestion IngestionConfig            `mapstructure:"ingestion"`
}

// IngestionConfig tunes the loader's work loop.
type IngestionConfig struct {
	// DomainWorkers bounds how many domains of one document load concurrently.
	DomainWorkers int `mapstructure:"domain_workers"`
	// SweepInterval is how often the pending namespace is listed, independent
	// of notifications.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// Account restricts sweeps to one account. Empty sweeps all.
	Account       string `mapstructure:"account"`
	MigrationsURL string `mapstructure:"migrations_url"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

func Load(configPath string) (*Config, error) {
	v, err := scopeconfig.NewViper(configPath, "LOADER", "/etc/accountscope/loader")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.port", 9091)
	v.SetDefault("ingestion.domain_workers", 4)
	v.SetDefault("ingestion.sweep_interval", "5m")
	v.SetDefault("ingestion.account", "")
	v.SetDefault("ingestion.migrations_url", "file://migrations")
	v.SetDefault("ingestion.auto_migrate", true)
	v.SetDefault("ingestion.max_conns", 25)
	v.SetDefault("ingestion.min_conns", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Ingestion.DomainWorkers < 1 {
		cfg.Ingestion.DomainWorkers = 1
	}
	if cfg.Ingestion.SweepInterval <= 0 {
		return nil, fmt.Errorf("ingestion.sweep_interval must be positive")
	}

	return &cfg, nil
}
