// Package config holds the configuration sections shared by the collector and loader.
// Each binary owns its own Load in internal/config and embeds these sections.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AWSConfig holds the SDK region and optional static credentials.
// When AccessKeyID is empty the default credential chain is used.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// StagingConfig holds the object store settings for staged documents.
type StagingConfig struct {
	Bucket    string `mapstructure:"bucket"`
	KMSKeyID  string `mapstructure:"kms_key_id"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	// Backend is "s3" (default) or "memory" for local runs.
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	// URL overrides the individual fields when set.
	URL string `mapstructure:"url"`
}

// ConnString returns a postgres connection URL.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Enabled  bool          `mapstructure:"enabled"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	StatsTTL time.Duration `mapstructure:"stats_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the ops HTTP server (health, metrics) configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TaxonomyConfig tags every account row with its owning organisation.
type TaxonomyConfig struct {
	Partner     string `mapstructure:"partner"`
	Customer    string `mapstructure:"customer"`
	Category    string `mapstructure:"category"`
	Environment string `mapstructure:"environment"`
	Product     string `mapstructure:"product"`
}

// SetDefaults registers defaults for every shared section.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "ap-southeast-1")

	v.SetDefault("staging.bucket", "")
	v.SetDefault("staging.kms_key_id", "")
	v.SetDefault("staging.endpoint", "")
	v.SetDefault("staging.path_style", false)
	v.SetDefault("staging.backend", "s3")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "accountscope")
	v.SetDefault("database.user", "accountscope")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.url", "")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.lease_ttl", "15m")
	v.SetDefault("redis.stats_ttl", "720h")

	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("taxonomy.partner", "")
	v.SetDefault("taxonomy.customer", "")
	v.SetDefault("taxonomy.category", "")
	v.SetDefault("taxonomy.environment", "")
	v.SetDefault("taxonomy.product", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// NewViper returns a viper instance reading configPath (or config.yaml from
// the search paths) with envPrefix overrides. Nested keys map to env vars by
// replacing dots with underscores, e.g. LOADER_DATABASE_HOST.
func NewViper(configPath, envPrefix string, searchPaths ...string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}
	return v, nil
}
