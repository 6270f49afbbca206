package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Collection.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Collection.RunTimeout)
	assert.Equal(t, 10.0, cfg.Collection.RateLimit)
	assert.Equal(t, 5, cfg.Collection.Burst)
	assert.Equal(t, []string{"DAILY"}, cfg.Collection.Intervals)
	assert.Equal(t, 24*time.Hour, cfg.Collection.Schedule)
	assert.Empty(t, cfg.Collection.Domains)
	assert.Equal(t, "ap-southeast-1", cfg.AWS.Region)
	assert.Equal(t, "s3", cfg.Staging.Backend)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COLLECTOR_COLLECTION_WORKERS", "64")
	t.Setenv("COLLECTOR_STAGING_BUCKET", "scope-staging")
	t.Setenv("COLLECTOR_STAGING_KMS_KEY_ID", "alias/scope")
	t.Setenv("COLLECTOR_TAXONOMY_PARTNER", "Globex")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, MaxWorkers, cfg.Collection.Workers, "clamped to the upper bound")
	assert.Equal(t, "scope-staging", cfg.Staging.Bucket)
	assert.Equal(t, "alias/scope", cfg.Staging.KMSKeyID)
	assert.Equal(t, "Globex", cfg.Taxonomy.Partner)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	body := `collection:
  workers: 0
  run_timeout: 90s
  intervals: [DAILY, MONTHLY]
  domains: [cost, service]
aws:
  region: eu-west-1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, MinWorkers, cfg.Collection.Workers)
	assert.Equal(t, 90*time.Second, cfg.Collection.RunTimeout)
	assert.Equal(t, []string{"DAILY", "MONTHLY"}, cfg.Collection.Intervals)
	assert.Equal(t, []string{"cost", "service"}, cfg.Collection.Domains)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"zero run timeout", "COLLECTOR_COLLECTION_RUN_TIMEOUT", "0s"},
		{"negative rate limit", "COLLECTOR_COLLECTION_RATE_LIMIT", "-1"},
		{"zero schedule", "COLLECTOR_COLLECTION_SCHEDULE", "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestClampWorkers(t *testing.T) {
	assert.Equal(t, 1, ClampWorkers(-3))
	assert.Equal(t, 1, ClampWorkers(0))
	assert.Equal(t, 10, ClampWorkers(10))
	assert.Equal(t, 32, ClampWorkers(33))
}
