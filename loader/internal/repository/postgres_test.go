package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testMigrations = "file://../../migrations"

// setupTestDatabase starts a PostgreSQL container and returns its
// connection string.
func setupTestDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("accountscope_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestMigrate(t *testing.T) {
	connStr := setupTestDatabase(t)

	version, err := Migrate(testMigrations, connStr)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	t.Run("second run is a no-op", func(t *testing.T) {
		version, err := Migrate(testMigrations, connStr)
		require.NoError(t, err)
		assert.Equal(t, uint(1), version)
	})

	ctx := context.Background()
	db, err := NewPostgres(ctx, connStr, PoolConfig{MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(ctx))

	for _, table := range []string{
		"accounts", "contact_info", "alternate_contacts", "config_reports",
		"non_compliant_resources", "services", "cost_reports", "service_costs",
		"cost_forecasts", "security", "findings", "guard_duty_findings", "kms_keys",
		"waf_rules", "waf_rules_detailed", "cloudtrail_logs", "secrets_manager_secrets",
		"certificates", "inspector_findings", "inventory_instances",
		"inventory_applications", "inventory_patches", "marketplace_usage",
		"trusted_advisor_checks", "health_events", "application_signals",
		"resilience_hub_apps", "logs", "log_messages",
	} {
		n, err := db.CountRows(ctx, table)
		require.NoError(t, err, table)
		assert.Zero(t, n, table)
	}
}

func TestNewPostgresBadConnString(t *testing.T) {
	_, err := NewPostgres(context.Background(), "not a url ::", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database config")
}

func TestMigrateBadSource(t *testing.T) {
	_, err := Migrate("file:///nonexistent/accountscope/migrations", "postgres://u:p@127.0.0.1:1/db?sslmode=disable")
	require.Error(t, err)
}
