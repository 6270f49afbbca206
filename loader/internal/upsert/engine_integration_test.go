package upsert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/accountscope/loader/internal/repository"
)

func setupEngine(t *testing.T) (*Engine, *repository.Postgres) {
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

	_, err = repository.Migrate("file://../../migrations", connStr)
	require.NoError(t, err)

	db, err := repository.NewPostgres(ctx, connStr, repository.PoolConfig{MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return NewEngine(db.Pool(), DefaultTypeMap(), nil), db
}

func TestEngineAgainstPostgres(t *testing.T) {
	e, db := setupEngine(t)
	ctx := context.Background()

	t.Run("created then updated then skipped", func(t *testing.T) {
		stats := &Stats{}
		keys := []string{"account_id"}

		first := e.Upsert(ctx, "accounts",
			map[string]any{"account_id": "111122223333", "account_name": "Acme"}, keys, stats)
		require.NoError(t, first.Err)
		assert.Equal(t, Created, first.Result)

		second := e.Upsert(ctx, "accounts",
			map[string]any{"account_id": "111122223333", "account_name": "Acme Corp"}, keys, stats)
		require.NoError(t, second.Err)
		assert.Equal(t, Updated, second.Result)
		assert.Equal(t, *first.ID, *second.ID)

		third := e.Upsert(ctx, "accounts",
			map[string]any{"account_id": "111122223333", "account_name": "Acme Corp"}, keys, stats)
		require.NoError(t, third.Err)
		assert.Equal(t, Skipped, third.Result)
		assert.Equal(t, *first.ID, *third.ID)

		assert.Equal(t, Summary{Total: 3, Created: 1, Updated: 1, Skipped: 1}, stats.Snapshot())

		n, err := db.CountRows(ctx, "accounts")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("typed columns are idempotent", func(t *testing.T) {
		acct := e.Upsert(ctx, "accounts",
			map[string]any{"account_id": "444455556666", "account_name": "Typed"},
			[]string{"account_id"}, nil)
		require.True(t, acct.HasID())

		report := map[string]any{
			"account_id":                 *acct.ID,
			"current_period_cost":        json.Number("1234.56"),
			"previous_period_cost":       json.Number("1000"),
			"cost_difference":            json.Number("234.56"),
			"cost_difference_percentage": 23.456,
			"period_start":               "2025-03-01T00:00:00Z",
			"period_end":                 "2025-03-31T00:00:00Z",
			"period_granularity":         "MONTHLY",
		}
		keys := []string{"account_id", "period_start"}

		out := e.Upsert(ctx, "cost_reports", report, keys, nil)
		require.NoError(t, out.Err)
		assert.Equal(t, Created, out.Result)

		again := e.Upsert(ctx, "cost_reports", report, keys, nil)
		require.NoError(t, again.Err)
		assert.Equal(t, Skipped, again.Result)
		assert.Equal(t, *out.ID, *again.ID)

		signal := map[string]any{
			"account_id":     *acct.ID,
			"service_name":   "checkout",
			"namespace":      "prod",
			"key_attributes": map[string]any{"Type": "Service", "Name": "checkout"},
		}
		sigKeys := []string{"account_id", "service_name"}
		require.Equal(t, Created, e.Upsert(ctx, "application_signals", signal, sigKeys, nil).Result)
		assert.Equal(t, Skipped, e.Upsert(ctx, "application_signals", signal, sigKeys, nil).Result)

		signal["namespace"] = "staging"
		assert.Equal(t, Updated, e.Upsert(ctx, "application_signals", signal, sigKeys, nil).Result)
	})

	t.Run("database rejection is an error outcome", func(t *testing.T) {
		stats := &Stats{}
		out := e.Upsert(ctx, "cost_reports",
			map[string]any{"account_id": int64(1), "period_granularity": "FORTNIGHTLY", "period_start": "2025-01-01T00:00:00Z"},
			[]string{"account_id", "period_start"}, stats)

		assert.Equal(t, Error, out.Result)
		assert.Error(t, out.Err)
		assert.Equal(t, int64(1), stats.Snapshot().Errors)
	})
}
