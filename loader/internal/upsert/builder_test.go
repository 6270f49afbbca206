package upsert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderSelect(t *testing.T) {
	b := NewBuilder(DefaultTypeMap())

	tests := []struct {
		name     string
		keys     []Field
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "text key has no cast",
			keys:     []Field{{Column: "account_id", Value: Text("123456789012")}},
			wantSQL:  "SELECT id FROM accounts WHERE account_id = $1 LIMIT 1",
			wantArgs: []any{"123456789012"},
		},
		{
			name: "registered key is cast",
			keys: []Field{
				{Column: "account_id", Value: Int(3)},
				{Column: "date_from", Value: Timestamp(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))},
			},
			wantSQL:  "SELECT id FROM accounts WHERE account_id = $1 AND date_from = $2::timestamp LIMIT 1",
			wantArgs: []any{"3", "2025-03-03T00:00:00Z"},
		},
		{
			name: "null key matches IS NULL",
			keys: []Field{
				{Column: "account_id", Value: Int(3)},
				{Column: "service", Value: Null()},
			},
			wantSQL:  "SELECT id FROM accounts WHERE account_id = $1 AND service IS NULL LIMIT 1",
			wantArgs: []any{"3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := b.Select("accounts", tt.keys)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, stmt.SQL)
			assert.Equal(t, tt.wantArgs, stmt.Args)
		})
	}
}

func TestBuilderUpdate(t *testing.T) {
	b := NewBuilder(DefaultTypeMap())

	set := []Field{
		{Column: "cost", Value: Float(12.5)},
		{Column: "currency", Value: Text("USD")},
	}
	keys := []Field{{Column: "service", Value: Text("Amazon S3")}}

	stmt, err := b.Update("services", set, keys)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE services SET cost = $1::numeric, currency = $2 WHERE service = $3 "+
			"AND (cost IS DISTINCT FROM $1::numeric OR currency IS DISTINCT FROM $2)",
		stmt.SQL)
	assert.Equal(t, []any{"12.5", "USD", "Amazon S3"}, stmt.Args)
}

func TestBuilderInsert(t *testing.T) {
	b := NewBuilder(DefaultTypeMap())

	fields := []Field{
		{Column: "key_attributes", Value: JSON([]byte(`{"Type":"Service"}`))},
		{Column: "period_granularity", Value: Text("MONTHLY")},
		{Column: "service_name", Value: Text("checkout")},
	}

	stmt, err := b.Insert("application_signals", fields)
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO application_signals (key_attributes, period_granularity, service_name) "+
			"VALUES ($1::jsonb, $2::period_granularity_type, $3) RETURNING id",
		stmt.SQL)
	assert.Equal(t, []any{`{"Type":"Service"}`, "MONTHLY", "checkout"}, stmt.Args)
}

func TestBuilderArrayColumn(t *testing.T) {
	b := NewBuilder(TypeMap{"regions": TypeTextArray})

	v, err := ValueOf([]any{"us-east-1", `quo"te`})
	require.NoError(t, err)

	stmt, err := b.Insert("t", []Field{{Column: "regions", Value: v}})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (regions) VALUES ($1::varchar[]) RETURNING id", stmt.SQL)
	assert.Equal(t, []any{`{"us-east-1","quo\"te"}`}, stmt.Args)
}

func TestBuilderRejectsIdentifiers(t *testing.T) {
	b := NewBuilder(nil)
	ok := []Field{{Column: "a", Value: Int(1)}}

	_, err := b.Select("accounts; DROP TABLE accounts", ok)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = b.Insert("accounts", []Field{{Column: "1col", Value: Int(1)}})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = b.Update("accounts", ok, []Field{{Column: "a b", Value: Int(1)}})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = b.Select("accounts", nil)
	assert.ErrorIs(t, err, ErrNoUniqueKey)
}

func TestValidIdentifier(t *testing.T) {
	for _, s := range []string{"accounts", "_x", "A1_b2"} {
		assert.True(t, ValidIdentifier(s), s)
	}
	for _, s := range []string{"", "1a", "a-b", "a.b", `a"`, "a b"} {
		assert.False(t, ValidIdentifier(s), s)
	}
}
