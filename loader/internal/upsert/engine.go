// Package upsert reconciles one record at a time into a table without
// relying on database conflict clauses: it looks the row up by a caller
// supplied unique key set, then inserts or updates.
//
// The lookup and the write are separate statements. Concurrent writers to
// the same unique key can both miss the lookup and insert twice; callers
// hold a lease per staged document so that a key has one writer at a time.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telhawk-systems/accountscope/common/logging"
)

// Result is the kind of outcome of one Upsert.
type Result int

const (
	Created Result = iota + 1
	Updated
	Skipped
	Error
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	case Error:
		return "error"
	}
	return "unknown"
}

// Outcome is the result of one Upsert. ID is set whenever the row's
// surrogate id is known.
type Outcome struct {
	Result Result
	ID     *int64
	Err    error
}

// HasID reports whether children of this record may be linked to it.
func (o Outcome) HasID() bool { return o.ID != nil }

// DB is the subset of *pgxpool.Pool the engine uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// immutable columns are never part of an UPDATE.
var immutable = map[string]bool{"id": true, "created_at": true}

// Engine performs type-aware lookup-then-write upserts.
type Engine struct {
	db      DB
	builder Builder
	logger  *slog.Logger
}

func NewEngine(db DB, types TypeMap, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:      db,
		builder: NewBuilder(types),
		logger:  logger.With(logging.Component("upsert")),
	}
}

// Upsert reconciles record into table, identified by the unique keys present
// in record. Failures are returned as an Error outcome, never as a panic.
// When stats is non-nil the outcome is counted.
func (e *Engine) Upsert(ctx context.Context, table string, record map[string]any, uniqueKeys []string, stats *Stats) Outcome {
	out := e.upsert(ctx, table, record, uniqueKeys)
	if out.Result == Error {
		e.logger.WarnContext(ctx, "upsert failed",
			logging.Table(table),
			logging.Error(out.Err))
	}
	if stats != nil {
		stats.Record(out.Result)
	}
	return out
}

func (e *Engine) upsert(ctx context.Context, table string, record map[string]any, uniqueKeys []string) Outcome {
	if !ValidIdentifier(table) {
		return failed(fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table))
	}
	for _, k := range uniqueKeys {
		if !ValidIdentifier(k) {
			return failed(fmt.Errorf("%w: unique key %q", ErrInvalidIdentifier, k))
		}
	}

	fields, err := toFields(record)
	if err != nil {
		return failed(err)
	}

	keys := make([]Field, 0, len(uniqueKeys))
	for _, k := range uniqueKeys {
		if _, ok := record[k]; !ok {
			continue
		}
		keys = append(keys, Field{Column: k, Value: fieldValue(fields, k)})
	}
	if len(keys) == 0 {
		return failed(fmt.Errorf("%w: %s %v", ErrNoUniqueKey, table, uniqueKeys))
	}

	lookup, err := e.builder.Select(table, keys)
	if err != nil {
		return failed(err)
	}
	var id int64
	err = e.db.QueryRow(ctx, lookup.SQL, lookup.Args...).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return e.insert(ctx, table, fields)
	case err != nil:
		return failed(fmt.Errorf("lookup %s: %w", table, err))
	}

	set := make([]Field, 0, len(fields))
	for _, f := range fields {
		if !immutable[f.Column] {
			set = append(set, f)
		}
	}
	if len(set) == 0 {
		return Outcome{Result: Skipped}
	}

	update, err := e.builder.Update(table, set, keys)
	if err != nil {
		return failed(err)
	}
	tag, err := e.db.Exec(ctx, update.SQL, update.Args...)
	if err != nil {
		return failed(fmt.Errorf("update %s: %w", table, err))
	}
	if tag.RowsAffected() == 0 {
		return Outcome{Result: Skipped, ID: &id}
	}
	return Outcome{Result: Updated, ID: &id}
}

func (e *Engine) insert(ctx context.Context, table string, fields []Field) Outcome {
	stmt, err := e.builder.Insert(table, fields)
	if err != nil {
		return failed(err)
	}
	var id int64
	if err := e.db.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&id); err != nil {
		return failed(fmt.Errorf("insert %s: %w", table, err))
	}
	return Outcome{Result: Created, ID: &id}
}

func failed(err error) Outcome {
	return Outcome{Result: Error, Err: err}
}

// toFields validates and converts record, ordered by column name so the
// generated SQL is stable.
func toFields(record map[string]any) ([]Field, error) {
	cols := make([]string, 0, len(record))
	for c := range record {
		if !ValidIdentifier(c) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	fields := make([]Field, 0, len(cols))
	for _, c := range cols {
		v, err := ValueOf(record[c])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c, err)
		}
		fields = append(fields, Field{Column: c, Value: v})
	}
	return fields, nil
}

func fieldValue(fields []Field, column string) Value {
	for _, f := range fields {
		if f.Column == column {
			return f.Value
		}
	}
	return Null()
}
