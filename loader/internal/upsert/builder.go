package upsert

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidIdentifier is returned for a table or column name that could
	// not be safely interpolated.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNoUniqueKey is returned when none of the unique key columns is
	// present in the record.
	ErrNoUniqueKey = errors.New("no unique key present in record")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s may be used as a table or column name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Field is one column/value pair of a statement.
type Field struct {
	Column string
	Value  Value
}

// Statement is generated SQL with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Builder generates the engine's SQL. It is the only place identifiers are
// interpolated; every value is a $n bind argument.
type Builder struct {
	types TypeMap
}

func NewBuilder(types TypeMap) Builder {
	if types == nil {
		types = TypeMap{}
	}
	return Builder{types: types}
}

type params struct {
	args []any
}

func (p *params) bind(b Builder, f Field) string {
	t := b.types.Lookup(f.Column)
	p.args = append(p.args, f.Value.ArgFor(t))
	return fmt.Sprintf("$%d%s", len(p.args), t.Cast())
}

func (b Builder) where(p *params, keys []Field) string {
	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Value.IsNull() {
			conds = append(conds, k.Column+" IS NULL")
			continue
		}
		conds = append(conds, k.Column+" = "+p.bind(b, k))
	}
	return strings.Join(conds, " AND ")
}

// Select builds the single-row existence lookup.
func (b Builder) Select(table string, keys []Field) (Statement, error) {
	if err := validate(table, keys); err != nil {
		return Statement{}, err
	}
	if len(keys) == 0 {
		return Statement{}, ErrNoUniqueKey
	}
	p := &params{}
	sql := fmt.Sprintf("SELECT id FROM %s WHERE %s LIMIT 1", table, b.where(p, keys))
	return Statement{SQL: sql, Args: p.args}, nil
}

// Update builds an UPDATE that only touches the row when at least one column
// differs, so an unchanged record affects zero rows.
func (b Builder) Update(table string, set, keys []Field) (Statement, error) {
	if err := validate(table, set, keys); err != nil {
		return Statement{}, err
	}
	if len(keys) == 0 {
		return Statement{}, ErrNoUniqueKey
	}
	p := &params{}
	assignments := make([]string, 0, len(set))
	changed := make([]string, 0, len(set))
	for _, f := range set {
		ph := p.bind(b, f)
		assignments = append(assignments, f.Column+" = "+ph)
		changed = append(changed, f.Column+" IS DISTINCT FROM "+ph)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s AND (%s)",
		table,
		strings.Join(assignments, ", "),
		b.where(p, keys),
		strings.Join(changed, " OR "))
	return Statement{SQL: sql, Args: p.args}, nil
}

// Insert builds an INSERT returning the surrogate id.
func (b Builder) Insert(table string, fields []Field) (Statement, error) {
	if err := validate(table, fields); err != nil {
		return Statement{}, err
	}
	p := &params{}
	cols := make([]string, 0, len(fields))
	vals := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, f.Column)
		vals = append(vals, p.bind(b, f))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(vals, ", "))
	return Statement{SQL: sql, Args: p.args}, nil
}

func validate(table string, groups ...[]Field) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	for _, g := range groups {
		for _, f := range g {
			if !ValidIdentifier(f.Column) {
				return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, f.Column)
			}
		}
	}
	return nil
}
