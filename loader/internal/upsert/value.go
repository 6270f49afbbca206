package upsert

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedValue is returned by ValueOf for values that have no SQL form.
var ErrUnsupportedValue = errors.New("unsupported value")

// Kind discriminates Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindTimestamp
	KindJSON
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Value is a record field converted from decoded JSON. Exactly one of the
// payload fields is meaningful, selected by kind.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	t    time.Time
	s    string // text, or marshalled JSON
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }
func Text(s string) Value         { return Value{kind: KindText, s: s} }

// JSON wraps an already marshalled JSON document.
func JSON(raw []byte) Value { return Value{kind: KindJSON, s: string(raw)} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// ValueOf converts a decoded JSON value. Numbers decoded with UseNumber become
// Int when they fit in int64 and Float otherwise.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q: %v", ErrUnsupportedValue, t, err)
		}
		return Float(f), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	case string:
		return Text(t), nil
	case time.Time:
		return Timestamp(t), nil
	case *time.Time:
		if t == nil {
			return Null(), nil
		}
		return Timestamp(*t), nil
	case map[string]any, []any, []string, []map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return JSON(raw), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
}

func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return Float(f), nil
}

// Arg is the single conversion to a bind argument. Every non-null value is
// sent in its text form; the SQL cast, or the target column, types it.
func (v Value) Arg() any {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindTimestamp:
		return v.t.Format(time.RFC3339)
	case KindJSON, KindText:
		return v.s
	}
	return nil
}

// ArgFor converts v for a column of type t. Only array columns need a
// different wire form than Arg.
func (v Value) ArgFor(t Type) any {
	if t == TypeTextArray && v.kind == KindJSON {
		if lit, ok := arrayLiteral(v.s); ok {
			return lit
		}
	}
	return v.Arg()
}

// arrayLiteral renders a JSON list as a Postgres array literal.
func arrayLiteral(raw string) (string, bool) {
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return "", false
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			parts = append(parts, "NULL")
			continue
		}
		s, ok := item.(string)
		if !ok {
			s = fmt.Sprint(item)
		}
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		parts = append(parts, `"`+s+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}", true
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "NULL"
	}
	return fmt.Sprint(v.Arg())
}
