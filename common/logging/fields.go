package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the collector and loader.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldAccount   = "account"
	FieldRegion    = "region"
	FieldDomain    = "domain"
	FieldInterval  = "interval"
	FieldTable     = "table"
	FieldKey       = "key"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

func Account(id string) slog.Attr {
	return slog.String(FieldAccount, id)
}

func Region(region string) slog.Attr {
	return slog.String(FieldRegion, region)
}

func Domain(name string) slog.Attr {
	return slog.String(FieldDomain, name)
}

func Interval(name string) slog.Attr {
	return slog.String(FieldInterval, name)
}

func Table(name string) slog.Attr {
	return slog.String(FieldTable, name)
}

// Key returns a slog attribute for an object store key.
func Key(key string) slog.Attr {
	return slog.String(FieldKey, key)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error logs as "".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
