// Package sources adapts AWS service APIs into per-domain collection
// sources. Every adapter depends on a narrow interface over the SDK client so
// it can be exercised with fakes, and waits on a shared Throttle before each
// call.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	scopeconfig "github.com/telhawk-systems/accountscope/common/config"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

// Scope is what one collection run is about.
type Scope struct {
	AccountID string
	Region    string
	Taxonomy  scopeconfig.TaxonomyConfig
}

// Source produces the section of one domain for a window.
type Source interface {
	Domain() document.Domain
	Collect(ctx context.Context, scope Scope, w window.Window) (any, error)
}

// PartialError is returned together with a usable section when some parts
// of a domain could not be collected. The domain still passes and the
// failures are recorded in the run log.
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *PartialError) Unwrap() []error { return e.Errs }

// Func adapts a plain function to Source.
type Func struct {
	D document.Domain
	F func(ctx context.Context, scope Scope, w window.Window) (any, error)
}

func (f Func) Domain() document.Domain { return f.D }

func (f Func) Collect(ctx context.Context, scope Scope, w window.Window) (any, error) {
	return f.F(ctx, scope, w)
}

// Throttle bounds the request rate of every adapter sharing it. A nil
// Throttle does not wait.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(rps float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until one more call is allowed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

// Filter keeps the sources whose domain is listed. An empty list keeps all.
// Unknown names are returned so the caller can reject the configuration.
func Filter(all []Source, domains []string) ([]Source, []string) {
	if len(domains) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}
	var kept []Source
	for _, s := range all {
		if want[string(s.Domain())] {
			kept = append(kept, s)
			delete(want, string(s.Domain()))
		}
	}
	unknown := make([]string, 0, len(want))
	for d := range want {
		unknown = append(unknown, d)
	}
	sort.Strings(unknown)
	return kept, unknown
}

// inWindow reports whether any of ts falls within [start, end].
func inWindow(start, end time.Time, ts ...*time.Time) bool {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if !t.Before(start) && !t.After(end) {
			return true
		}
	}
	return false
}

// windowBounds is the closed instant range a source filters timestamps on.
// A daily window is the day before its as-of date, matching the Cost
// Explorer period; longer windows run through 23:59:59 UTC of End.
func windowBounds(w window.Window) (time.Time, time.Time) {
	if w.Interval == window.Daily {
		return w.Start, w.End.Add(-time.Second)
	}
	return w.Start, w.End.Add(24*time.Hour - time.Second)
}

func sourceLogger(logger *slog.Logger, d document.Domain) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(logging.Domain(string(d)))
}
