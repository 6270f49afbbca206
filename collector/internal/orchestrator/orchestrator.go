// Package orchestrator runs every domain source of one collection run
// concurrently and merges their sections into a composite document.
//
// A failing source never fails the run. It contributes the empty value of
// its domain and a Fail status that ends up in the document's logs section.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/accountscope/collector/internal/sources"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

// ErrIdentity is returned when the caller could not be resolved. No source
// runs in that case.
var ErrIdentity = errors.New("caller identity could not be resolved")

const (
	DefaultWorkers = 10
	MinWorkers     = 1
	MaxWorkers     = 32
)

// Result is the outcome of one run.
type Result struct {
	Caller   sources.Caller
	Document document.Composite
	Statuses []document.DomainStatus
	Log      document.RunLog
	Timings  map[document.Domain]time.Duration
}

// Passed returns the domains that passed, sorted.
func (r Result) Passed() []document.Domain {
	return r.with(document.Pass)
}

// Failed returns the domains that failed, sorted.
func (r Result) Failed() []document.Domain {
	return r.with(document.Fail)
}

func (r Result) with(s document.Status) []document.Domain {
	var out []document.Domain
	for _, st := range r.Statuses {
		if st.Status == s {
			out = append(out, st.Domain)
		}
	}
	return out
}

type taskResult struct {
	index   int
	domain  document.Domain
	value   any
	status  document.DomainStatus
	elapsed time.Duration
}

// Orchestrator fans a run out over its sources.
type Orchestrator struct {
	identity sources.Identity
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an Orchestrator. workers is clamped to [MinWorkers, MaxWorkers]
// and a zero value means DefaultWorkers. A non-positive timeout disables the
// run deadline.
func New(identity sources.Identity, workers int, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if workers == 0 {
		workers = DefaultWorkers
	}
	workers = max(MinWorkers, min(workers, MaxWorkers))
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		identity: identity,
		workers:  workers,
		timeout:  timeout,
		logger:   logger.With(logging.Component("orchestrator")),
		now:      time.Now,
	}
}

// Collect resolves the caller, runs srcs for w and merges the result. The
// scope's account defaults to the caller's account.
func (o *Orchestrator) Collect(ctx context.Context, scope sources.Scope, w window.Window, srcs []sources.Source) (Result, error) {
	caller, err := o.identity.Resolve(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrIdentity, err)
	}
	if scope.AccountID == "" {
		scope.AccountID = caller.AccountID
	}
	logger := o.logger.With(logging.Account(scope.AccountID), logging.Interval(string(w.Interval)))

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	results := make(chan taskResult, len(srcs))
	done := make(chan struct{})
	go func() {
		defer close(done)
		g := new(errgroup.Group)
		g.SetLimit(o.workers)
		for i, src := range srcs {
			g.Go(func() error {
				results <- o.run(runCtx, logger, i, src, scope, w)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var got []taskResult
	select {
	case <-done:
	case <-runCtx.Done():
		logger.WarnContext(ctx, "run deadline reached before every source reported")
	}
drain:
	for {
		select {
		case r := <-results:
			got = append(got, r)
		default:
			break drain
		}
	}

	joinErr := runCtx.Err()
	if joinErr == nil {
		joinErr = context.DeadlineExceeded
	}
	res := o.merge(logger, scope, srcs, got, joinErr)
	res.Caller = caller
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, index int, src sources.Source, scope sources.Scope, w window.Window) (res taskResult) {
	d := src.Domain()
	start := time.Now()
	res = taskResult{index: index, domain: d}

	defer func() {
		if r := recover(); r != nil {
			res.value = document.Empty(d)
			res.status = document.Failed(d, fmt.Errorf("panic: %v", r))
			logger.ErrorContext(ctx, "source panicked", logging.Domain(string(d)), slog.Any("panic", r))
		}
		res.elapsed = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.value = document.Empty(d)
		res.status = document.Failed(d, err)
		return res
	}

	v, err := src.Collect(ctx, scope, w)
	var partial *sources.PartialError
	if errors.As(err, &partial) && v != nil {
		logger.WarnContext(ctx, "source partially failed", logging.Domain(string(d)), logging.Error(err))
		res.value = v
		res.status = document.PassedWith(d, err)
		return res
	}
	if err != nil {
		logger.WarnContext(ctx, "source failed", logging.Domain(string(d)), logging.Error(err))
		res.value = document.Empty(d)
		res.status = document.Failed(d, err)
		return res
	}
	if v == nil {
		v = document.Empty(d)
	}
	res.value = v
	res.status = document.Passed(d)
	return res
}

func (o *Orchestrator) merge(logger *slog.Logger, scope sources.Scope, srcs []sources.Source, got []taskResult, joinErr error) Result {
	res := Result{
		Document: document.Composite{},
		Timings:  make(map[document.Domain]time.Duration, len(srcs)),
	}

	reported := make([]bool, len(srcs))
	for _, r := range got {
		reported[r.index] = true
		res.Document[string(r.domain)] = r.value
		res.Statuses = append(res.Statuses, r.status)
		res.Timings[r.domain] = r.elapsed
	}
	for i, src := range srcs {
		if reported[i] {
			continue
		}
		d := src.Domain()
		logger.Warn("source did not report", logging.Domain(string(d)), logging.Error(joinErr))
		res.Document[string(d)] = document.Empty(d)
		res.Statuses = append(res.Statuses, document.Failed(d, joinErr))
	}

	for _, d := range document.Collected() {
		if _, ok := res.Document[string(d)]; ok {
			continue
		}
		res.Document[string(d)] = document.Empty(d)
		res.Statuses = append(res.Statuses, document.DomainStatus{Domain: d, Status: document.Unknown})
	}

	sort.SliceStable(res.Statuses, func(i, j int) bool { return res.Statuses[i].Domain < res.Statuses[j].Domain })
	res.Log = document.NewRunLog(scope.AccountID, o.now().UTC(), res.Statuses)
	res.Document[string(document.Logs)] = res.Log.Fields()
	return res
}
