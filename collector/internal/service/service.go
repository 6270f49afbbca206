// Package service drives collection runs: one window at a time, or a day by
// day history backfill. Each run is collected, staged under its window key
// and announced to the loader.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/telhawk-systems/accountscope/collector/internal/metrics"
	"github.com/telhawk-systems/accountscope/collector/internal/orchestrator"
	"github.com/telhawk-systems/accountscope/collector/internal/sources"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/messaging"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/common/window"
)

// Collector is implemented by *orchestrator.Orchestrator.
type Collector interface {
	Collect(ctx context.Context, scope sources.Scope, w window.Window, srcs []sources.Source) (orchestrator.Result, error)
}

// Stager is the part of *staging.Pipeline the service uses.
type Stager interface {
	Stage(ctx context.Context, key staging.Key, doc document.Composite) (staging.ObjectRef, error)
}

// Notifier is implemented by *messaging.Notifier.
type Notifier interface {
	Staged(ctx context.Context, k staging.Key)
}

// stageStep is the processing_times entry for writing the document.
const stageStep = "stage"

// RunSummary reports one staged window.
type RunSummary struct {
	Account         string             `json:"account" yaml:"account"`
	Key             string             `json:"key" yaml:"key"`
	DomainsPassed   []document.Domain  `json:"domains_passed" yaml:"domains_passed"`
	DomainsFailed   []document.Domain  `json:"domains_failed" yaml:"domains_failed"`
	ProcessingTimes map[string]float64 `json:"processing_times" yaml:"processing_times"`
	Duration        time.Duration      `json:"-" yaml:"-"`
}

// HistorySummary reports a backfill.
type HistorySummary struct {
	From            string       `json:"from" yaml:"from"`
	To              string       `json:"to" yaml:"to"`
	Staged          int          `json:"staged" yaml:"staged"`
	Failed          int          `json:"failed" yaml:"failed"`
	TotalTime       float64      `json:"total_time" yaml:"total_time"`
	AvgTime         float64      `json:"avg_time" yaml:"avg_time"`
	ProcessingTimes []HistoryDay `json:"processing_times" yaml:"processing_times"`
}

// HistoryDay is the breakdown of one backfilled day. Details holds the
// per-domain and stage timings of the run, empty when collection failed.
type HistoryDay struct {
	Date           string             `json:"date" yaml:"date"`
	Interval       window.Interval    `json:"interval" yaml:"interval"`
	Key            string             `json:"key,omitempty" yaml:"key,omitempty"`
	ProcessingTime float64            `json:"processing_time" yaml:"processing_time"`
	DomainsPassed  []document.Domain  `json:"domains_passed" yaml:"domains_passed"`
	DomainsFailed  []document.Domain  `json:"domains_failed" yaml:"domains_failed"`
	Details        map[string]float64 `json:"details" yaml:"details"`
	Error          string             `json:"error,omitempty" yaml:"error,omitempty"`
}

// Service runs collections for one scope.
type Service struct {
	collector Collector
	stager    Stager
	sources   []sources.Source
	scope     sources.Scope
	locker    lease.Locker
	notifier  Notifier
	stats     runstats.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a service. A nil locker falls back to a LocalLocker. A nil
// notifier or recorder disables that concern.
func New(collector Collector, stager Stager, srcs []sources.Source, scope sources.Scope, locker lease.Locker, notifier Notifier, stats runstats.Recorder, logger *slog.Logger) *Service {
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	if notifier == nil {
		notifier = messaging.NewNotifier(nil, logger)
	}
	if stats == nil {
		stats = runstats.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		collector: collector,
		stager:    stager,
		sources:   srcs,
		scope:     scope,
		locker:    locker,
		notifier:  notifier,
		stats:     stats,
		logger:    logger.With(logging.Component("service")),
		now:       time.Now,
	}
}

// Handle executes an invocation event: a single run for the window ending
// today, or a history backfill. It returns a *RunSummary or a
// *HistorySummary.
func (s *Service) Handle(ctx context.Context, ev window.Event) (any, error) {
	plan, err := ev.Plan(s.now())
	if err != nil {
		return nil, err
	}
	if !plan.History {
		sum, err := s.Run(ctx, window.Resolve(plan.Interval, plan.To))
		if err != nil {
			return nil, err
		}
		return &sum, nil
	}
	sum, err := s.Backfill(ctx, plan)
	return &sum, err
}

// Run collects w and stages the document. Domain failures are reported in
// the summary; only identity, lease and staging errors fail the run.
func (s *Service) Run(ctx context.Context, w window.Window) (RunSummary, error) {
	start := time.Now()
	logger := s.logger.With(logging.Interval(string(w.Interval)), slog.String("as_of", document.FormatDate(w.AsOf)))

	res, err := s.collector.Collect(ctx, s.scope, w, s.sources)
	if err != nil {
		metrics.RunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return RunSummary{}, fmt.Errorf("failed to collect: %w", err)
	}

	account := res.Log.AccountID
	key := staging.KeyFor(account, s.scope.Region, w)
	logger = logger.With(logging.Account(account), logging.Key(key.String()))

	sum := RunSummary{
		Account:         account,
		Key:             key.String(),
		DomainsPassed:   res.Passed(),
		DomainsFailed:   res.Failed(),
		ProcessingTimes: make(map[string]float64, len(res.Timings)+1),
	}
	for d, elapsed := range res.Timings {
		sum.ProcessingTimes[string(d)] = seconds(elapsed)
		metrics.DomainDuration.WithLabelValues(string(d)).Observe(elapsed.Seconds())
	}
	for _, d := range sum.DomainsFailed {
		metrics.DomainFailuresTotal.WithLabelValues(string(d)).Inc()
	}

	if err := s.stage(ctx, key, res.Document, &sum, logger); err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			metrics.RunsTotal.WithLabelValues(metrics.ResultHeld).Inc()
		} else {
			metrics.RunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		}
		return sum, err
	}

	sum.Duration = time.Since(start)
	metrics.RunsTotal.WithLabelValues(metrics.ResultStaged).Inc()
	metrics.RunDuration.Observe(sum.Duration.Seconds())

	if err := s.stats.RecordCollection(ctx, account, key.String(), len(sum.DomainsFailed)); err != nil {
		logger.WarnContext(ctx, "failed to record collection stats", logging.Error(err))
	}
	s.notifier.Staged(ctx, key)

	logger.InfoContext(ctx, "document staged",
		slog.Int("domains_passed", len(sum.DomainsPassed)),
		slog.Int("domains_failed", len(sum.DomainsFailed)),
		logging.Duration(sum.Duration))
	return sum, nil
}

// stage writes doc under key while holding the key's lease, so overlapping
// runs for one window never interleave.
func (s *Service) stage(ctx context.Context, key staging.Key, doc document.Composite, sum *RunSummary, logger *slog.Logger) error {
	l, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			logger.InfoContext(ctx, "window is being staged elsewhere")
		}
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "failed to release lease", logging.Error(err))
		}
	}()

	start := time.Now()
	if _, err := s.stager.Stage(ctx, key, doc); err != nil {
		return err
	}
	elapsed := time.Since(start)
	sum.ProcessingTimes[stageStep] = seconds(elapsed)
	metrics.StageDuration.Observe(elapsed.Seconds())
	metrics.DocumentsStagedTotal.Inc()
	return nil
}

// Backfill runs every day of plan in order, one at a time. A failed day is
// counted and the backfill moves on, except for identity failures and
// cancellation, which stop it.
func (s *Service) Backfill(ctx context.Context, plan window.Plan) (HistorySummary, error) {
	start := time.Now()
	days := plan.Days()
	sum := HistorySummary{
		From:            document.FormatDate(plan.From),
		To:              document.FormatDate(plan.To),
		ProcessingTimes: make([]HistoryDay, 0, len(days)),
	}
	s.logger.InfoContext(ctx, "backfill started",
		slog.String("from", sum.From),
		slog.String("to", sum.To),
		logging.Interval(string(plan.Interval)),
		slog.Int("days", len(days)))

	var err error
	for _, day := range days {
		if err = ctx.Err(); err != nil {
			break
		}
		dayStart := time.Now()
		run, runErr := s.Run(ctx, window.Resolve(plan.Interval, day))
		entry := HistoryDay{
			Date:           document.FormatDate(day),
			Interval:       plan.Interval,
			Key:            run.Key,
			ProcessingTime: seconds(time.Since(dayStart)),
			DomainsPassed:  run.DomainsPassed,
			DomainsFailed:  run.DomainsFailed,
			Details:        run.ProcessingTimes,
		}
		if entry.Details == nil {
			entry.Details = map[string]float64{}
		}
		if runErr != nil {
			entry.Error = runErr.Error()
		}
		sum.ProcessingTimes = append(sum.ProcessingTimes, entry)
		if runErr == nil {
			sum.Staged++
			continue
		}
		sum.Failed++
		if errors.Is(runErr, orchestrator.ErrIdentity) || ctx.Err() != nil {
			err = runErr
			break
		}
		s.logger.WarnContext(ctx, "backfill day failed",
			slog.String("as_of", document.FormatDate(day)),
			logging.Error(runErr))
	}

	total := time.Since(start)
	sum.TotalTime = seconds(total)
	if done := sum.Staged + sum.Failed; done > 0 {
		sum.AvgTime = round2(total.Seconds() / float64(done))
	}
	s.logger.InfoContext(ctx, "backfill complete",
		slog.Int("staged", sum.Staged),
		slog.Int("failed", sum.Failed),
		logging.Duration(total))
	return sum, err
}

func seconds(d time.Duration) float64 {
	return round2(d.Seconds())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
