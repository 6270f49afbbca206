package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/messaging"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/loader/internal/metrics"
	"github.com/telhawk-systems/accountscope/loader/internal/upsert"
)

// Pipeline is the part of *staging.Pipeline the processor uses.
type Pipeline interface {
	Read(ctx context.Context, key staging.Key) (document.Composite, error)
	Promote(ctx context.Context, ref staging.ObjectRef) error
	Reject(ctx context.Context, ref staging.ObjectRef) error
	ListPending(ctx context.Context, account string) ([]staging.Key, error)
}

// Notifier is implemented by *messaging.Notifier.
type Notifier interface {
	Loaded(ctx context.Context, k staging.Key, stats messaging.LoadStats)
	Rejected(ctx context.Context, k staging.Key, reason string)
}

// Ingester is implemented by *Driver.
type Ingester interface {
	Ingest(ctx context.Context, doc document.Composite) (upsert.Summary, error)
}

// Outcome is what happened to one staged document.
type Outcome string

const (
	OutcomeLoaded   Outcome = metrics.OutcomeLoaded
	OutcomeRejected Outcome = metrics.OutcomeRejected
	OutcomeFailed   Outcome = metrics.OutcomeFailed
	OutcomeSkipped  Outcome = metrics.OutcomeSkipped
)

// Result describes one Process call.
type Result struct {
	Key      staging.Key
	Outcome  Outcome
	Records  upsert.Summary
	Duration time.Duration
}

// DrainSummary aggregates a Drain. Held counts documents another worker
// was already processing.
type DrainSummary struct {
	Total     int            `json:"total"`
	Loaded    int            `json:"loaded"`
	NotLoaded int            `json:"not_loaded"`
	Rejected  int            `json:"rejected"`
	Failed    int            `json:"failed"`
	Held      int            `json:"held"`
	Records   upsert.Summary `json:"records"`
	Duration  time.Duration  `json:"-"`
}

func (s *DrainSummary) add(r Result) {
	s.Total++
	switch r.Outcome {
	case OutcomeLoaded:
		s.Loaded++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Held++
	}
	s.NotLoaded = s.Total - s.Loaded
	s.Records = s.Records.Add(r.Records)
}

// Processor moves staged documents through ingestion and promotion.
type Processor struct {
	pipeline Pipeline
	ingester Ingester
	locker   lease.Locker
	notifier Notifier
	stats    runstats.Recorder
	logger   *slog.Logger
}

// NewProcessor wires a processor. A nil locker falls back to a
// LocalLocker. A nil notifier or recorder disables that concern.
func NewProcessor(pipeline Pipeline, ingester Ingester, locker lease.Locker, notifier Notifier, stats runstats.Recorder, logger *slog.Logger) *Processor {
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
	return &Processor{
		pipeline: pipeline,
		ingester: ingester,
		locker:   locker,
		notifier: notifier,
		stats:    stats,
		logger:   logger.With(logging.Component("processor")),
	}
}

// Process ingests one pending document. Loaded documents are promoted and
// invalid ones rejected. Any other failure leaves the document pending and
// is returned. A lease held elsewhere returns lease.ErrLeaseHeld.
func (p *Processor) Process(ctx context.Context, key staging.Key) (Result, error) {
	start := time.Now()
	res := Result{Key: key}
	logger := p.logger.With(logging.Key(key.String()), logging.Account(key.Account))

	l, err := p.locker.Acquire(ctx, key.String())
	if err != nil {
		res.Outcome = OutcomeSkipped
		if errors.Is(err, lease.ErrLeaseHeld) {
			logger.InfoContext(ctx, "document is being processed elsewhere")
			metrics.DocumentsTotal.WithLabelValues(string(res.Outcome)).Inc()
			return res, err
		}
		res.Outcome = OutcomeFailed
		metrics.DocumentsTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "failed to release lease", logging.Error(err))
		}
	}()

	res, err = p.process(ctx, key, logger)
	res.Duration = time.Since(start)

	metrics.DocumentsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.DocumentDuration.Observe(res.Duration.Seconds())
	metrics.RecordsTotal.WithLabelValues(upsert.Created.String()).Add(float64(res.Records.Created))
	metrics.RecordsTotal.WithLabelValues(upsert.Updated.String()).Add(float64(res.Records.Updated))
	metrics.RecordsTotal.WithLabelValues(upsert.Skipped.String()).Add(float64(res.Records.Skipped))
	metrics.RecordsTotal.WithLabelValues(upsert.Error.String()).Add(float64(res.Records.Errors))
	return res, err
}

func (p *Processor) process(ctx context.Context, key staging.Key, logger *slog.Logger) (Result, error) {
	res := Result{Key: key}
	ref := staging.ObjectRef{Key: key}

	doc, err := p.pipeline.Read(ctx, key)
	switch {
	case errors.Is(err, staging.ErrNotFound):
		// Promoted by another worker between listing and locking.
		res.Outcome = OutcomeSkipped
		return res, nil
	case errors.Is(err, staging.ErrMalformedDocument):
		return p.reject(ctx, ref, err, logger)
	case err != nil:
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("failed to read %s: %w", key, err)
	}

	res.Records, err = p.ingester.Ingest(ctx, doc)
	switch {
	case errors.Is(err, ErrIncompleteDocument):
		return p.reject(ctx, ref, err, logger)
	case err != nil:
		res.Outcome = OutcomeFailed
		logger.WarnContext(ctx, "ingestion failed, document left pending", logging.Error(err))
		return res, err
	}

	if err := p.pipeline.Promote(ctx, ref); err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}
	res.Outcome = OutcomeLoaded

	rec := res.Records
	if err := p.stats.RecordIngestion(ctx, key.Account, key.String(), runstats.Ingestion{
		Created: rec.Created,
		Updated: rec.Updated,
		Skipped: rec.Skipped,
		Errors:  rec.Errors,
	}); err != nil {
		logger.WarnContext(ctx, "failed to record ingestion stats", logging.Error(err))
	}
	p.notifier.Loaded(ctx, key, messaging.LoadStats{
		Total:   rec.Total,
		Created: rec.Created,
		Updated: rec.Updated,
		Skipped: rec.Skipped,
		Errors:  rec.Errors,
	})
	logger.InfoContext(ctx, "document loaded",
		slog.Int64("created", rec.Created),
		slog.Int64("updated", rec.Updated),
		slog.Int64("skipped", rec.Skipped),
		slog.Int64("errors", rec.Errors))
	return res, nil
}

func (p *Processor) reject(ctx context.Context, ref staging.ObjectRef, cause error, logger *slog.Logger) (Result, error) {
	res := Result{Key: ref.Key, Outcome: OutcomeRejected}
	if err := p.pipeline.Reject(ctx, ref); err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("failed to reject invalid document: %w", err)
	}
	if err := p.stats.RecordRejection(ctx, ref.Key.Account, ref.Key.String()); err != nil {
		logger.WarnContext(ctx, "failed to record rejection", logging.Error(err))
	}
	p.notifier.Rejected(ctx, ref.Key, cause.Error())
	logger.WarnContext(ctx, "document rejected", logging.Error(cause))
	return res, nil
}

// Drain processes every pending document for account (all accounts when
// empty), oldest first, one at a time. Per-document failures are counted,
// not returned; only listing errors and cancellation stop the drain.
func (p *Processor) Drain(ctx context.Context, account string) (DrainSummary, error) {
	start := time.Now()
	var sum DrainSummary

	keys, err := p.pipeline.ListPending(ctx, account)
	if err != nil {
		return sum, fmt.Errorf("failed to list pending documents: %w", err)
	}
	metrics.PendingDocuments.Set(float64(len(keys)))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		res, err := p.Process(ctx, key)
		if err != nil && !errors.Is(err, lease.ErrLeaseHeld) {
			p.logger.WarnContext(ctx, "document not loaded",
				logging.Key(key.String()),
				logging.Error(err))
		}
		sum.add(res)
	}

	sum.Duration = time.Since(start)
	p.logger.InfoContext(ctx, "drain complete",
		slog.Int("total", sum.Total),
		slog.Int("loaded", sum.Loaded),
		slog.Int("not_loaded", sum.NotLoaded),
		logging.Duration(sum.Duration))
	return sum, nil
}
