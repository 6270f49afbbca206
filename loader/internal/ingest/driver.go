// Package ingest reconciles staged composite documents into PostgreSQL.
//
// A document is loaded account first. Every other domain depends only on the
// account's surrogate id, so the remaining domains run concurrently, each one
// writing parents before children.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	scopeconfig "github.com/telhawk-systems/accountscope/common/config"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/loader/internal/upsert"
)

var (
	// ErrIncompleteDocument is returned when a required domain is missing or
	// the account section carries no account_id. Such a document is never
	// retried.
	ErrIncompleteDocument = errors.New("incomplete document")

	// ErrAccountUnresolved is returned when the account row yielded no id.
	// Nothing else can be linked, so the document stays pending.
	ErrAccountUnresolved = errors.New("account could not be resolved")
)

// Upserter is implemented by *upsert.Engine.
type Upserter interface {
	Upsert(ctx context.Context, table string, record map[string]any, uniqueKeys []string, stats *upsert.Stats) upsert.Outcome
}

const defaultDomainWorkers = 4

// Driver loads one document at a time.
type Driver struct {
	up       Upserter
	taxonomy scopeconfig.TaxonomyConfig
	workers  int
	logger   *slog.Logger
	now      func() time.Time
}

func NewDriver(up Upserter, taxonomy scopeconfig.TaxonomyConfig, domainWorkers int, logger *slog.Logger) *Driver {
	if domainWorkers <= 0 {
		domainWorkers = defaultDomainWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		up:       up,
		taxonomy: taxonomy,
		workers:  domainWorkers,
		logger:   logger.With(logging.Component("ingest")),
		now:      time.Now,
	}
}

// Validate checks that doc can be ingested at all.
func Validate(doc document.Composite) error {
	if missing := doc.Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, d := range missing {
			names[i] = string(d)
		}
		return fmt.Errorf("%w: missing domains %s", ErrIncompleteDocument, strings.Join(names, ", "))
	}
	acct := doc.Object(document.Account)
	if acct == nil || isBlank(acct["account_id"]) {
		return fmt.Errorf("%w: account section has no account_id", ErrIncompleteDocument)
	}
	return nil
}

// Ingest loads doc and returns the record-level counts. Record errors are
// counted, not returned; only validation, account resolution and context
// cancellation fail the document.
func (d *Driver) Ingest(ctx context.Context, doc document.Composite) (upsert.Summary, error) {
	if err := Validate(doc); err != nil {
		return upsert.Summary{}, err
	}

	stats := &upsert.Stats{}
	l := &load{up: d.up, stats: stats, logger: d.logger, now: d.now}

	accountID, err := l.account(ctx, doc.Object(document.Account), d.taxonomy)
	if err != nil {
		return stats.Snapshot(), err
	}
	l.accountID = accountID

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, dl := range domainLoaders {
		section := doc[string(dl.domain)]
		if isEmptySection(section) {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			dl.load(l, gctx, section)
			d.logger.DebugContext(gctx, "domain loaded",
				logging.Domain(string(dl.domain)),
				logging.Duration(time.Since(start)))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return stats.Snapshot(), fmt.Errorf("ingestion interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return stats.Snapshot(), fmt.Errorf("ingestion interrupted: %w", err)
	}

	stats.MarkLoaded()
	return stats.Snapshot(), nil
}

// isEmptySection reports sections a failed source left as {} or [].
func isEmptySection(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
