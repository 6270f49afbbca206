package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/accountscope/collector/internal/orchestrator"
	"github.com/telhawk-systems/accountscope/collector/internal/sources"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/common/window"
)

const testAccount = "123456789012"

type fakeCollector struct {
	mu          sync.Mutex
	windows     []window.Window
	collectFunc func(w window.Window) (orchestrator.Result, error)
}

func (f *fakeCollector) Collect(_ context.Context, _ sources.Scope, w window.Window, _ []sources.Source) (orchestrator.Result, error) {
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.mu.Unlock()
	if f.collectFunc != nil {
		return f.collectFunc(w)
	}
	return result(testAccount, document.Passed(document.Account)), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	staged []staging.Key
}

func (f *fakeNotifier) Staged(_ context.Context, k staging.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, k)
}

func result(account string, statuses ...document.DomainStatus) orchestrator.Result {
	log := document.NewRunLog(account, time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC), statuses)
	doc := document.Composite{
		string(document.Account): map[string]any{"account_id": account},
		string(document.Logs):    log.Fields(),
	}
	timings := make(map[document.Domain]time.Duration, len(statuses))
	for _, s := range statuses {
		timings[s.Domain] = 1500 * time.Millisecond
	}
	return orchestrator.Result{
		Caller:   sources.Caller{AccountID: account},
		Document: doc,
		Statuses: statuses,
		Log:      log,
		Timings:  timings,
	}
}

type harness struct {
	svc       *Service
	collector *fakeCollector
	notifier  *fakeNotifier
	store     *staging.MemoryStore
	pipeline  *staging.Pipeline
	redis     *redis.Client
	stats     *runstats.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		collector: &fakeCollector{},
		notifier:  &fakeNotifier{},
		store:     staging.NewMemoryStore(),
		redis:     client,
		stats:     runstats.NewClient(client, "collector-test", time.Hour),
	}
	h.pipeline = staging.NewPipeline(h.store, nil)
	h.svc = New(h.collector, h.pipeline, nil, sources.Scope{Region: "ap-southeast-1"},
		lease.NewRedisLocker(client, time.Minute), h.notifier, h.stats, nil)
	h.svc.now = func() time.Time { return time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC) }
	return h
}

func TestRunStagesDocument(t *testing.T) {
	h := newHarness(t)
	h.collector.collectFunc = func(window.Window) (orchestrator.Result, error) {
		return result(testAccount,
			document.Passed(document.Account),
			document.Failed(document.Cost, errors.New("access denied")),
		), nil
	}
	ctx := context.Background()
	w := window.Resolve(window.Daily, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	sum, err := h.svc.Run(ctx, w)
	require.NoError(t, err)

	assert.Equal(t, testAccount, sum.Account)
	assert.Equal(t, "data/123456789012/ap-southeast-1/2024-03-15_DAILY.json", sum.Key)
	assert.Equal(t, []document.Domain{document.Account}, sum.DomainsPassed)
	assert.Equal(t, []document.Domain{document.Cost}, sum.DomainsFailed)
	assert.Equal(t, 1.5, sum.ProcessingTimes["account"])
	assert.Contains(t, sum.ProcessingTimes, stageStep)

	key, err := staging.ParseKey(sum.Key)
	require.NoError(t, err)
	doc, err := h.pipeline.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, testAccount, doc.Object(document.Account)["account_id"])
	assert.Equal(t, "Fail", doc.Object(document.Logs)["cost_status"])

	require.Len(t, h.notifier.staged, 1)
	assert.Equal(t, sum.Key, h.notifier.staged[0].String())

	stats, err := h.stats.GetStats(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Collections)
	assert.Equal(t, int64(1), stats.DomainFailures)
	assert.Equal(t, sum.Key, stats.LastStagedKey)
}

func TestRunCollectError(t *testing.T) {
	h := newHarness(t)
	h.collector.collectFunc = func(window.Window) (orchestrator.Result, error) {
		return orchestrator.Result{}, orchestrator.ErrIdentity
	}
	w := window.Resolve(window.Daily, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	_, err := h.svc.Run(context.Background(), w)
	require.ErrorIs(t, err, orchestrator.ErrIdentity)
	assert.Empty(t, h.notifier.staged)

	keys, err := h.pipeline.ListPending(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRunLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := window.Resolve(window.Daily, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	key := staging.KeyFor(testAccount, "ap-southeast-1", w)

	held, err := lease.NewRedisLocker(h.redis, time.Minute).Acquire(ctx, key.String())
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = h.svc.Run(ctx, w)
	require.ErrorIs(t, err, lease.ErrLeaseHeld)
	assert.False(t, h.store.Has(key.String()))
	assert.Empty(t, h.notifier.staged)
}

func TestBackfill(t *testing.T) {
	h := newHarness(t)
	failDay := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	h.collector.collectFunc = func(w window.Window) (orchestrator.Result, error) {
		switch {
		case w.AsOf.Equal(failDay):
			return orchestrator.Result{}, errors.New("throttled")
		case w.AsOf.Day() == 3:
			return result(testAccount,
				document.Passed(document.Account),
				document.Failed(document.Cost, errors.New("access denied"))), nil
		}
		return result(testAccount, document.Passed(document.Account)), nil
	}

	plan := window.Plan{
		History:  true,
		Interval: window.Daily,
		From:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
	}
	sum, err := h.svc.Backfill(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01", sum.From)
	assert.Equal(t, "2024-03-03", sum.To)
	assert.Equal(t, 2, sum.Staged)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.ProcessingTimes, 3)

	first := sum.ProcessingTimes[0]
	assert.Equal(t, "2024-03-01", first.Date)
	assert.Equal(t, window.Daily, first.Interval)
	assert.Equal(t, "data/123456789012/ap-southeast-1/2024-03-01_DAILY.json", first.Key)
	assert.Equal(t, []document.Domain{document.Account}, first.DomainsPassed)
	assert.Empty(t, first.DomainsFailed)
	assert.Equal(t, 1.5, first.Details["account"])
	assert.Contains(t, first.Details, stageStep)
	assert.Empty(t, first.Error)

	failed := sum.ProcessingTimes[1]
	assert.Equal(t, "2024-03-02", failed.Date)
	assert.Empty(t, failed.Key)
	assert.Empty(t, failed.Details)
	assert.Contains(t, failed.Error, "throttled")

	partial := sum.ProcessingTimes[2]
	assert.Equal(t, "2024-03-03", partial.Date)
	assert.Equal(t, []document.Domain{document.Account}, partial.DomainsPassed)
	assert.Equal(t, []document.Domain{document.Cost}, partial.DomainsFailed)
	assert.Equal(t, 1.5, partial.Details["cost"])

	require.Len(t, h.collector.windows, 3)
	for i, w := range h.collector.windows {
		assert.Equal(t, plan.From.AddDate(0, 0, i), w.AsOf)
	}
	assert.Len(t, h.notifier.staged, 2)
}

func TestBackfillStopsOnIdentityFailure(t *testing.T) {
	h := newHarness(t)
	h.collector.collectFunc = func(window.Window) (orchestrator.Result, error) {
		return orchestrator.Result{}, orchestrator.ErrIdentity
	}

	plan := window.Plan{
		History:  true,
		Interval: window.Daily,
		From:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	sum, err := h.svc.Backfill(context.Background(), plan)
	require.ErrorIs(t, err, orchestrator.ErrIdentity)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Staged)
	require.Len(t, sum.ProcessingTimes, 1)
	assert.Contains(t, sum.ProcessingTimes[0].Error, "caller identity")
	assert.Len(t, h.collector.windows, 1)
}

func TestHandle(t *testing.T) {
	t.Run("single run ends today", func(t *testing.T) {
		h := newHarness(t)
		out, err := h.svc.Handle(context.Background(), window.Event{Interval: "monthly"})
		require.NoError(t, err)

		sum, ok := out.(*RunSummary)
		require.True(t, ok)
		assert.Equal(t, "data/123456789012/ap-southeast-1/2024-03-15_MONTHLY.json", sum.Key)
		require.Len(t, h.collector.windows, 1)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), h.collector.windows[0].Start)
	})

	t.Run("history", func(t *testing.T) {
		h := newHarness(t)
		out, err := h.svc.Handle(context.Background(), window.Event{History: true, Start: "13-03-2024", End: "14-03-2024"})
		require.NoError(t, err)

		sum, ok := out.(*HistorySummary)
		require.True(t, ok)
		assert.Equal(t, 2, sum.Staged)
	})

	t.Run("invalid range", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Handle(context.Background(), window.Event{History: true, Start: "14-03-2024", End: "13-03-2024"})
		require.ErrorIs(t, err, window.ErrInvalidRange)
		assert.Empty(t, h.collector.windows)
	})
}
