package ingest

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

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/messaging"
	"github.com/telhawk-systems/accountscope/common/runstats"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/common/window"
	"github.com/telhawk-systems/accountscope/loader/internal/upsert"
)

type mockIngester struct {
	IngestFunc func(ctx context.Context, doc document.Composite) (upsert.Summary, error)
}

func (m *mockIngester) Ingest(ctx context.Context, doc document.Composite) (upsert.Summary, error) {
	return m.IngestFunc(ctx, doc)
}

type mockNotifier struct {
	mu       sync.Mutex
	loaded   []staging.Key
	rejected map[string]string
}

func (m *mockNotifier) Loaded(_ context.Context, k staging.Key, _ messaging.LoadStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = append(m.loaded, k)
}

func (m *mockNotifier) Rejected(_ context.Context, k staging.Key, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected == nil {
		m.rejected = map[string]string{}
	}
	m.rejected[k.String()] = reason
}

type mockRecorder struct {
	runstats.NoOp
	ingested []runstats.Ingestion
	rejected []string
}

func (m *mockRecorder) RecordIngestion(_ context.Context, _, _ string, in runstats.Ingestion) error {
	m.ingested = append(m.ingested, in)
	return nil
}

func (m *mockRecorder) RecordRejection(_ context.Context, _, key string) error {
	m.rejected = append(m.rejected, key)
	return nil
}

func keyOn(day int) staging.Key {
	return staging.Key{
		Account:  "111122223333",
		Region:   "ap-southeast-1",
		Date:     time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		Interval: window.Daily,
	}
}

type processorFixture struct {
	store    *staging.MemoryStore
	pipeline *staging.Pipeline
	notifier *mockNotifier
	recorder *mockRecorder
}

func newFixture(t *testing.T, keys ...staging.Key) *processorFixture {
	t.Helper()
	store := staging.NewMemoryStore()
	p := staging.NewPipeline(store, nil)
	for _, k := range keys {
		_, err := p.Stage(context.Background(), k, document.Composite{"account": map[string]any{"account_id": k.Account}})
		require.NoError(t, err)
	}
	return &processorFixture{store: store, pipeline: p, notifier: &mockNotifier{}, recorder: &mockRecorder{}}
}

func (f *processorFixture) processor(ing Ingester, locker lease.Locker) *Processor {
	return NewProcessor(f.pipeline, ing, locker, f.notifier, f.recorder, nil)
}

func loads(sum upsert.Summary) *mockIngester {
	return &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		return sum, nil
	}}
}

func TestProcessLoaded(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t, k)
	p := f.processor(loads(upsert.Summary{Total: 3, Created: 2, Skipped: 1, Loaded: 1}), nil)

	res, err := p.Process(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, res.Outcome)
	assert.Equal(t, int64(2), res.Records.Created)

	assert.False(t, f.store.Has(k.String()))
	assert.True(t, f.store.Has(k.Promoted()))
	assert.Equal(t, []staging.Key{k}, f.notifier.loaded)
	assert.Equal(t, []runstats.Ingestion{{Created: 2, Skipped: 1}}, f.recorder.ingested)
}

func TestProcessRejectsIncompleteDocument(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t, k)
	ing := &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		return upsert.Summary{}, ErrIncompleteDocument
	}}

	res, err := f.processor(ing, nil).Process(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.False(t, f.store.Has(k.String()))
	assert.True(t, f.store.Has(k.Rejected()))
	assert.Contains(t, f.notifier.rejected[k.String()], "incomplete document")
	assert.Equal(t, []string{k.String()}, f.recorder.rejected)
}

func TestProcessRejectsMalformedDocument(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t)
	require.NoError(t, f.store.Put(context.Background(), k.String(), []byte("not json")))

	called := false
	ing := &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		called = true
		return upsert.Summary{}, nil
	}}

	res, err := f.processor(ing, nil).Process(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.False(t, called)
	assert.True(t, f.store.Has(k.Rejected()))
}

func TestProcessFailureLeavesDocumentPending(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t, k)
	ing := &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		return upsert.Summary{}, ErrAccountUnresolved
	}}

	res, err := f.processor(ing, nil).Process(context.Background(), k)
	assert.ErrorIs(t, err, ErrAccountUnresolved)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, f.store.Has(k.String()))
	assert.False(t, f.store.Has(k.Promoted()))
	assert.Empty(t, f.notifier.loaded)
}

func TestProcessPromoteFailureLeavesDocumentPending(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t, k)
	f.store.FailCopy = func(string, string) error { return errors.New("throttled") }

	res, err := f.processor(loads(upsert.Summary{}), nil).Process(context.Background(), k)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, f.store.Has(k.String()))
	assert.Empty(t, f.notifier.loaded)
}

func TestProcessAlreadyPromoted(t *testing.T) {
	f := newFixture(t)
	res, err := f.processor(loads(upsert.Summary{}), nil).Process(context.Background(), keyOn(4))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestProcessLeaseHeld(t *testing.T) {
	k := keyOn(4)
	f := newFixture(t, k)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lease.NewRedisLocker(client, time.Minute)

	held, err := locker.Acquire(context.Background(), k.String())
	require.NoError(t, err)

	res, err := f.processor(loads(upsert.Summary{}), locker).Process(context.Background(), k)
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, f.store.Has(k.String()))

	require.NoError(t, held.Release(context.Background()))
	res, err = f.processor(loads(upsert.Summary{}), locker).Process(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, res.Outcome)
	assert.False(t, mr.Exists("accountscope:lease:"+k.String()), "lease released")
}

func TestProcessSerializesOneKeyWithoutRedis(t *testing.T) {
	k := keyOn(5)
	f := newFixture(t, k)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	ing := &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return upsert.Summary{Total: 1, Created: 1}, nil
	}}
	p := f.processor(ing, nil)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := p.Process(context.Background(), k)
		first <- outcome{res, err}
	}()
	<-entered

	res, err := p.Process(context.Background(), k)
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeLoaded, got.res.Outcome)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDrain(t *testing.T) {
	good1, bad, failing, good2 := keyOn(1), keyOn(2), keyOn(3), keyOn(4)
	f := newFixture(t, good2, failing, good1, bad)

	var order []string
	ing := &mockIngester{IngestFunc: func(_ context.Context, doc document.Composite) (upsert.Summary, error) {
		order = append(order, "x")
		switch len(order) {
		case 2:
			return upsert.Summary{}, ErrIncompleteDocument
		case 3:
			return upsert.Summary{}, errors.New("database unavailable")
		}
		return upsert.Summary{Total: 2, Created: 2, Loaded: 1}, nil
	}}

	sum, err := f.processor(ing, nil).Drain(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Loaded)
	assert.Equal(t, 2, sum.NotLoaded)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, upsert.Summary{Total: 4, Created: 4, Loaded: 2}, sum.Records)

	assert.True(t, f.store.Has(good1.Promoted()))
	assert.True(t, f.store.Has(bad.Rejected()))
	assert.True(t, f.store.Has(failing.String()))
	assert.True(t, f.store.Has(good2.Promoted()))
	assert.Equal(t, []staging.Key{good1, good2}, f.notifier.loaded)

	t.Run("nothing left but the failed document", func(t *testing.T) {
		pending, err := f.pipeline.ListPending(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, []staging.Key{failing}, pending)
	})
}

func TestDrainCancelled(t *testing.T) {
	f := newFixture(t, keyOn(1), keyOn(2))
	ctx, cancel := context.WithCancel(context.Background())
	ing := &mockIngester{IngestFunc: func(context.Context, document.Composite) (upsert.Summary, error) {
		cancel()
		return upsert.Summary{}, nil
	}}

	sum, err := f.processor(ing, nil).Drain(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Total)
}
