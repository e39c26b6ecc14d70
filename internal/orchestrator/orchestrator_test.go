package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/clock/system"
	"github.com/harvestkit/harvester/internal/fingerprint"
	"github.com/harvestkit/harvester/internal/harvester"
	iduuid "github.com/harvestkit/harvester/internal/id/uuid"
	"github.com/harvestkit/harvester/internal/metrics"
	"github.com/harvestkit/harvester/internal/pacing"
	publishmem "github.com/harvestkit/harvester/internal/publish/memory"
	"github.com/harvestkit/harvester/internal/retry"
	"github.com/harvestkit/harvester/internal/state/memory"
)

// scriptedSource returns pre-baked batches in order.
type scriptedSource struct {
	mu       sync.Mutex
	batches  []harvester.Batch
	next     int
	fetchErr error
	closed   bool
}

func (s *scriptedSource) Connect(context.Context) error { return nil }

func (s *scriptedSource) FetchBatch(_ context.Context, _ string) (harvester.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return harvester.Batch{}, s.fetchErr
	}
	if s.next >= len(s.batches) {
		return harvester.Batch{}, harvester.ErrSourceExhausted
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}

func (s *scriptedSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// blockingSource hands out one batch, then blocks until cancellation. The
// served channel closes once the second fetch begins, so callers know the
// first batch has been fully processed.
type blockingSource struct {
	first   harvester.Batch
	served  chan struct{}
	serveMu sync.Mutex
	calls   int
}

func (s *blockingSource) Connect(context.Context) error { return nil }

func (s *blockingSource) FetchBatch(ctx context.Context, _ string) (harvester.Batch, error) {
	s.serveMu.Lock()
	s.calls++
	calls := s.calls
	s.serveMu.Unlock()
	if calls == 1 {
		return s.first, nil
	}
	if calls == 2 {
		close(s.served)
	}
	<-ctx.Done()
	return harvester.Batch{}, ctx.Err()
}

func (s *blockingSource) Close(context.Context) error { return nil }

type failConnectSource struct{ err error }

func (s *failConnectSource) Connect(context.Context) error { return s.err }
func (s *failConnectSource) FetchBatch(context.Context, string) (harvester.Batch, error) {
	return harvester.Batch{}, harvester.ErrSourceExhausted
}
func (s *failConnectSource) Close(context.Context) error { return nil }

// memorySink records archived fingerprints and can be told to reject some.
type memorySink struct {
	mu       sync.Mutex
	archived []string
	failFor  map[string]error
}

func newMemorySink() *memorySink {
	return &memorySink{failFor: map[string]error{}}
}

func (s *memorySink) Archive(_ context.Context, _ harvester.Item, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[fp]; ok {
		return err
	}
	s.archived = append(s.archived, fp)
	return nil
}

func (s *memorySink) Archived() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.archived...)
}

func testPacer() *pacing.Pacer {
	return pacing.New(pacing.Config{
		MinDelay:     time.Nanosecond,
		MaxDelay:     time.Nanosecond,
		LongPauseMin: time.Nanosecond,
		LongPauseMax: time.Nanosecond,
	})
}

func testRetrier(t *testing.T) *retry.Controller {
	t.Helper()
	return retry.New(retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, zap.NewNop())
}

func newTestOrchestrator(t *testing.T, source harvester.ItemSource, sink harvester.ArchiveSink, pub harvester.Publisher, cfg Config) (*Orchestrator, *memory.Store) {
	t.Helper()
	clk := system.New()
	store := memory.New(clk, iduuid.New(), zap.NewNop())
	o := New(store, source, sink, pub, fingerprint.New(), testPacer(), testRetrier(t), clk, nil, zap.NewNop(), cfg)
	return o, store
}

func TestRunDedupesDuplicateContent(t *testing.T) {
	t.Parallel()

	// Two of the three items carry identical content and no declared ID, so
	// they collapse to one fingerprint; the duplicate is skipped.
	source := &scriptedSource{batches: []harvester.Batch{{
		Items: []harvester.Item{
			{Content: []byte("post alpha")},
			{Content: []byte("post alpha")},
			{Content: []byte("post beta")},
		},
	}}}
	sink := newMemorySink()
	o, store := newTestOrchestrator(t, source, sink, nil, Config{})

	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, harvester.StatusCompleted, summary.Status)
	require.Equal(t, 2, summary.ItemsProcessed)
	require.Equal(t, 1, summary.ItemsSkipped)
	require.Equal(t, 0, summary.ItemsFailed)
	require.Len(t, sink.Archived(), 2)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalAllTime)
}

func TestRunDeduplicatesByDeclaredIDNotContent(t *testing.T) {
	t.Parallel()

	// A prior session already harvested an item under its declared ID.
	sink := newMemorySink()
	prior := &scriptedSource{batches: []harvester.Batch{{
		Items: []harvester.Item{{DeclaredID: "prior-1", Content: []byte("same text")}},
	}}}
	o, store := newTestOrchestrator(t, prior, sink, nil, Config{})
	_, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	// The next run replays that item, plus an ID-less item carrying the same
	// content, plus a fresh item. The replay collapses onto the recorded
	// declared ID and is skipped; the ID-less twin hashes to a different
	// fingerprint, so identical text does not dedupe across the two modes.
	source := &scriptedSource{batches: []harvester.Batch{{
		Items: []harvester.Item{
			{DeclaredID: "prior-1", Content: []byte("same text")},
			{Content: []byte("same text")},
			{DeclaredID: "fresh-2", Content: []byte("new text")},
		},
	}}}
	clk := system.New()
	o2 := New(store, source, sink, nil, fingerprint.New(), testPacer(), testRetrier(t), clk, nil, zap.NewNop(), Config{})
	summary, err := o2.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, harvester.StatusCompleted, summary.Status)
	require.Equal(t, 2, summary.ItemsProcessed)
	require.Equal(t, 1, summary.ItemsSkipped)
	require.Equal(t, 0, summary.ItemsFailed)
	require.Equal(t, 3, summary.TotalAllTime)
}

func TestRunSkipsItemsProcessedInEarlierSessions(t *testing.T) {
	t.Parallel()

	items := []harvester.Item{
		{DeclaredID: "a", Content: []byte("one")},
		{DeclaredID: "b", Content: []byte("two")},
	}
	mk := func() *scriptedSource {
		return &scriptedSource{batches: []harvester.Batch{{Items: items}}}
	}

	sink := newMemorySink()
	o, store := newTestOrchestrator(t, mk(), sink, nil, Config{})
	_, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	// Second pass over the same stream against the same store.
	clk := system.New()
	o2 := New(store, mk(), sink, nil, fingerprint.New(), testPacer(), testRetrier(t), clk, nil, zap.NewNop(), Config{})
	summary, err := o2.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, 0, summary.ItemsProcessed)
	require.Equal(t, 2, summary.ItemsSkipped)
	require.Equal(t, 2, summary.TotalAllTime)
}

func TestRunIsolatesArchivalFailures(t *testing.T) {
	t.Parallel()

	items := make([]harvester.Item, 5)
	for i := range items {
		items[i] = harvester.Item{DeclaredID: fmt.Sprintf("item-%d", i), Content: []byte{byte(i)}}
	}
	source := &scriptedSource{batches: []harvester.Batch{{Items: items}}}
	sink := newMemorySink()
	sink.failFor["item-2"] = harvester.ErrSinkRejected

	o, _ := newTestOrchestrator(t, source, sink, nil, Config{})
	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, harvester.StatusCompleted, summary.Status)
	require.Equal(t, 4, summary.ItemsProcessed)
	require.Equal(t, 1, summary.ItemsFailed)
	require.Equal(t, 0, summary.ItemsSkipped)
	require.NotContains(t, sink.Archived(), "item-2")
}

func TestRunRetriesTransientArchivalFailure(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	sink := archiveFunc(func(_ context.Context, _ harvester.Item, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("timeout talking to sink")
		}
		return nil
	})
	source := &scriptedSource{batches: []harvester.Batch{{
		Items: []harvester.Item{{DeclaredID: "a", Content: []byte("x")}},
	}}}

	o, _ := newTestOrchestrator(t, source, sink, nil, Config{})
	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, 1, summary.ItemsProcessed)
	require.Equal(t, 0, summary.ItemsFailed)
	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()
}

type archiveFunc func(context.Context, harvester.Item, string) error

func (f archiveFunc) Archive(ctx context.Context, item harvester.Item, fp string) error {
	return f(ctx, item, fp)
}

func TestRunHonorsTargetCount(t *testing.T) {
	t.Parallel()

	items := make([]harvester.Item, 10)
	for i := range items {
		items[i] = harvester.Item{DeclaredID: fmt.Sprintf("item-%d", i), Content: []byte{byte(i)}}
	}
	source := &scriptedSource{batches: []harvester.Batch{
		{Items: items[:5], HasMore: true, NextCursor: "5"},
		{Items: items[5:]},
	}}
	sink := newMemorySink()

	o, _ := newTestOrchestrator(t, source, sink, nil, Config{})
	summary, err := o.Run(context.Background(), 3)
	require.NoError(t, err)

	require.Equal(t, harvester.StatusCompleted, summary.Status)
	require.Equal(t, 3, summary.ItemsProcessed)
	require.Len(t, sink.Archived(), 3)
}

func TestRunEndsAfterConsecutiveEmptyBatches(t *testing.T) {
	t.Parallel()

	empty := harvester.Batch{HasMore: true, NextCursor: "more"}
	source := &scriptedSource{batches: []harvester.Batch{empty, empty, empty, empty, empty}}

	o, _ := newTestOrchestrator(t, source, newMemorySink(), nil, Config{EmptyBatchLimit: 2})
	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, harvester.StatusCompleted, summary.Status)
	source.mu.Lock()
	require.Equal(t, 2, source.next)
	source.mu.Unlock()
}

func TestStopInterruptsRun(t *testing.T) {
	t.Parallel()

	source := &blockingSource{
		first: harvester.Batch{
			Items:      []harvester.Item{{DeclaredID: "a", Content: []byte("x")}},
			HasMore:    true,
			NextCursor: "next",
		},
		served: make(chan struct{}),
	}
	sink := newMemorySink()
	o, store := newTestOrchestrator(t, source, sink, nil, Config{})

	sessionID, err := o.Start(context.Background(), 0)
	require.NoError(t, err)

	<-source.served
	o.Stop()
	summary := o.Wait()

	require.Equal(t, harvester.StatusInterrupted, summary.Status)
	require.Equal(t, sessionID, summary.SessionID)
	// The in-flight item finished before the interruption took effect.
	require.Equal(t, 1, summary.ItemsProcessed)
	require.Equal(t, PhaseIdle, o.Phase())

	sess, err := store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, harvester.StatusInterrupted, sess.Status)
	require.NotNil(t, sess.EndedAt)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	t.Parallel()

	source := &blockingSource{
		first:  harvester.Batch{HasMore: true, NextCursor: "next"},
		served: make(chan struct{}),
	}
	o, _ := newTestOrchestrator(t, source, newMemorySink(), nil, Config{EmptyBatchLimit: 100})

	_, err := o.Start(context.Background(), 0)
	require.NoError(t, err)
	<-source.served

	_, err = o.Start(context.Background(), 0)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	o.Stop()
	o.Wait()
}

func TestConnectFailureFailsSessionImmediately(t *testing.T) {
	t.Parallel()

	connectErr := harvester.ErrAuthExpired
	o, store := newTestOrchestrator(t, &failConnectSource{err: connectErr}, newMemorySink(), nil, Config{})

	_, err := o.Start(context.Background(), 0)
	require.ErrorIs(t, err, harvester.ErrAuthExpired)
	require.Equal(t, PhaseIdle, o.Phase())

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.SessionCount)
	require.Equal(t, harvester.StatusFailed, stats.LatestSession.Status)
}

func TestAuthExpiryDuringFetchFailsRun(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{fetchErr: fmt.Errorf("fetch page: %w", harvester.ErrAuthExpired)}
	o, store := newTestOrchestrator(t, source, newMemorySink(), nil, Config{})

	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, harvester.StatusFailed, summary.Status)

	sess, err := store.GetSession(context.Background(), summary.SessionID)
	require.NoError(t, err)
	require.Equal(t, harvester.StatusFailed, sess.Status)
}

func TestPublishesNotificationPerArchivedItem(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{batches: []harvester.Batch{{
		Items: []harvester.Item{
			{DeclaredID: "a", Content: []byte("one")},
			{DeclaredID: "a", Content: []byte("one")}, // duplicate, no publish
			{DeclaredID: "b", Content: []byte("two")},
		},
	}}}
	pub := publishmem.New()
	o, _ := newTestOrchestrator(t, source, newMemorySink(), pub, Config{Topic: "archived-items"})

	summary, err := o.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, summary.ItemsProcessed)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "archived-items", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "a", payload["fingerprint"])
	require.Equal(t, summary.SessionID, payload["session_id"])
}

// Not parallel: it reads the process-wide retry counter and must not overlap
// with runs that also classify errors.
func TestRetryMetricCountsOnlyRetryableOutcomes(t *testing.T) {
	metrics.Init()

	o, _ := newTestOrchestrator(t, &scriptedSource{}, newMemorySink(), nil, Config{})
	classify := o.newFetchClassifier()

	before := retryAttemptSamples(t)
	require.Equal(t, retry.Fatal, classify(harvester.ErrAuthExpired))
	require.Equal(t, retry.Fatal, classify(harvester.ErrSourceExhausted))
	require.Equal(t, retry.Fatal, classifyArchive(harvester.ErrSinkRejected))
	require.Equal(t, before, retryAttemptSamples(t))

	require.Equal(t, retry.Retryable, classify(errors.New("listing changed shape")))
	require.Equal(t, retry.Retryable, classifyArchive(errors.New("sink hiccup")))
	after := retryAttemptSamples(t)
	require.Equal(t, before["fetch batch"]+1, after["fetch batch"])
	require.Equal(t, before["archive item"]+1, after["archive item"])
}

// retryAttemptSamples reads harvester_retry_attempts_total by operation label.
func retryAttemptSamples(t *testing.T) map[string]float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	samples := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "harvester_retry_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "operation" {
					samples[label.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return samples
}

func TestSourceClosedAfterRun(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{}
	o, _ := newTestOrchestrator(t, source, newMemorySink(), nil, Config{})

	_, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	source.mu.Lock()
	defer source.mu.Unlock()
	require.True(t, source.closed)
}
