package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/adapters/memory"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type escrowJobs struct {
	expireFn func(ctx context.Context, limit int) (int, error)
	settleFn func(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

func (e *escrowJobs) ExpireAuthorizations(ctx context.Context, limit int) (int, error) {
	return e.expireFn(ctx, limit)
}

func (e *escrowJobs) SettleInFlight(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	return e.settleFn(ctx, staleAfter, limit)
}

type refresher struct {
	refreshFn func(ctx context.Context, limit int) (int, error)
}

func (r *refresher) RefreshDue(ctx context.Context, limit int) (int, error) {
	return r.refreshFn(ctx, limit)
}

type publisherFunc func(ctx context.Context, events ...domain.Event) error

func (f publisherFunc) Publish(ctx context.Context, events ...domain.Event) error {
	return f(ctx, events...)
}

func TestAuthorizationExpiryWorker_PassesBatchSize(t *testing.T) {
	var gotLimit int
	w := NewAuthorizationExpiryWorker(&escrowJobs{expireFn: func(_ context.Context, limit int) (int, error) {
		gotLimit = limit
		return 2, nil
	}}, time.Minute, 25, discardLogger())

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 25, gotLimit)
}

func TestRailReconciler_UsesStaleThreshold(t *testing.T) {
	var gotStale time.Duration
	r := NewRailReconciler(&escrowJobs{settleFn: func(_ context.Context, staleAfter time.Duration, limit int) (int, error) {
		gotStale = staleAfter
		assert.Equal(t, 10, limit)
		return 1, nil
	}}, 5*time.Minute, time.Minute, 10, discardLogger())

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 5*time.Minute, gotStale)
}

func TestScreeningSweep_ReturnsError(t *testing.T) {
	s := NewScreeningSweep(&refresher{refreshFn: func(context.Context, int) (int, error) {
		return 0, errors.New("db down")
	}}, time.Minute, 10, discardLogger())

	assert.EqualError(t, s.RunOnce(context.Background()), "db down")
}

func TestRunEvery_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	w := NewScreeningSweep(&refresher{refreshFn: func(context.Context, int) (int, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return 0, errors.New("keeps going")
	}}, time.Millisecond, 10, discardLogger())

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func seedOutbox(t *testing.T, store *memory.Store, correlations ...uuid.UUID) []domain.Event {
	t.Helper()
	var events []domain.Event
	for i, c := range correlations {
		e := domain.NewEvent(domain.EventQuoteSubmitted, uuid.New(), c, time.Now(), map[string]string{"seq": strconv.Itoa(i)})
		events = append(events, e)
	}
	require.NoError(t, store.EnqueueEvents(context.Background(), events...))
	return events
}

func TestOutboxRelay_DeliversBatch(t *testing.T) {
	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	events := seedOutbox(t, store, uuid.New(), uuid.New(), uuid.New())

	var published []domain.Event
	relay := NewOutboxRelay(store, publisherFunc(func(_ context.Context, evs ...domain.Event) error {
		published = append(published, evs...)
		return nil
	}), m, time.Second, 100, discardLogger())

	require.NoError(t, relay.RunOnce(context.Background()))

	require.Len(t, published, 3)
	for i := range events {
		assert.Equal(t, events[i].ID, published[i].ID)
	}
	pending, err := store.FetchPendingEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsPublished))
}

func TestOutboxRelay_FailureHoldsBackSameCorrelation(t *testing.T) {
	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	stuck, other := uuid.New(), uuid.New()
	events := seedOutbox(t, store, stuck, other, stuck)
	poison := events[0].ID

	var singles []uuid.UUID
	relay := NewOutboxRelay(store, publisherFunc(func(_ context.Context, evs ...domain.Event) error {
		if len(evs) > 1 {
			return errors.New("batch rejected")
		}
		if evs[0].ID == poison {
			return errors.New("broker unavailable")
		}
		singles = append(singles, evs[0].ID)
		return nil
	}), m, time.Second, 100, discardLogger())

	require.NoError(t, relay.RunOnce(context.Background()))

	assert.Equal(t, []uuid.UUID{events[1].ID}, singles)

	pending, err := store.FetchPendingEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, poison, pending[0].Event.ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker unavailable", pending[0].LastError)
	assert.Equal(t, events[2].ID, pending[1].Event.ID)
	assert.Equal(t, 0, pending[1].Attempts)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsFailed))
}

func TestOutboxRelay_EmptyOutbox(t *testing.T) {
	relay := NewOutboxRelay(memory.NewStore(), publisherFunc(func(context.Context, ...domain.Event) error {
		t.Error("publish must not be called with nothing pending")
		return nil
	}), nil, time.Second, 10, discardLogger())

	require.NoError(t, relay.RunOnce(context.Background()))
}
