package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/cache"
	"github.com/always-cache/offline-sync/network"
	"github.com/always-cache/offline-sync/queue"
	"github.com/always-cache/offline-sync/syncer"
)

// syncServer acknowledges every trade whose id is not in reject.
type syncServer struct {
	mutex    sync.Mutex
	reject   map[string]bool
	received []string
	calls    atomic.Int32
}

func (s *syncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	id := r.Header.Get("Idempotency-Key")
	s.mutex.Lock()
	s.received = append(s.received, string(body))
	reject := s.reject[id]
	s.mutex.Unlock()
	if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Trade-Id") != id {
		http.Error(w, "bad headers", http.StatusBadRequest)
		return
	}
	if reject {
		http.Error(w, "rejected", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func newQueue(t *testing.T, n int) (*queue.Queue, []int64) {
	t.Helper()
	q := queue.New(queue.Config{Backend: queue.NewMemBackend(), Logger: zerolog.Nop()})
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(context.Background(), json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return q, ids
}

func newCoordinator(q syncer.Queue, url string, rec *broadcast.Recorder) *syncer.Coordinator {
	return syncer.NewCoordinator(syncer.Config{
		Queue:       q,
		Fetcher:     network.NewHTTPFetcher(nil, 5*time.Second),
		SyncURL:     url,
		Poster:      rec,
		Concurrency: 3,
		Logger:      zerolog.Nop(),
	})
}

func TestDrain_PartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	q, ids := newQueue(t, 5)
	server := &syncServer{reject: map[string]bool{
		strconv.FormatInt(ids[1], 10): true,
		strconv.FormatInt(ids[3], 10): true,
	}}
	srv := httptest.NewServer(server)
	defer srv.Close()
	rec := &broadcast.Recorder{}

	summary, err := newCoordinator(q, srv.URL, rec).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Synced)
	assert.Equal(t, 5, summary.Total)
	require.Len(t, summary.Failures, 2)
	assert.ErrorIs(t, summary.Failures[ids[1]], syncer.ErrEntryFailure)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[3], pending[1].ID)
	assert.Equal(t, queue.StatePending, pending[0].State)

	completed := rec.Of(broadcast.TypeSyncCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, broadcast.SyncCompleted{Synced: 3, Total: 5}, completed[0].Data)
	assert.Len(t, server.received, 5)
}

func TestDrain_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 2)
	server := &syncServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()
	rec := &broadcast.Recorder{}
	c := newCoordinator(q, srv.URL, rec)

	summary, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, int32(2), server.calls.Load())

	summary, err = c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Synced)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, int32(2), server.calls.Load(), "no duplicate deliveries")

	completed := rec.Of(broadcast.TypeSyncCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, broadcast.SyncCompleted{Synced: 0, Total: 0}, completed[1].Data)
}

func TestDrain_NetworkDownKeepsEverything(t *testing.T) {
	ctx := context.Background()
	q, ids := newQueue(t, 3)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	rec := &broadcast.Recorder{}

	summary, err := newCoordinator(q, url, rec).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Synced)
	assert.Equal(t, 3, summary.Total)
	for _, id := range ids {
		assert.ErrorIs(t, summary.Failures[id], network.ErrUnavailable)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.Equal(t, 1, pending[0].Attempts)
}

type brokenQueue struct {
	syncer.Queue
}

func (brokenQueue) ListPending(context.Context) ([]queue.Trade, error) {
	return nil, fmt.Errorf("queue list: %w: disk I/O error", cache.ErrUnreadable)
}

func TestDrain_UnreadableQueue(t *testing.T) {
	rec := &broadcast.Recorder{}
	_, err := newCoordinator(brokenQueue{}, "http://localhost", rec).Drain(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrUnreadable))

	failed := rec.Of(broadcast.TypeSyncFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data.(broadcast.SyncFailed).Error, "disk I/O error")
	assert.Empty(t, rec.Of(broadcast.TypeSyncCompleted))
}

// gatedServer holds every delivery until release is closed.
type gatedServer struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *gatedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	w.WriteHeader(http.StatusCreated)
}

func TestDrain_SharedDrainOutlivesFirstCaller(t *testing.T) {
	q, _ := newQueue(t, 3)
	server := &gatedServer{started: make(chan struct{}), release: make(chan struct{})}
	srv := httptest.NewServer(server)
	defer srv.Close()
	rec := &broadcast.Recorder{}
	c := newCoordinator(q, srv.URL, rec)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Drain(firstCtx)
		firstErr <- err
	}()
	select {
	case <-server.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not start")
	}

	type result struct {
		summary syncer.Summary
		err     error
	}
	joined := make(chan result, 1)
	go func() {
		summary, err := c.Drain(context.Background())
		joined <- result{summary, err}
	}()
	// let the second caller join the flight
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled caller kept waiting")
	}

	close(server.release)
	select {
	case res := <-joined:
		require.NoError(t, res.err)
		assert.Equal(t, 3, res.summary.Synced)
		assert.Equal(t, 3, res.summary.Total)
	case <-time.After(5 * time.Second):
		t.Fatal("Joined caller never got a result")
	}

	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	completed := rec.Of(broadcast.TypeSyncCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, broadcast.SyncCompleted{Synced: 3, Total: 3}, completed[0].Data)
}
