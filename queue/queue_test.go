package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/cache"
	"github.com/always-cache/offline-sync/queue"
)

func backends(t *testing.T) map[string]queue.Backend {
	t.Helper()
	sqlite, err := queue.NewSQLiteBackend("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]queue.Backend{
		"sqlite": sqlite,
		"memory": queue.NewMemBackend(),
	}
}

// frozenClock returns the same instant on every call.
func frozenClock() func() time.Time {
	now := time.Now()
	return func() time.Time { return now }
}

func TestQueue_EnqueueOrderAndIds(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := &broadcast.Recorder{}
			q := queue.New(queue.Config{Backend: backend, Poster: rec, Logger: zerolog.Nop(), Now: frozenClock()})

			var ids []int64
			for i := 0; i < 5; i++ {
				id, err := q.Enqueue(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
				require.NoError(t, err)
				ids = append(ids, id)
			}
			for i := 1; i < len(ids); i++ {
				assert.Greater(t, ids[i], ids[i-1], "ids must increase even with a frozen clock")
			}

			pending, err := q.ListPending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 5)
			for i, trade := range pending {
				assert.Equal(t, ids[i], trade.ID)
				assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(trade.Payload))
				assert.Equal(t, queue.StatePending, trade.State)
			}

			saved := rec.Of(broadcast.TypeOfflineDataSaved)
			require.Len(t, saved, 5)
			assert.Equal(t, broadcast.OfflineDataSaved{ID: ids[0], Type: "trade"}, saved[0].Data)
		})
	}
}

func TestQueue_Transitions(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop()})
			first, err := q.Enqueue(ctx, json.RawMessage(`{"side":"buy"}`))
			require.NoError(t, err)
			second, err := q.Enqueue(ctx, json.RawMessage(`{"side":"sell"}`))
			require.NoError(t, err)

			require.NoError(t, q.MarkSyncing(ctx, first))
			require.NoError(t, q.MarkSyncing(ctx, second))

			// interrupted drains still list syncing trades
			pending, err := q.ListPending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, queue.StateSyncing, pending[0].State)

			require.NoError(t, q.MarkSynced(ctx, first))
			require.NoError(t, q.MarkFailed(ctx, second, errors.New("502 bad gateway")))

			pending, err = q.ListPending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, second, pending[0].ID)
			assert.Equal(t, queue.StatePending, pending[0].State)
			assert.Equal(t, 1, pending[0].Attempts)
			assert.Equal(t, "502 bad gateway", pending[0].LastError)

			// synced twice is fine, unknown ids are not
			assert.NoError(t, q.MarkSynced(ctx, first))
			assert.ErrorIs(t, q.MarkSyncing(ctx, first), queue.ErrNotFound)
			assert.ErrorIs(t, q.MarkFailed(ctx, first, nil), queue.ErrNotFound)
		})
	}
}

func TestQueue_RejectsInvalidPayload(t *testing.T) {
	q := queue.New(queue.Config{Backend: queue.NewMemBackend(), Logger: zerolog.Nop()})
	_, err := q.Enqueue(context.Background(), json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "queue.db")
	clock := frozenClock()

	backend, err := queue.NewSQLiteBackend(filename)
	require.NoError(t, err)
	q := queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop(), Now: clock})
	id, err := q.Enqueue(ctx, json.RawMessage(`{"qty":2}`))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	backend, err = queue.NewSQLiteBackend(filename)
	require.NoError(t, err)
	q = queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop(), Now: clock})
	defer q.Close()

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	next, err := q.Enqueue(ctx, json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestQueue_IdsOfSyncedTradesAreNotReused(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "queue.db")
	now := time.Now()

	backend, err := queue.NewSQLiteBackend(filename)
	require.NoError(t, err)
	q := queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	id, err := q.Enqueue(ctx, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)
	require.NoError(t, q.MarkSyncing(ctx, id))
	require.NoError(t, q.MarkSynced(ctx, id))
	require.NoError(t, q.Close())

	// restart with the clock set back an hour
	backend, err = queue.NewSQLiteBackend(filename)
	require.NoError(t, err)
	earlier := now.Add(-time.Hour)
	q = queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop(), Now: func() time.Time { return earlier }})
	defer q.Close()

	next, err := q.Enqueue(ctx, json.RawMessage(`{"qty":2}`))
	require.NoError(t, err)
	assert.Equal(t, id+1, next)
}

func TestQueue_UnreadableBackend(t *testing.T) {
	backend, err := queue.NewSQLiteBackend("")
	require.NoError(t, err)
	q := queue.New(queue.Config{Backend: backend, Logger: zerolog.Nop()})
	require.NoError(t, backend.Close())

	_, err = q.ListPending(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrUnreadable))
}
