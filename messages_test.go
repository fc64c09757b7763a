package offlinesync_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinesync "github.com/always-cache/offline-sync"
	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/queue"
)

func TestMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	reply, err := f.worker.HandleMessage(ctx, offlinesync.Message{Type: offlinesync.MessageGetVersion})
	require.NoError(t, err)
	assert.Equal(t, offlinesync.VersionReply{Version: "1.2.3", CacheName: "trading-static-v2"}, reply)

	reply, err = f.worker.HandleMessage(ctx, offlinesync.Message{
		Type:    offlinesync.MessageSaveOfflineData,
		Payload: json.RawMessage(`{"symbol":"BTCUSDT","side":"buy","qty":0.1}`),
	})
	require.NoError(t, err)
	saved, ok := reply.(broadcast.OfflineDataSaved)
	require.True(t, ok)
	assert.Equal(t, queue.DataType, saved.Type)
	assert.Equal(t, []broadcast.Message{{Type: broadcast.TypeOfflineDataSaved, Data: saved}}, f.recorder.Of(broadcast.TypeOfflineDataSaved))

	_, err = f.worker.HandleMessage(ctx, offlinesync.Message{Type: offlinesync.MessageSaveOfflineData, Payload: json.RawMessage(`{nope`)})
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)

	reply, err = f.worker.HandleMessage(ctx, offlinesync.Message{Type: offlinesync.MessageSyncNow})
	require.NoError(t, err)
	assert.Equal(t, broadcast.SyncCompleted{Synced: 1, Total: 1}, reply)
	assert.Len(t, f.origin.Synced(), 1)
	assert.Len(t, f.recorder.Of(broadcast.TypeSyncCompleted), 1)

	_, err = f.worker.HandleMessage(ctx, offlinesync.Message{
		Type:    offlinesync.MessageSendNotification,
		Payload: json.RawMessage(`{"title":"Saved","body":"Trade queued"}`),
	})
	require.NoError(t, err)
	require.Len(t, f.notifier.shown, 1)
	assert.Equal(t, "Trade queued", f.notifier.shown[0].Body)

	_, err = f.worker.HandleMessage(ctx, offlinesync.Message{Type: "CLAIM_CLIENTS"})
	assert.ErrorIs(t, err, offlinesync.ErrUnknownMessage)
}

func TestMessages_SkipWaitingActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.worker.HandleMessage(ctx, offlinesync.Message{Type: offlinesync.MessageSkipWaiting})
	assert.ErrorIs(t, err, offlinesync.ErrNotInstalled)

	require.NoError(t, f.worker.Install(ctx))
	_, err = f.worker.HandleMessage(ctx, offlinesync.Message{Type: offlinesync.MessageSkipWaiting})
	require.NoError(t, err)
	select {
	case <-f.worker.Activated():
	default:
		t.Fatal("SKIP_WAITING did not activate")
	}
}
