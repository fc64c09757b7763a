package broadcast

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPostsToAllClients(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	a, disconnectA := hub.Connect()
	b, disconnectB := hub.Connect()
	defer disconnectB()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, hub.Clients())

	hub.Post(Message{Type: TypeSyncCompleted, Data: SyncCompleted{Synced: 3, Total: 5}})

	for _, c := range []Client{a, b} {
		msg := <-c.Messages
		assert.Equal(t, TypeSyncCompleted, msg.Type)
		assert.Equal(t, SyncCompleted{Synced: 3, Total: 5}, msg.Data)
	}

	disconnectA()
	disconnectA()
	assert.Equal(t, 1, hub.Clients())
	_, open := <-a.Messages
	assert.False(t, open)
}

func TestHubDropsWhenBufferIsFull(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	c, disconnect := hub.Connect()
	defer disconnect()

	hub.Post(Message{Type: "first"})
	hub.Post(Message{Type: "second"})

	msg := <-c.Messages
	assert.Equal(t, "first", msg.Type)
	select {
	case msg := <-c.Messages:
		t.Fatalf("Unexpected message %+v", msg)
	default:
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	rec.Post(Message{Type: TypeSyncFailed, Data: SyncFailed{Error: "boom"}})
	rec.Post(Message{Type: TypeOfflineDataSaved, Data: OfflineDataSaved{ID: 1, Type: "trade"}})

	require.Len(t, rec.Messages(), 2)
	failed := rec.Of(TypeSyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Data.(SyncFailed).Error)
}
