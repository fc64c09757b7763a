package offlinesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/queue"
)

// Inbound message types.
const (
	MessageSendNotification = "SEND_NOTIFICATION"
	MessageSaveOfflineData  = "SAVE_OFFLINE_DATA"
	MessageSyncNow          = "SYNC_NOW"
	MessageSkipWaiting      = "SKIP_WAITING"
	MessageGetVersion       = "GET_VERSION"
)

// Message is a message sent by a UI client.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VersionReply answers GET_VERSION.
type VersionReply struct {
	Version   string `json:"version"`
	CacheName string `json:"cacheName"`
}

// HandleMessage handles a message from a UI client and returns the reply.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (any, error) {
	res, err := w.Dispatch(ctx, Event{Kind: KindMessage, Message: msg})
	return res.Reply, err
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Result, error) {
	msg := ev.Message
	w.log.Trace().Str("type", msg.Type).Msg("Received message")
	switch msg.Type {
	case MessageSendNotification:
		var n Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrBadRequest, msg.Type, err)
		}
		if err := w.notifier.Show(ctx, n); err != nil {
			return Result{}, fmt.Errorf("show notification: %w", err)
		}
		return Result{}, nil

	case MessageSaveOfflineData:
		id, err := w.queue.Enqueue(ctx, msg.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", msg.Type, err)
		}
		return Result{Reply: broadcast.OfflineDataSaved{ID: id, Type: queue.DataType}}, nil

	case MessageSyncNow:
		return w.drain(ctx)

	case MessageSkipWaiting:
		return w.handleActivate(ctx, ev)

	case MessageGetVersion:
		return Result{Reply: VersionReply{Version: w.version, CacheName: w.staticNs.Name}}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}
