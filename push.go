package offlinesync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-sync/broadcast"
)

// DefaultNotificationTitle is used for push payloads without a title.
const DefaultNotificationTitle = "Trading update"

// ActionClose dismisses a notification without further action.
const ActionClose = "close"

// Notification is what a push message or a SEND_NOTIFICATION shows.
type Notification struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon,omitempty"`
	Tag   string          `json:"tag,omitempty"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Notifier presents notifications to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	// Open focuses or opens the application at url.
	Open(ctx context.Context, url string) error
}

// LogNotifier only logs notifications, for hosts without a presentation layer.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Show(_ context.Context, notification Notification) error {
	n.Logger.Info().
		Str("title", notification.Title).
		Str("body", notification.Body).
		Str("tag", notification.Tag).
		Msg("Notification")
	return nil
}

func (n LogNotifier) Open(_ context.Context, url string) error {
	n.Logger.Info().Str("url", url).Msg("Open window")
	return nil
}

// ParsePushPayload decodes a JSON notification. A payload that is not
// a JSON object becomes the body of a plain-text notification, and the
// returned error wraps ErrMalformedPushPayload.
func ParsePushPayload(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{
			Title: DefaultNotificationTitle,
			Body:  strings.TrimSpace(string(payload)),
		}, fmt.Errorf("%w: %w", ErrMalformedPushPayload, err)
	}
	if n.Title == "" {
		n.Title = DefaultNotificationTitle
	}
	return n, nil
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (Result, error) {
	n, err := ParsePushPayload(ev.Payload)
	if err != nil {
		w.log.Warn().Err(err).Msg("Showing push payload as plain text")
	}
	if err := w.notifier.Show(ctx, n); err != nil {
		return Result{}, fmt.Errorf("show notification: %w", err)
	}
	return Result{Reply: n}, nil
}

// handleNotificationClick tells the clients about the click and opens the
// application at the url of the notification data (the root if none).
func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) (Result, error) {
	if ev.Action == ActionClose {
		return Result{}, nil
	}

	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return Result{}, fmt.Errorf("%w: notification data: %w", ErrBadRequest, err)
		}
	}
	w.poster.Post(broadcast.Message{
		Type: broadcast.TypeNotificationClicked,
		Data: broadcast.NotificationClicked{Data: data},
	})

	target := "/"
	if fields, ok := data.(map[string]any); ok {
		if u, ok := fields["url"].(string); ok && u != "" {
			target = u
		}
	}
	if ref, err := w.origin.Parse(target); err == nil {
		target = ref.String()
	}
	if err := w.notifier.Open(ctx, target); err != nil {
		return Result{}, fmt.Errorf("open %s: %w", target, err)
	}
	return Result{Reply: target}, nil
}
