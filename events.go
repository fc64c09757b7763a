package offlinesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind is the kind of a platform trigger.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindSync              Kind = "sync"
	KindPeriodicSync      Kind = "periodicsync"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindMessage           Kind = "message"
)

// Event is a trigger delivered by the hosting platform.
// Only the fields of its kind are set.
type Event struct {
	Kind Kind
	// fetch
	Request *http.Request
	// sync, periodicsync
	Tag string
	// push
	Payload []byte
	// notificationclick
	Action string
	Data   json.RawMessage
	// message
	Message Message
}

// Result is what handling an event produced.
type Result struct {
	// fetch: the response to send to the client.
	Response *http.Response
	// Reply to the caller, if the trigger has one.
	Reply any
}

// handler handles one kind of trigger. Work that must complete
// before the trigger counts as handled is awaited within the call.
type handler func(ctx context.Context, ev Event) (Result, error)

func (w *Worker) dispatchTable() map[Kind]handler {
	return map[Kind]handler{
		KindInstall:           w.handleInstall,
		KindActivate:          w.handleActivate,
		KindFetch:             w.handleFetch,
		KindSync:              w.handleSync,
		KindPeriodicSync:      w.handlePeriodicSync,
		KindPush:              w.handlePush,
		KindNotificationClick: w.handleNotificationClick,
		KindMessage:           w.handleMessage,
	}
}

// Dispatch hands the event to the handler of its kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, ev.Kind)
	}
	start := time.Now()
	res, err := h(ctx, ev)
	log := w.log.Trace()
	if ev.Kind != KindFetch {
		log = w.log.Debug()
	}
	log.Str("kind", string(ev.Kind)).
		Str("tag", ev.Tag).
		Dur("took", time.Since(start)).
		AnErr("error", err).
		Msg("Handled trigger")
	return res, err
}
