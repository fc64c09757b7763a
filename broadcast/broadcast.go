// Package broadcast delivers status messages to all connected UI clients.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types posted to clients.
const (
	TypeSyncCompleted       = "SYNC_COMPLETED"
	TypeSyncFailed          = "SYNC_FAILED"
	TypeOfflineDataSaved    = "OFFLINE_DATA_SAVED"
	TypeNotificationClicked = "NOTIFICATION_CLICKED"
)

// Message is the {type, data} envelope every client receives.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type SyncCompleted struct {
	Synced int `json:"synced"`
	Total  int `json:"total"`
}

type SyncFailed struct {
	Error string `json:"error"`
}

type OfflineDataSaved struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type NotificationClicked struct {
	Data any `json:"data"`
}

// Poster posts a message to every connected client.
type Poster interface {
	Post(msg Message)
}

// Client is a connected UI client.
type Client struct {
	ID       string
	Messages <-chan Message
}

// Hub keeps track of connected clients.
// Posting never blocks: a client whose buffer is full misses the message.
type Hub struct {
	mutex   sync.RWMutex
	clients map[string]chan Message
	buffer  int
	log     zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		clients: make(map[string]chan Message),
		buffer:  buffer,
		log:     logger.With().Str("component", "broadcast").Logger(),
	}
}

// Connect registers a new client. The returned function disconnects it
// and closes its message channel.
func (h *Hub) Connect() (Client, func()) {
	id := uuid.NewString()
	ch := make(chan Message, h.buffer)

	h.mutex.Lock()
	h.clients[id] = ch
	h.mutex.Unlock()
	h.log.Debug().Str("client", id).Msg("Client connected")

	var once sync.Once
	disconnect := func() {
		once.Do(func() {
			h.mutex.Lock()
			delete(h.clients, id)
			close(ch)
			h.mutex.Unlock()
			h.log.Debug().Str("client", id).Msg("Client disconnected")
		})
	}
	return Client{ID: id, Messages: ch}, disconnect
}

func (h *Hub) Post(msg Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	h.log.Debug().Str("type", msg.Type).Int("clients", len(h.clients)).Msg("Posting message")
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.log.Warn().Str("client", id).Str("type", msg.Type).Msg("Client buffer full, dropping message")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Recorder is a Poster keeping every message, for tests and debugging.
type Recorder struct {
	mutex    sync.Mutex
	messages []Message
}

func (r *Recorder) Post(msg Message) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Message(nil), r.messages...)
}

// Of returns the recorded messages of the given type.
func (r *Recorder) Of(msgType string) []Message {
	var out []Message
	for _, msg := range r.Messages() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// Discard is a Poster dropping every message.
var Discard Poster = discard{}

type discard struct{}

func (discard) Post(Message) {}
