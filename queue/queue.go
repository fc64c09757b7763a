// Package queue is the durable log of trade submissions captured while offline.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-sync/broadcast"
)

var (
	// ErrInvalidPayload is returned when a trade payload is not valid JSON.
	ErrInvalidPayload = errors.New("invalid trade payload")
	// ErrNotFound is returned when a trade id is not in the queue.
	ErrNotFound = errors.New("trade not found")
)

// State of a queued trade.
type State string

const (
	StatePending State = "pending"
	StateSyncing State = "syncing"
	// Synced trades are deleted, the state is never stored.
	StateSynced State = "synced"
	// Failed trades go back to pending, the state is never stored.
	StateFailed State = "failed"
)

// DataType is the type reported to clients for queued trades.
const DataType = "trade"

type Trade struct {
	ID         int64           `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	State      State           `json:"state"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// Backend stores queued trades.
//
// Implementations must be thread-safe!
type Backend interface {
	Insert(ctx context.Context, trade Trade) error
	// Unsynced returns pending and syncing trades ordered by id.
	Unsynced(ctx context.Context) ([]Trade, error)
	// SetSyncing marks a trade as being delivered.
	SetSyncing(ctx context.Context, id int64) error
	// SetFailed puts a trade back to pending and records the failure.
	SetFailed(ctx context.Context, id int64, reason string) error
	// Delete removes a trade. Deleting a missing trade is not an error.
	Delete(ctx context.Context, id int64) error
	// LastID returns the highest id ever stored, zero if none.
	LastID(ctx context.Context) (int64, error)
	Close() error
}

type Config struct {
	Backend Backend
	// Poster receives OFFLINE_DATA_SAVED messages. Optional.
	Poster broadcast.Poster
	Logger zerolog.Logger
	// Clock. time.Now if nil.
	Now func() time.Time
}

// Queue owns the lifecycle of queued trades:
// Pending -> Syncing -> Synced (deleted) or Failed (pending again).
type Queue struct {
	backend Backend
	poster  broadcast.Poster
	log     zerolog.Logger
	now     func() time.Time

	idMutex sync.Mutex
	lastID  int64
	loaded  bool
}

func New(config Config) *Queue {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		backend: config.Backend,
		poster:  config.Poster,
		log:     config.Logger.With().Str("component", "queue").Logger(),
		now:     now,
	}
}

// Enqueue stores the payload as a pending trade and notifies clients of its id.
// Ids derive from the enqueue time in milliseconds, and are bumped
// when the clock did not advance, so they never repeat or decrease.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}
	q.idMutex.Lock()
	defer q.idMutex.Unlock()
	if !q.loaded {
		last, err := q.backend.LastID(ctx)
		if err != nil {
			return 0, err
		}
		q.lastID, q.loaded = last, true
	}
	now := q.now()
	id := now.UnixMilli()
	if id <= q.lastID {
		id = q.lastID + 1
	}
	trade := Trade{
		ID:         id,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: now,
		State:      StatePending,
	}
	if err := q.backend.Insert(ctx, trade); err != nil {
		return 0, err
	}
	q.lastID = id
	q.log.Info().Int64("id", id).Msg("Trade queued for sync")
	if q.poster != nil {
		q.poster.Post(broadcast.Message{
			Type: broadcast.TypeOfflineDataSaved,
			Data: broadcast.OfflineDataSaved{ID: id, Type: DataType},
		})
	}
	return id, nil
}

// ListPending returns the trades still waiting for sync, in insertion order.
// Trades left syncing by an interrupted drain are included.
func (q *Queue) ListPending(ctx context.Context) ([]Trade, error) {
	return q.backend.Unsynced(ctx)
}

func (q *Queue) MarkSyncing(ctx context.Context, id int64) error {
	return q.backend.SetSyncing(ctx, id)
}

// MarkSynced removes a delivered trade.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	if err := q.backend.Delete(ctx, id); err != nil {
		return err
	}
	q.log.Debug().Int64("id", id).Msg("Trade synced")
	return nil
}

// MarkFailed keeps the trade for the next drain.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := q.backend.SetFailed(ctx, id, reason); err != nil {
		return err
	}
	q.log.Debug().Int64("id", id).Str("reason", reason).Msg("Trade sync failed, kept pending")
	return nil
}

func (q *Queue) Close() error {
	return q.backend.Close()
}

func notFound(id int64) error {
	return fmt.Errorf("trade %d: %w", id, ErrNotFound)
}
