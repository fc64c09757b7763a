package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/always-cache/offline-sync/cache"
)

type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteBackend opens the queue in the given db file.
// If file name is empty, a new in-memory db is opened.
// The queue may share its db file with the cache store.
func NewSQLiteBackend(filename string) (*SQLiteBackend, error) {
	memory := filename == ""
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY,
			payload BLOB,
			enqueued_at INTEGER,
			state TEXT,
			attempts INTEGER DEFAULT 0,
			last_error TEXT DEFAULT ''
		)`,
		// highest id ever inserted, kept after its trade is deleted
		`CREATE TABLE IF NOT EXISTS trade_ids (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_id INTEGER NOT NULL
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func unreadable(op string, err error) error {
	return fmt.Errorf("queue %s: %w: %w", op, cache.ErrUnreadable, err)
}

func (s *SQLiteBackend) Insert(ctx context.Context, trade Trade) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unreadable("insert", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO trades (id, payload, enqueued_at, state) VALUES (?, ?, ?, ?)",
		trade.ID, []byte(trade.Payload), trade.EnqueuedAt.UnixNano(), string(trade.State)); err != nil {
		return unreadable("insert", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO trade_ids (id, last_id) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)`,
		trade.ID); err != nil {
		return unreadable("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return unreadable("insert", err)
	}
	return nil
}

func (s *SQLiteBackend) Unsynced(ctx context.Context) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, payload, enqueued_at, state, attempts, last_error
		FROM trades WHERE state IN (?, ?) ORDER BY id ASC`,
		string(StatePending), string(StateSyncing))
	if err != nil {
		return nil, unreadable("list", err)
	}
	defer rows.Close()
	trades := make([]Trade, 0)
	for rows.Next() {
		var trade Trade
		var payload []byte
		var enqueuedAt int64
		var state string
		if err := rows.Scan(&trade.ID, &payload, &enqueuedAt, &state, &trade.Attempts, &trade.LastError); err != nil {
			return trades, unreadable("list", err)
		}
		trade.Payload = payload
		trade.EnqueuedAt = time.Unix(0, enqueuedAt)
		trade.State = State(state)
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return trades, unreadable("list", err)
	}
	return trades, nil
}

func (s *SQLiteBackend) SetSyncing(ctx context.Context, id int64) error {
	return s.update(ctx, id, "UPDATE trades SET state = ? WHERE id = ?", string(StateSyncing), id)
}

func (s *SQLiteBackend) SetFailed(ctx context.Context, id int64, reason string) error {
	return s.update(ctx, id,
		"UPDATE trades SET state = ?, attempts = attempts + 1, last_error = ? WHERE id = ?",
		string(StatePending), reason, id)
}

func (s *SQLiteBackend) update(ctx context.Context, id int64, query string, args ...any) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unreadable("update", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unreadable("update", err)
	}
	if rows == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, id int64) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM trades WHERE id = ?", id); err != nil {
		return unreadable("delete", err)
	}
	return nil
}

// LastID returns the highest id ever inserted, including ids of synced
// and deleted trades, so a clock set back never reuses one.
// Rows from before the trade_ids table existed are covered by MAX(id).
func (s *SQLiteBackend) LastID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(
		COALESCE((SELECT MAX(id) FROM trades), 0),
		COALESCE((SELECT last_id FROM trade_ids WHERE id = 1), 0)
	)`).Scan(&last)
	if err != nil {
		return 0, unreadable("last id", err)
	}
	return last.Int64, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
