package cache

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// An in-memory db lives on a single connection, so it is private to the store.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
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
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT,
			fingerprint TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, fingerprint)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (namespace, stored_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, ns string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := openNamespace(ctx, s.db, ns); err != nil {
		return unreadable("open namespace", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openNamespace(ctx context.Context, db execer, ns string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		ns, time.Now().Unix())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, ns, fp string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE namespace = ? AND fingerprint = ?", ns, fp,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, unreadable("get", err)
	}
	entry, err := decodeEntry(fp, bytes)
	if err != nil {
		return Entry{}, false, unreadable("decode", err)
	}
	return entry, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, ns, fp string, entry Entry) error {
	bytes, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unreadable("put", err)
	}
	defer tx.Rollback()
	if err := openNamespace(ctx, tx, ns); err != nil {
		return unreadable("put", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (namespace, fingerprint, stored_at, bytes) VALUES (?, ?, ?, ?)",
		ns, fp, entry.StoredAt.UnixNano(), bytes,
	); err != nil {
		return unreadable("put", err)
	}
	if err := tx.Commit(); err != nil {
		return unreadable("put", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ns, fp string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND fingerprint = ?", ns, fp,
	); err != nil {
		return unreadable("delete", err)
	}
	return nil
}

func (s *SQLiteStore) All(ctx context.Context, ns string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT fingerprint, bytes FROM entries WHERE namespace = ? ORDER BY stored_at ASC", ns)
	if err != nil {
		return nil, unreadable("all", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var fp string
		var bytes []byte
		if err := rows.Scan(&fp, &bytes); err != nil {
			return entries, unreadable("all", err)
		}
		entry, err := decodeEntry(fp, bytes)
		if err != nil {
			return entries, unreadable("decode", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return entries, unreadable("all", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces")
	if err != nil {
		return nil, unreadable("namespaces", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, unreadable("namespaces", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return names, unreadable("namespaces", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *SQLiteStore) DeleteNamespace(ctx context.Context, ns string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unreadable("delete namespace", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", ns); err != nil {
		return unreadable("delete namespace", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", ns); err != nil {
		return unreadable("delete namespace", err)
	}
	if err := tx.Commit(); err != nil {
		return unreadable("delete namespace", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
