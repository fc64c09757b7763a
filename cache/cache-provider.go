package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-sync/pkg/response-serializer"
)

// ErrUnreadable is wrapped by every error caused by the storage backend itself.
var ErrUnreadable = errors.New("cache unreadable")

// Store is a namespaced cache store.
// It maps request fingerprints to stored response snapshots.
// Namespaces are named, versioned partitions, see Namespace.
//
// Implementations must be thread-safe!
// Concurrent writes to the same fingerprint are last-write-wins.
type Store interface {
	// Open creates the namespace if it does not exist yet.
	// Opening an existing namespace is a no-op.
	Open(ctx context.Context, ns string) error
	// Get returns the entry for the fingerprint, if it exists.
	// It also returns a boolean indicating whether an entry was found.
	Get(ctx context.Context, ns, fp string) (Entry, bool, error)
	// Put stores the entry under the fingerprint, overwriting any existing entry.
	// The namespace is opened if needed.
	Put(ctx context.Context, ns, fp string, entry Entry) error
	// Delete removes the entry for the fingerprint. Deleting a missing entry is not an error.
	Delete(ctx context.Context, ns, fp string) error
	// All returns all entries of the namespace.
	// An entry that cannot be decoded fails the whole call with ErrUnreadable.
	All(ctx context.Context, ns string) ([]Entry, error)
	// Namespaces lists the names of all existing namespaces, sorted.
	Namespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace removes the namespace and all of its entries.
	DeleteNamespace(ctx context.Context, ns string) error
	Close() error
}

// Entry is a stored response snapshot.
type Entry struct {
	Fingerprint string
	StoredAt    time.Time
	StatusCode  int
	Header      http.Header
	Body        []byte
}

// Namespace is a versioned cache partition.
type Namespace struct {
	Name       string
	Generation int
}

// StaticNamespace is the namespace holding the static asset manifest of a generation.
func StaticNamespace(prefix string, generation int) Namespace {
	return Namespace{
		Name:       fmt.Sprintf("%s-static-v%d", prefix, generation),
		Generation: generation,
	}
}

// DynamicNamespace is the namespace holding API response snapshots of a generation.
func DynamicNamespace(prefix string, generation int) Namespace {
	return Namespace{
		Name:       fmt.Sprintf("%s-dynamic-v%d", prefix, generation),
		Generation: generation,
	}
}

// NewEntry creates a snapshot of a response whose body has already been read.
// Framing headers are dropped, they are recomputed when the entry is served.
func NewEntry(fp string, res *http.Response, body []byte, storedAt time.Time) Entry {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	return Entry{
		Fingerprint: fp,
		StoredAt:    storedAt,
		StatusCode:  res.StatusCode,
		Header:      header,
		Body:        append([]byte(nil), body...),
	}
}

// Response creates a fresh, readable response from the entry.
// Every call returns an independent body.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(e.Body)),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		Request:       req,
	}
}

// Age is the time elapsed since the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

func (e Entry) clone() Entry {
	c := e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return c
}

func encodeEntry(e Entry) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		StoredAt:   e.StoredAt,
	})
}

func decodeEntry(fp string, b []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Fingerprint: fp,
		StoredAt:    sRes.StoredAt,
		StatusCode:  sRes.StatusCode,
		Header:      sRes.Header,
		Body:        sRes.Body,
	}, nil
}

func unreadable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnreadable, err)
}
