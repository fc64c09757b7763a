package cache

import (
	"context"
	"slices"
	"sync"
)

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m *MemStore) Open(_ context.Context, ns string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(ns)
	return nil
}

func (m *MemStore) open(ns string) map[string]Entry {
	entries, ok := m.db[ns]
	if !ok {
		entries = make(map[string]Entry)
		m.db[ns] = entries
	}
	return entries
}

func (m *MemStore) Get(_ context.Context, ns, fp string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[ns][fp]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (m *MemStore) Put(_ context.Context, ns, fp string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry = entry.clone()
	entry.Fingerprint = fp
	m.open(ns)[fp] = entry
	return nil
}

func (m *MemStore) Delete(_ context.Context, ns, fp string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[ns], fp)
	return nil
}

func (m *MemStore) All(_ context.Context, ns string) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0, len(m.db[ns]))
	for _, entry := range m.db[ns] {
		entries = append(entries, entry.clone())
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.StoredAt.Compare(b.StoredAt)
	})
	return entries, nil
}

func (m *MemStore) Namespaces(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemStore) DeleteNamespace(_ context.Context, ns string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, ns)
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
