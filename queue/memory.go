package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemBackend keeps trades in memory. Trades do not survive a restart.
type MemBackend struct {
	mutex  sync.Mutex
	trades map[int64]Trade
	lastID int64
}

func NewMemBackend() *MemBackend {
	return &MemBackend{trades: make(map[int64]Trade)}
}

func (m *MemBackend) Insert(_ context.Context, trade Trade) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.trades[trade.ID] = trade
	m.lastID = max(m.lastID, trade.ID)
	return nil
}

func (m *MemBackend) Unsynced(_ context.Context) ([]Trade, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	trades := make([]Trade, 0, len(m.trades))
	for _, trade := range m.trades {
		trades = append(trades, trade)
	}
	slices.SortFunc(trades, func(a, b Trade) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return trades, nil
}

func (m *MemBackend) SetSyncing(_ context.Context, id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return notFound(id)
	}
	trade.State = StateSyncing
	m.trades[id] = trade
	return nil
}

func (m *MemBackend) SetFailed(_ context.Context, id int64, reason string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return notFound(id)
	}
	trade.State = StatePending
	trade.Attempts++
	trade.LastError = reason
	m.trades[id] = trade
	return nil
}

func (m *MemBackend) Delete(_ context.Context, id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.trades, id)
	return nil
}

func (m *MemBackend) LastID(_ context.Context) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastID, nil
}

func (m *MemBackend) Close() error {
	return nil
}
