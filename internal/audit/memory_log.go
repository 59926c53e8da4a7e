package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory Log for tests and local development.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	head    string
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: map[string]int{}}
}

func (m *MemoryLog) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, err := chainHash(e, m.head)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = NewUUID()
	}
	e.PrevHash = m.head
	e.Hash = hash
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, *e)
	m.head = hash
	return nil
}

func (m *MemoryLog) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.entries[idx]
	return &e, nil
}

func (m *MemoryLog) ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].EntityID == entityID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *MemoryLog) Ping(ctx context.Context) error { return nil }
