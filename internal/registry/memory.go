package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It backs "mem://" DSNs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	corrupt map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, corrupt: map[string]bool{}}
}

func (m *MemoryStore) Get(_ context.Context, name string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.corrupt[name] {
		return Record{}, ErrCorrupt
	}
	rec, ok := m.records[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.corrupt, rec.Name)
	m.records[rec.Name] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.corrupt, name)
	delete(m.records, name)
	return nil
}

func (m *MemoryStore) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records)+len(m.corrupt))
	for n := range m.records {
		if !m.corrupt[n] {
			out = append(out, n)
		}
	}
	for n := range m.corrupt {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// MarkCorrupt makes name decode as garbage until it is written or deleted.
func (m *MemoryStore) MarkCorrupt(name string) {
	m.mu.Lock()
	m.corrupt[name] = true
	m.mu.Unlock()
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
