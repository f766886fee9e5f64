package history

import (
	"context"
	"sync"
)

// MemoryLedger keeps events in process memory. It backs "mem://" DSNs and tests.
type MemoryLedger struct {
	mu        sync.Mutex
	retention int
	events    map[string][]Event
}

func NewMemoryLedger(retention int) *MemoryLedger {
	return &MemoryLedger{retention: Retention(retention), events: map[string][]Event{}}
}

func (m *MemoryLedger) Append(_ context.Context, e Event) error {
	if err := Validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := append(m.events[e.Name], e)
	m.events[e.Name] = append([]Event(nil), Tail(evs, m.retention)...)
	return nil
}

func (m *MemoryLedger) List(_ context.Context, name string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[name]...), nil
}

func (m *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)
