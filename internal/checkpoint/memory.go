package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Entry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]Entry),
		now:  time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, namespace, key string, value any) error {
	data, err := encode(namespace, key, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]Entry)
		m.data[namespace] = ns
	}
	ns[key] = Entry{Key: key, Value: data, UpdatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string, dst any) (bool, error) {
	m.mu.RLock()
	e, ok := m.data[namespace][key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decode(namespace, key, e.Value, dst)
}

func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, namespace string) ([]Entry, error) {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.data[namespace]))
	for _, e := range m.data[namespace] {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
