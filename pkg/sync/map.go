package sync

import "sync"

// TypedSyncMap is a mutex guarded map with typed accessors. The zero
// value is ready to use.
type TypedSyncMap[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[K]V)
	}
	m.entries[key] = value
}

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]
	return value, ok
}

func (m *TypedSyncMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
}

func (m *TypedSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}

	return value, ok
}

func (m *TypedSyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok {
		return existing, true
	}

	if m.entries == nil {
		m.entries = make(map[K]V)
	}
	m.entries[key] = value

	return value, false
}

// Len reports the number of stored entries.
func (m *TypedSyncMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}
