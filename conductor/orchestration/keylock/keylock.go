// Package keylock serializes work per key while letting different keys run in parallel.
package keylock

import "sync"

// Map hands out one mutex per key. Entries are reference counted and dropped when unused.
type Map struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

type keyed struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[string]*keyed)}
}

// Lock blocks until key is held by the caller and returns the matching unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	k, ok := m.locks[key]
	if !ok {
		k = &keyed{}
		m.locks[key] = k
	}
	k.refs++
	m.mu.Unlock()

	k.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Unlock()

			m.mu.Lock()
			k.refs--
			if k.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
