package entity

import (
	"sort"
	"sync"
)

// Model holds one live value per entity key for a single session.
type Model struct {
	mu       sync.RWMutex
	entities map[Key]Entity
}

func NewModel() *Model {
	return &Model{entities: make(map[Key]Entity)}
}

// Put stores e, overwriting whatever lived under its key. It returns the
// previous value, if any.
func (m *Model) Put(e Entity) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entities[e.Key()]
	m.entities[e.Key()] = e
	return prev, ok
}

func (m *Model) Get(key Key) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[key]
	return e, ok
}

// Len returns the number of live entities.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Snapshot returns every entity ordered by key.
func (m *Model) Snapshot() []Entity {
	m.mu.RLock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.ID < b.ID
	})
	return out
}

// Clear evicts every entity (session teardown).
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[Key]Entity)
}
