package entity

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DiscoverySet remembers which (kind, key) discovery records were published in
// this session, in publication order.
type DiscoverySet struct {
	mu    sync.Mutex
	byKey *orderedmap.OrderedMap[Key, *orderedmap.OrderedMap[Kind, struct{}]]
}

func NewDiscoverySet() *DiscoverySet {
	return &DiscoverySet{byKey: orderedmap.New[Key, *orderedmap.OrderedMap[Kind, struct{}]]()}
}

// Mark records (kind, key) and reports whether it was new.
func (s *DiscoverySet) Mark(kind Kind, key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds, ok := s.byKey.Get(key)
	if !ok {
		kinds = orderedmap.New[Kind, struct{}]()
		s.byKey.Set(key, kinds)
	}
	if _, seen := kinds.Get(kind); seen {
		return false
	}
	kinds.Set(kind, struct{}{})
	return true
}

func (s *DiscoverySet) Has(kind Kind, key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.byKey.Get(key)
	if !ok {
		return false
	}
	_, seen := kinds.Get(kind)
	return seen
}

// KindsFor returns the kinds already published for key, oldest first. A
// friendly-name republish must cover exactly these and nothing else.
func (s *DiscoverySet) KindsFor(key Key) []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.byKey.Get(key)
	if !ok {
		return nil
	}
	out := make([]Kind, 0, kinds.Len())
	for p := kinds.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Keys returns every key with at least one published record, oldest first.
func (s *DiscoverySet) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, s.byKey.Len())
	for p := s.byKey.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (s *DiscoverySet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = orderedmap.New[Key, *orderedmap.OrderedMap[Kind, struct{}]]()
}
