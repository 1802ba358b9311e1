package labels

import (
	"cmp"
	"slices"
	"sync"
)

type Label struct {
	Addr uint64
	Text string
}

// Store holds user defined labels keyed by absolute address.
type Store struct {
	mu     sync.RWMutex
	labels map[uint64]string
}

func NewStore() *Store {
	return &Store{labels: make(map[uint64]string)}
}

// Set labels addr. An empty text removes the label.
func (s *Store) Set(addr uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		delete(s.labels, addr)
		return
	}
	s.labels[addr] = text
}

func (s *Store) Delete(addr uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.labels[addr]
	delete(s.labels, addr)
	return ok
}

func (s *Store) LabelAt(addr uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.labels[addr]
	return text, ok
}

// All returns the labels ordered by address.
func (s *Store) All() []Label {
	s.mu.RLock()
	out := make([]Label, 0, len(s.labels))
	for addr, text := range s.labels {
		out = append(out, Label{Addr: addr, Text: text})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Label) int { return cmp.Compare(a.Addr, b.Addr) })
	return out
}
