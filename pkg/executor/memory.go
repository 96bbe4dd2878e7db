package executor

import (
	"sync"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/persist"
)

// MemGraphs is an in-memory GraphProvider: one MemStore per address.
type MemGraphs struct {
	mu     sync.Mutex
	stores map[types.Address]*persist.MemStore
}

// NewMemGraphs creates an empty provider.
func NewMemGraphs() *MemGraphs {
	return &MemGraphs{stores: make(map[types.Address]*persist.MemStore)}
}

// GraphStore returns (creating if needed) the graph store for an address.
func (g *MemGraphs) GraphStore(addr types.Address) persist.GraphStore {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stores[addr]
	if !ok {
		s = persist.NewMemStore()
		g.stores[addr] = s
	}
	return s
}

// MemUserStore is an in-memory UserStore.
type MemUserStore struct {
	mu   sync.Mutex
	data map[types.Address]map[string][]byte
}

// NewMemUserStore creates an empty user store.
func NewMemUserStore() *MemUserStore {
	return &MemUserStore{data: make(map[types.Address]map[string][]byte)}
}

// Get returns the value stored under (addr, key), or nil.
func (s *MemUserStore) Get(addr types.Address, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.data[addr]; ok {
		if v, ok := m[string(key)]; ok {
			return append([]byte(nil), v...), nil
		}
	}
	return nil, nil
}

// Put stores value under (addr, key).
func (s *MemUserStore) Put(addr types.Address, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[addr]
	if !ok {
		m = make(map[string][]byte)
		s.data[addr] = m
	}
	m[string(key)] = append([]byte(nil), value...)
	return nil
}
