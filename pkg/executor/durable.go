package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/persist"
)

// BoltGraphs is the durable GraphProvider: one bucket per address inside a
// shared BoltDB file.
type BoltGraphs struct {
	db *persist.BoltGraphDB

	mu     sync.Mutex
	stores map[types.Address]*persist.BoltStore
}

// NewBoltGraphs creates a provider over an open graph database.
func NewBoltGraphs(db *persist.BoltGraphDB) *BoltGraphs {
	return &BoltGraphs{db: db, stores: make(map[types.Address]*persist.BoltStore)}
}

// GraphStore returns (creating if needed) the graph store for an address.
// Stores are cached so buffered writes survive across calls of one task.
func (g *BoltGraphs) GraphStore(addr types.Address) persist.GraphStore {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stores[addr]
	if !ok {
		var err error
		s, err = g.db.Graph(addr.Bytes())
		if err != nil {
			panic("executor: graph bucket: " + err.Error())
		}
		g.stores[addr] = s
	}
	return s
}

// FileArtifacts is the durable ArtifactStore: one compressed blob per
// address under a directory, with an LRU cache of decoded artifacts.
type FileArtifacts struct {
	dir   string
	mu    sync.Mutex
	cache *lru.Cache[types.Address, *Artifact]
}

// NewFileArtifacts creates an artifact store rooted at dir.
func NewFileArtifacts(dir string) (*FileArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	cache, _ := lru.New[types.Address, *Artifact](artifactCacheSize)
	return &FileArtifacts{dir: dir, cache: cache}, nil
}

func (s *FileArtifacts) path(addr types.Address) string {
	return filepath.Join(s.dir, addr.String()+".avmpkg")
}

// Get returns the artifact deployed at addr.
func (s *FileArtifacts) Get(addr types.Address) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.cache.Get(addr); ok {
		return a, nil
	}
	blob, err := os.ReadFile(s.path(addr))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoArtifact, addr)
	}
	if err != nil {
		return nil, err
	}
	a, err := DecodeArtifact(blob)
	if err != nil {
		return nil, err
	}
	s.cache.Add(addr, a)
	return a, nil
}

// Put stores the artifact deployed at addr.
func (s *FileArtifacts) Put(addr types.Address, a *Artifact) error {
	blob, err := a.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(addr), blob, 0o644); err != nil {
		return err
	}
	s.cache.Add(addr, a)
	return nil
}
