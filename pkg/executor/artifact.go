package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/rleor/avm/internal/types"
)

// Artifact errors.
var (
	ErrNoArtifact  = errors.New("no artifact for address")
	ErrBadArtifact = errors.New("malformed artifact")
)

// Artifact is the stored form of one transformed DApp: the main class name
// plus the transformed class bytes by fully qualified name. Only
// transformation output is retained; no source-form classes exist here.
type Artifact struct {
	MainClass string
	Classes   map[string][]byte
}

// Encode renders the artifact: main class string, class count, then each
// class as name + length-prefixed bytes, in sorted name order for
// determinism. The result is zstd-compressed at rest.
func (a *Artifact) Encode() ([]byte, error) {
	names := make([]string, 0, len(a.Classes))
	for name := range a.Classes {
		names = append(names, name)
	}
	sort.Strings(names)

	var raw []byte
	raw = appendString(raw, a.MainClass)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(names)))
	for _, name := range names {
		raw = appendString(raw, name)
		raw = binary.BigEndian.AppendUint32(raw, uint32(len(a.Classes[name])))
		raw = append(raw, a.Classes[name]...)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodeArtifact parses a compressed artifact blob.
func DecodeArtifact(data []byte) (*Artifact, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}

	pos := 0
	main, pos, err := readString(raw, pos)
	if err != nil {
		return nil, err
	}
	if pos+2 > len(raw) {
		return nil, ErrBadArtifact
	}
	count := int(binary.BigEndian.Uint16(raw[pos:]))
	pos += 2

	a := &Artifact{MainClass: main, Classes: make(map[string][]byte, count)}
	for i := 0; i < count; i++ {
		var name string
		name, pos, err = readString(raw, pos)
		if err != nil {
			return nil, err
		}
		if pos+4 > len(raw) {
			return nil, ErrBadArtifact
		}
		n := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		if pos+n > len(raw) {
			return nil, ErrBadArtifact
		}
		a.Classes[name] = append([]byte(nil), raw[pos:pos+n]...)
		pos += n
	}
	if pos != len(raw) {
		return nil, ErrBadArtifact
	}
	return a, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(raw []byte, pos int) (string, int, error) {
	if pos+2 > len(raw) {
		return "", 0, ErrBadArtifact
	}
	n := int(binary.BigEndian.Uint16(raw[pos:]))
	pos += 2
	if pos+n > len(raw) {
		return "", 0, ErrBadArtifact
	}
	return string(raw[pos : pos+n]), pos + n, nil
}

// ArtifactStore persists transformed artifacts by DApp address.
type ArtifactStore interface {
	Get(addr types.Address) (*Artifact, error)
	Put(addr types.Address, a *Artifact) error
}

// artifactCacheSize bounds the decoded artifact cache.
const artifactCacheSize = 64

// MemArtifacts is an in-memory ArtifactStore holding compressed blobs with
// an LRU cache of decoded artifacts.
type MemArtifacts struct {
	mu    sync.Mutex
	blobs map[types.Address][]byte
	cache *lru.Cache[types.Address, *Artifact]
}

// NewMemArtifacts creates an empty artifact store.
func NewMemArtifacts() *MemArtifacts {
	cache, _ := lru.New[types.Address, *Artifact](artifactCacheSize)
	return &MemArtifacts{
		blobs: make(map[types.Address][]byte),
		cache: cache,
	}
}

// Get returns the artifact deployed at addr.
func (s *MemArtifacts) Get(addr types.Address) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.cache.Get(addr); ok {
		return a, nil
	}
	blob, ok := s.blobs[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoArtifact, addr)
	}
	a, err := DecodeArtifact(blob)
	if err != nil {
		return nil, err
	}
	s.cache.Add(addr, a)
	return a, nil
}

// Put stores the artifact deployed at addr.
func (s *MemArtifacts) Put(addr types.Address, a *Artifact) error {
	blob, err := a.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[addr] = blob
	s.cache.Add(addr, a)
	return nil
}
