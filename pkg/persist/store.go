// Package persist implements the persistence and reentrancy engine: the
// object graph store, the reflection structure codec that serializes the
// reachable graph rooted at class statics, the loopback codec, and the
// reentrant graph processor that maintains the caller/callee dual graph
// during nested same-DApp calls.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

// Store errors.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStoreClosed    = errors.New("store closed")
)

// GraphStore is the key-value home of one DApp's object graph: instance id
// to opaque payload, plus one reserved slot for the environment record.
//
// Writes are buffered; FlushWrites commits them atomically at the end of a
// successful top-level transaction. A failed transaction simply never
// flushes, leaving the store contents untouched.
type GraphStore interface {
	Read(id uint64) ([]byte, error)
	Write(id uint64, payload []byte)
	FlushWrites() error
	DropWrites()
	SimpleHashCode() []byte
}

// MemStore is the in-memory GraphStore used by deployment pipelines and
// tests.
type MemStore struct {
	committed map[uint64][]byte
	pending   map[uint64][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		committed: make(map[uint64][]byte),
		pending:   make(map[uint64][]byte),
	}
}

// Read returns the committed or pending payload for an id.
func (s *MemStore) Read(id uint64) ([]byte, error) {
	if p, ok := s.pending[id]; ok {
		return append([]byte(nil), p...), nil
	}
	if p, ok := s.committed[id]; ok {
		return append([]byte(nil), p...), nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
}

// Write buffers a payload for the next flush.
func (s *MemStore) Write(id uint64, payload []byte) {
	s.pending[id] = append([]byte(nil), payload...)
}

// FlushWrites commits all buffered writes.
func (s *MemStore) FlushWrites() error {
	for id, p := range s.pending {
		s.committed[id] = p
	}
	s.pending = make(map[uint64][]byte)
	return nil
}

// DropWrites discards buffered writes without committing.
func (s *MemStore) DropWrites() {
	s.pending = make(map[uint64][]byte)
}

// SimpleHashCode digests the committed contents in key order.
func (s *MemStore) SimpleHashCode() []byte {
	ids := make([]uint64, 0, len(s.committed))
	for id := range s.committed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	hasher := blake3.New()
	var key [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(key[:], id)
		hasher.Write(key[:])
		hasher.Write(s.committed[id])
	}
	return hasher.Sum(nil)
}

// Bucket names for BoltDB.
var (
	// bucketGraph stores object records keyed by big-endian instance id.
	bucketGraph = []byte("graph")
)

// BoltGraphDB is the durable graph database: one BoltDB file holding one
// bucket per DApp graph.
type BoltGraphDB struct {
	db *bolt.DB
}

// OpenBoltGraphDB opens (creating if needed) the graph database at path.
func OpenBoltGraphDB(path string) (*BoltGraphDB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	return &BoltGraphDB{db: db}, nil
}

// Close closes the underlying database. Buffered writes on any derived
// store are discarded.
func (d *BoltGraphDB) Close() error {
	return d.db.Close()
}

// Graph scopes a store to the bucket for one DApp graph.
func (d *BoltGraphDB) Graph(graph []byte) (*BoltStore, error) {
	bucket := append(append([]byte(nil), bucketGraph...), graph...)
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create graph bucket: %w", err)
	}
	return &BoltStore{db: d.db, bucket: bucket, pending: make(map[uint64][]byte)}, nil
}

// BoltStore is the durable GraphStore, one bucket per DApp address.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte

	mu      sync.Mutex
	pending map[uint64][]byte
	closed  bool
}

// Read returns the pending or committed payload for an id.
func (s *BoltStore) Read(id uint64) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if p, ok := s.pending[id]; ok {
		out := append([]byte(nil), p...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], id)
		v := tx.Bucket(s.bucket).Get(key[:])
		if v == nil {
			return fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Write buffers a payload for the next flush.
func (s *BoltStore) Write(id uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = append([]byte(nil), payload...)
}

// FlushWrites commits all buffered writes in a single transaction.
func (s *BoltStore) FlushWrites() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64][]byte)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}
	if len(pending) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for id, p := range pending {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], id)
			if err := b.Put(key[:], p); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropWrites discards buffered writes without committing.
func (s *BoltStore) DropWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[uint64][]byte)
}

// SimpleHashCode digests the committed contents in key order.
func (s *BoltStore) SimpleHashCode() []byte {
	hasher := blake3.New()
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			hasher.Write(k)
			hasher.Write(v)
			return nil
		})
	})
	return hasher.Sum(nil)
}
