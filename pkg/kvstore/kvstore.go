// Package kvstore provides the BadgerDB-backed user key-value storage
// reachable through the runtime bridge's getStorage/putStorage operations.
// It is distinct from the object graph store: keys are caller-chosen
// byte strings scoped per DApp address.
package kvstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/rleor/avm/internal/types"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("kvstore closed")
)

// prefixUser is the key prefix for user storage entries.
// Key format: prefixUser + address (32 bytes) + user key.
var prefixUser = []byte{0x01}

// Config contains configuration for the user storage database.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
		Logger:     nil,
	}
}

// Store is the BadgerDB-backed user storage.
type Store struct {
	db     *badger.DB
	closed bool
}

// Open creates or opens the user storage database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kvstore: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.closed = true
	return s.db.Close()
}

func storageKey(addr types.Address, key []byte) []byte {
	out := make([]byte, 0, len(prefixUser)+types.AddressSize+len(key))
	out = append(out, prefixUser...)
	out = append(out, addr.Bytes()...)
	return append(out, key...)
}

// Get returns the value stored under (addr, key), or nil if absent.
func (s *Store) Get(addr types.Address, key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(addr, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore get: %w", err)
	}
	return out, nil
}

// Put stores value under (addr, key). An empty value deletes the entry.
func (s *Store) Put(addr types.Address, key, value []byte) error {
	if s.closed {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if len(value) == 0 {
			return txn.Delete(storageKey(addr, key))
		}
		return txn.Set(storageKey(addr, key), value)
	})
	if err != nil {
		return fmt.Errorf("kvstore put: %w", err)
	}
	return nil
}
