package cache

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

// ErrStoreClosed indicates use of a store after Close.
var ErrStoreClosed = errors.New("store is closed")

// Store is the persistent key-value engine underneath every Cache. Get
// returns ErrNotFound for absent keys. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	DeletePrefix(prefix []byte) error
	Keys(prefix []byte) ([][]byte, error)
	Close() error
}

// MemoryStore keeps everything in a map. It is used for tests and for
// sessions that opt out of persistence.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored at key.
func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	value, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(value), nil
}

// Set stores a copy of value at key.
func (m *MemoryStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.data[string(key)] = bytes.Clone(value)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, string(key))
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *MemoryStore) DeletePrefix(prefix []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for key := range m.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			delete(m.data, key)
		}
	}
	return nil
}

// Keys returns every key starting with prefix in ascending byte order.
func (m *MemoryStore) Keys(prefix []byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([][]byte, 0)
	for key := range m.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, []byte(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// Close releases the map. Later calls fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// BadgerStore persists entries in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database in dir. With
// inMemory set, dir is ignored and nothing touches the disk.
func OpenBadgerStore(dir string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(logrus.WithField("component", "badger")).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "OpenBadgerStore",
			"dir":       dir,
			"in_memory": inMemory,
			"error":     err.Error(),
		}).Error("Failed to open chunk store")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpenBadgerStore",
		"dir":       dir,
		"in_memory": inMemory,
	}).Info("Chunk store opened")

	return &BadgerStore{db: db}, nil
}

// Get returns the value stored at key.
func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set stores value at key.
func (s *BadgerStore) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key.
func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// DeletePrefix removes every key starting with prefix.
func (s *BadgerStore) DeletePrefix(prefix []byte) error {
	return s.db.DropPrefix(prefix)
}

// Keys returns every key starting with prefix in ascending byte order.
func (s *BadgerStore) Keys(prefix []byte) ([][]byte, error) {
	keys := make([][]byte, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
