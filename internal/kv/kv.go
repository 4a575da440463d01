// Package kv provides a small embedded key-value store on BadgerDB.
//
// It holds state that is not relational: the network client's offline
// request queue lives here so queued requests survive restarts.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/kimhsiao/medportal/core/internal/logging"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Config holds configuration for a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory disables persistence. Useful for testing.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
}

// badgerLogger adapts the application logger to BadgerDB's Logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error("badger", fmt.Errorf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(string, ...interface{}) {}

func (badgerLogger) Debugf(string, ...interface{}) {}

// Store wraps a BadgerDB instance.
type Store struct {
	db *badger.DB
}

// Open opens a Store with the given configuration.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("kv: path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create kv directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-persistent Store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns the value of key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan calls fn for every key with prefix in key order. Returning an error
// from fn stops the scan.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropPrefix deletes every key with prefix.
func (s *Store) DropPrefix(prefix string) error {
	return s.db.DropPrefix([]byte(prefix))
}

// PutJSON stores v encoded as JSON.
func (s *Store) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(key, data)
}

// GetJSON decodes the value of key into v.
func (s *Store) GetJSON(key string, v interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// RunGC runs one value log garbage collection pass. "Nothing to collect"
// is not an error.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}
