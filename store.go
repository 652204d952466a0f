package cortex

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Names of the durable records. Each is one JSON-serialized blob; a record
// that fails to parse on load is wiped, never propagated.
const (
	recordQueue = "offline_queue"
	recordCache = "response_cache"
)

// Store is the durable local storage behind the offline queue and the
// response cache. Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the named record, or (nil, nil) when absent.
	Read(name string) ([]byte, error)
	// Write replaces the named record.
	Write(name string, data []byte) error
	// Delete removes the named record. Deleting an absent record is a no-op.
	Delete(name string) error
	// Close releases any resources held by the store.
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. State does not survive
// process restarts; use NewBadgerStore for durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Read(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Write(name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.records[name] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	delete(s.records, name)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// BadgerStore
// ============================================================================

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore persists records in an embedded BadgerDB, giving the queue
// and cache durability across process restarts.
type BadgerStore struct {
	db *badger.DB
}

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory skips disk persistence entirely. Useful for tests.
	InMemory bool
	// SyncWrites forces an fsync per write. Default true on disk.
	SyncWrites bool
	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// NewBadgerStore opens a durable store at the given path with default
// settings.
func NewBadgerStore(path string) (*BadgerStore, error) {
	return OpenBadgerStore(BadgerConfig{Path: path, SyncWrites: true})
}

// OpenBadgerStore opens a store with explicit configuration.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Read(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %q: %w", name, err)
	}
	return out, nil
}

func (s *BadgerStore) Write(name string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) Delete(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete record %q: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
