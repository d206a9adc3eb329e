// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/storage"
)

const (
	memoryPrefix   = "mem:"
	historyPrefix  = "hist:"
	decayPrefix    = "decay:"
	categoryPrefix = "cat:"

	// maxTxnRetries bounds retries of read-modify-write transactions that
	// lose an optimistic conflict.
	maxTxnRetries = 32
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	// InMemory runs Badger without touching disk; Path is ignored.
	InMemory bool
}

// ConfigFrom maps the badger config section.
func ConfigFrom(cfg config.BadgerConfig) *Config {
	return &Config{
		Path:              cfg.Path,
		SyncWrites:        cfg.SyncWrites,
		ValueLogFileSize:  cfg.ValueLogFileSize,
		NumVersionsToKeep: cfg.NumVersionsToKeep,
	}
}

// BadgerStorage implements the Store interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key generation functions
func memoryKey(id string) []byte {
	return []byte(memoryPrefix + id)
}

func historyKey(memoryID, eventID string) []byte {
	return []byte(historyPrefix + memoryID + ":" + eventID)
}

func decayKey(id string) []byte {
	return []byte(decayPrefix + id)
}

func categoryKey(id string) []byte {
	return []byte(categoryPrefix + id)
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// loadLive reads a memory inside txn, treating tombstones as missing.
func loadLive(txn *badger.Txn, id string) (*storage.Memory, error) {
	var mem storage.Memory
	if err := getJSON(txn, memoryKey(id), &mem); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{EntityType: "memory", ID: id}
		}
		return nil, err
	}
	if mem.Tombstone {
		return nil, &storage.NotFoundError{EntityType: "memory", ID: id}
	}
	return &mem, nil
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts.
func (b *BadgerStorage) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// AddMemory stores a new memory.
func (b *BadgerStorage) AddMemory(ctx context.Context, mem *storage.Memory) error {
	return b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(memoryKey(mem.ID))
		if err == nil {
			return &storage.DuplicateKeyError{EntityType: "memory", ID: mem.ID}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, memoryKey(mem.ID), mem)
	})
}

// GetMemory retrieves a live memory by ID.
func (b *BadgerStorage) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	var mem *storage.Memory
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		mem, err = loadLive(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// UpdateMemory replaces a live memory.
func (b *BadgerStorage) UpdateMemory(ctx context.Context, mem *storage.Memory) error {
	return b.update(func(txn *badger.Txn) error {
		if _, err := loadLive(txn, mem.ID); err != nil {
			return err
		}
		return setJSON(txn, memoryKey(mem.ID), mem)
	})
}

// CompareAndUpdateMemory replaces a live memory if its UpdatedAt is expected.
// A transaction that loses to a concurrent writer reports a conflict.
func (b *BadgerStorage) CompareAndUpdateMemory(ctx context.Context, mem *storage.Memory, expected time.Time) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		cur, err := loadLive(txn, mem.ID)
		if err != nil {
			return err
		}
		if !cur.UpdatedAt.Equal(expected) {
			return &storage.ConflictError{ID: mem.ID}
		}
		return setJSON(txn, memoryKey(mem.ID), mem)
	})
	if errors.Is(err, badger.ErrConflict) {
		return &storage.ConflictError{ID: mem.ID}
	}
	return err
}

// IncrementAccess bumps the access count of a live memory.
func (b *BadgerStorage) IncrementAccess(ctx context.Context, id string, at time.Time) (*storage.Memory, error) {
	var out *storage.Memory
	err := b.update(func(txn *badger.Txn) error {
		mem, err := loadLive(txn, id)
		if err != nil {
			return err
		}
		mem.AccessCount++
		mem.LastAccessed = at
		mem.UpdatedAt = storage.NextStamp(mem.UpdatedAt, at)
		out = mem
		return setJSON(txn, memoryKey(id), mem)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMemory tombstones or removes a live memory.
func (b *BadgerStorage) DeleteMemory(ctx context.Context, id string, soft bool) error {
	return b.update(func(txn *badger.Txn) error {
		mem, err := loadLive(txn, id)
		if err != nil {
			return err
		}
		if !soft {
			return txn.Delete(memoryKey(id))
		}
		mem.Tombstone = true
		return setJSON(txn, memoryKey(id), mem)
	})
}

// scanMemories calls fn for every stored memory, tombstoned ones included.
func scanMemories(txn *badger.Txn, fn func(key []byte, mem *storage.Memory) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(memoryPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var mem storage.Memory
		if err := item.Value(func(val []byte) error {
			return deserialize(val, &mem)
		}); err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), &mem); err != nil {
			return err
		}
	}
	return nil
}

// ListMemories returns live memories matching q.
func (b *BadgerStorage) ListMemories(ctx context.Context, q *storage.MemoryQuery) ([]*storage.Memory, error) {
	var out []*storage.Memory
	err := b.db.View(func(txn *badger.Txn) error {
		return scanMemories(txn, func(_ []byte, mem *storage.Memory) error {
			if !mem.Tombstone && q.Match(mem) {
				out = append(out, mem)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortMemories(out)
	if q != nil && q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PurgeTombstoned removes tombstoned memories.
func (b *BadgerStorage) PurgeTombstoned(ctx context.Context) (int, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		return scanMemories(txn, func(key []byte, mem *storage.Memory) error {
			if mem.Tombstone {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// AppendHistory appends an event under the memory's history prefix.
func (b *BadgerStorage) AppendHistory(ctx context.Context, e *storage.HistoryEvent) error {
	if e.ID == "" {
		e.ID = storage.NewEventID()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, historyKey(e.MemoryID, e.ID), e)
	})
}

// History returns the events of a memory, oldest first. ULID keys sort by
// time, so prefix iteration order is append order.
func (b *BadgerStorage) History(ctx context.Context, memoryID string) ([]*storage.HistoryEvent, error) {
	out := []*storage.HistoryEvent{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(historyPrefix + memoryID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e storage.HistoryEvent
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordDecayRun appends a maintenance record.
func (b *BadgerStorage) RecordDecayRun(ctx context.Context, r *storage.DecayRun) error {
	if r.ID == "" {
		r.ID = storage.NewEventID()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, decayKey(r.ID), r)
	})
}

// DecayRuns returns up to limit maintenance records, newest first.
func (b *BadgerStorage) DecayRuns(ctx context.Context, limit int) ([]*storage.DecayRun, error) {
	var runs []*storage.DecayRun
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(decayPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r storage.DecayRun
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &r)
			}); err != nil {
				return err
			}
			runs = append(runs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*storage.DecayRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, runs[i])
	}
	return out, nil
}

// SaveCategory inserts or replaces a category.
func (b *BadgerStorage) SaveCategory(ctx context.Context, c *storage.Category) error {
	return b.update(func(txn *badger.Txn) error {
		return setJSON(txn, categoryKey(c.ID), c)
	})
}

// GetCategory retrieves a category by ID.
func (b *BadgerStorage) GetCategory(ctx context.Context, id string) (*storage.Category, error) {
	var c storage.Category
	err := b.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, categoryKey(id), &c)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{EntityType: "category", ID: id}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories returns every category sorted by id.
func (b *BadgerStorage) ListCategories(ctx context.Context) ([]*storage.Category, error) {
	out := []*storage.Category{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(categoryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c storage.Category
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCategory removes a category.
func (b *BadgerStorage) DeleteCategory(ctx context.Context, id string) error {
	return b.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(categoryKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "category", ID: id}
			}
			return err
		}
		return txn.Delete(categoryKey(id))
	})
}

// Reset drops every key.
func (b *BadgerStorage) Reset(ctx context.Context) error {
	return b.db.DropAll()
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
