package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"driftkv/internal/repair"
)

// BadgerStore implements Store on top of BadgerDB.
// Keys are stored as a big-endian partition prefix followed by the key bytes,
// values as gob-encoded conflict sets.
type BadgerStore struct {
	db         *badger.DB
	partitions int
}

// NewBadgerStore opens (or creates) a badger database under dir.
// An empty dir opens an in-memory database.
func NewBadgerStore(dir string, partitions int, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, partitions: partitions}, nil
}

func (s *BadgerStore) prefix(partition int) ([]byte, error) {
	if partition < 0 || partition >= s.partitions {
		return nil, ErrPartitionRange
	}
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(partition))
	return p, nil
}

func (s *BadgerStore) dbKey(partition int, key string) ([]byte, error) {
	p, err := s.prefix(partition)
	if err != nil {
		return nil, err
	}
	return append(p, key...), nil
}

func encodeSet(set repair.ConflictSet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(set); err != nil {
		return nil, fmt.Errorf("encode conflict set: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSet(val []byte) (repair.ConflictSet, error) {
	var set repair.ConflictSet
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode conflict set: %w", err)
	}
	return set, nil
}

// Get gets a key's conflict set.
func (s *BadgerStore) Get(partition int, key string) (repair.ConflictSet, error) {
	k, err := s.dbKey(partition, key)
	if err != nil {
		return nil, err
	}

	var set repair.ConflictSet
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			set, err = decodeSet(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return set, err
}

// Put stores a key's conflict set.
func (s *BadgerStore) Put(partition int, key string, set repair.ConflictSet) error {
	k, err := s.dbKey(partition, key)
	if err != nil {
		return err
	}
	val, err := encodeSet(set)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

// Delete deletes a key.
func (s *BadgerStore) Delete(partition int, key string) error {
	k, err := s.dbKey(partition, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Scan iterates a partition's keys in order.
func (s *BadgerStore) Scan(partition int, fn func(key string, set repair.ConflictSet) bool) error {
	prefix, err := s.prefix(partition)
	if err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			set, err := decodeSet(val)
			if err != nil {
				return err
			}
			if !fn(key, set) {
				return nil
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) get() *slog.Logger {
	if l.logger == nil {
		return slog.Default()
	}
	return l.logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.get().Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.get().Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.get().Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.get().Debug(fmt.Sprintf(format, args...), "component", "badger")
}
