package storage

import (
	"errors"
	"strings"

	"github.com/zhangyunhao116/skipmap"

	"driftkv/internal/repair"
)

// Store is the narrow persistence capability the replication engine depends on.
// Every key lives in exactly one partition and holds one conflict set.
type Store interface {
	// Get returns the conflict set of a key, or nil if the key is absent.
	Get(partition int, key string) (repair.ConflictSet, error)
	// Put replaces the conflict set of a key.
	Put(partition int, key string, set repair.ConflictSet) error
	// Delete removes a key entirely. Used when a partition is retired after handoff.
	Delete(partition int, key string) error
	// Scan visits every key of a partition in key order until fn returns false.
	Scan(partition int, fn func(key string, set repair.ConflictSet) bool) error
	// Close releases the store's resources.
	Close() error
}

// ErrPartitionRange indicates a partition index outside the configured range.
var ErrPartitionRange = errors.New("partition out of range")

type keyMap = skipmap.FuncMap[string, repair.ConflictSet]

// InMemoryStore is an in-memory implementation of Store.
// Each partition is an ordered concurrent skip list so scans come back sorted.
type InMemoryStore struct {
	partitions []*keyMap
}

// NewInMemoryStore creates a new in-memory store with the given partition count.
func NewInMemoryStore(partitions int) *InMemoryStore {
	s := &InMemoryStore{partitions: make([]*keyMap, partitions)}
	for i := range s.partitions {
		s.partitions[i] = skipmap.NewFunc[string, repair.ConflictSet](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		})
	}
	return s
}

func (s *InMemoryStore) partition(p int) (*keyMap, error) {
	if p < 0 || p >= len(s.partitions) {
		return nil, ErrPartitionRange
	}
	return s.partitions[p], nil
}

// Get retrieves a copy of the key's conflict set.
func (s *InMemoryStore) Get(partition int, key string) (repair.ConflictSet, error) {
	m, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	set, ok := m.Load(key)
	if !ok {
		return nil, nil
	}
	// Return a copy to avoid external modifications
	return set.Copy(), nil
}

// Put stores a copy of the conflict set.
func (s *InMemoryStore) Put(partition int, key string, set repair.ConflictSet) error {
	m, err := s.partition(partition)
	if err != nil {
		return err
	}
	m.Store(key, set.Copy())
	return nil
}

// Delete removes the key.
func (s *InMemoryStore) Delete(partition int, key string) error {
	m, err := s.partition(partition)
	if err != nil {
		return err
	}
	m.Delete(key)
	return nil
}

// Scan visits the partition's keys in order.
func (s *InMemoryStore) Scan(partition int, fn func(key string, set repair.ConflictSet) bool) error {
	m, err := s.partition(partition)
	if err != nil {
		return err
	}
	m.Range(func(key string, set repair.ConflictSet) bool {
		return fn(key, set.Copy())
	})
	return nil
}

// Len returns the number of keys across all partitions.
func (s *InMemoryStore) Len() int {
	n := 0
	for _, m := range s.partitions {
		n += m.Len()
	}
	return n
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
